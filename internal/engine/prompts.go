package engine

import (
	"fmt"
	"strings"

	"forgeline/internal/domain"
)

const pmInstructions = `You are the product manager for this repository. Break the feature request
below into implementation tickets.

Answer with a single JSON object and nothing else:
{"tickets":[{"key":"T1","title":"...","description":"...","type":"task",
"depends_on":["..."],"acceptance_criteria":["..."]}]}

Keys are your own short labels; depends_on lists keys of tickets that must be
finished first. Allowed types: feature, story, task, bug.`

const qaInstructions = `You are reviewing the branch below against its ticket.
Answer with a single JSON object and nothing else:
{"passed":true|false,"issues":[{"title":"...","description":"...","severity":"low|medium|high"}]}`

func pmPrompt(request string) string {
	return pmInstructions + "\n\nFeature request:\n" + strings.TrimSpace(request)
}

func devPrompt(run domain.Run, t domain.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement ticket %s: %s\n", t.Key, t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	writeCriteria(&b, t.AcceptanceCriteria)
	fmt.Fprintf(&b, "\nThis ticket is part of the feature request:\n%s\n", strings.TrimSpace(run.Request))
	return b.String()
}

func qaPrompt(t domain.Ticket) string {
	var b strings.Builder
	b.WriteString(qaInstructions)
	fmt.Fprintf(&b, "\n\nTicket %s: %s\n", t.Key, t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "%s\n", t.Description)
	}
	if t.Branch != "" {
		fmt.Fprintf(&b, "Branch: %s\n", t.Branch)
	}
	if t.PRURL != "" {
		fmt.Fprintf(&b, "Pull request: %s\n", t.PRURL)
	}
	writeCriteria(&b, t.AcceptanceCriteria)
	return b.String()
}

func writeCriteria(b *strings.Builder, criteria []domain.AcceptanceCriterion) {
	if len(criteria) == 0 {
		return
	}
	b.WriteString("\nAcceptance criteria:\n")
	for _, c := range criteria {
		fmt.Fprintf(b, "- %s\n", c.Description)
	}
}

func branchName(prefix string, t domain.Ticket) string {
	slug := slugify(t.Title, 40)
	if slug == "" {
		return prefix + strings.ToLower(t.Key)
	}
	return prefix + strings.ToLower(t.Key) + "-" + slug
}

func slugify(s string, limit int) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= limit {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

func summarize(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= limit {
		return s
	}
	cut := strings.LastIndex(s[:limit], " ")
	if cut <= 0 {
		cut = limit
	}
	return s[:cut] + "..."
}
