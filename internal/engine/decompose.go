package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/tickets"
)

var errUnstructured = errors.New("agent output has no JSON object")

// plannedTicket is one child ticket proposed by the PM phase.
type plannedTicket struct {
	Key                string
	Title              string
	Description        string
	Type               domain.TicketType
	DependsOn          []string
	AcceptanceCriteria []string
}

type pmOutput struct {
	Tickets *[]pmTicket `json:"tickets"`
}

type pmTicket struct {
	Key                string   `json:"key"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Type               string   `json:"type"`
	DependsOn          []string `json:"depends_on"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

// decompose turns PM output into child tickets in dependency-first order.
// fellBack is set when the output was unstructured and the default plan
// was used instead.
func decompose(text, request, fallback string) (plan []plannedTicket, fellBack bool, err error) {
	plan, err = parsePlan(text)
	if errors.Is(err, errUnstructured) && fallback != config.FallbackFail {
		return defaultPlan(request), true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return plan, false, nil
}

func parsePlan(text string) ([]plannedTicket, error) {
	raw, ok := extractJSON(text)
	if !ok {
		return nil, errUnstructured
	}
	var out pmOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out.Tickets == nil {
		return nil, errUnstructured
	}
	if len(*out.Tickets) == 0 {
		return nil, errors.New("decomposition: PM proposed no tickets")
	}
	byKey := map[string]plannedTicket{}
	keys := make([]string, 0, len(*out.Tickets))
	deps := map[string][]string{}
	for i, in := range *out.Tickets {
		p := plannedTicket{
			Key:                strings.TrimSpace(in.Key),
			Title:              strings.TrimSpace(in.Title),
			Description:        strings.TrimSpace(in.Description),
			Type:               domain.TicketType(strings.ToLower(strings.TrimSpace(in.Type))),
			AcceptanceCriteria: in.AcceptanceCriteria,
		}
		if p.Key == "" {
			p.Key = fmt.Sprintf("T%d", i+1)
		}
		if p.Title == "" {
			return nil, fmt.Errorf("decomposition: ticket %s has no title", p.Key)
		}
		if p.Type == "" {
			p.Type = domain.TicketTask
		}
		if !p.Type.Valid() || p.Type == domain.TicketEpic {
			return nil, fmt.Errorf("decomposition: ticket %s has unsupported type %q", p.Key, in.Type)
		}
		for _, d := range in.DependsOn {
			if d = strings.TrimSpace(d); d != "" {
				p.DependsOn = append(p.DependsOn, d)
			}
		}
		keys = append(keys, p.Key)
		deps[p.Key] = p.DependsOn
		byKey[p.Key] = p
	}
	order, err := tickets.ValidateDAG(keys, deps)
	if err != nil {
		return nil, fmt.Errorf("decomposition: %w", err)
	}
	plan := make([]plannedTicket, 0, len(order))
	for _, k := range order {
		plan = append(plan, byKey[k])
	}
	return plan, nil
}

// defaultPlan is used when the PM answered in prose.
func defaultPlan(request string) []plannedTicket {
	title := summarize(request, 60)
	return []plannedTicket{
		{
			Key:                "implement",
			Title:              "Implement " + title,
			Description:        request,
			Type:               domain.TicketFeature,
			AcceptanceCriteria: []string{"The requested behavior is implemented"},
		},
		{
			Key:                "test",
			Title:              "Test " + title,
			Description:        "Add automated tests covering: " + request,
			Type:               domain.TicketTask,
			DependsOn:          []string{"implement"},
			AcceptanceCriteria: []string{"Tests cover the new behavior and pass"},
		},
	}
}

type qaIssue struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

type qaReport struct {
	Passed bool
	Issues []qaIssue
}

// parseQA reads the QA verdict. ok is false when the output was prose.
// Any reported issue fails the ticket even if passed is true.
func parseQA(text string) (report qaReport, ok bool) {
	raw, found := extractJSON(text)
	if !found {
		return qaReport{Passed: true}, false
	}
	var out struct {
		Passed *bool     `json:"passed"`
		Issues []qaIssue `json:"issues"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || (out.Passed == nil && out.Issues == nil) {
		return qaReport{Passed: true}, false
	}
	for _, is := range out.Issues {
		if strings.TrimSpace(is.Title) == "" && strings.TrimSpace(is.Description) == "" {
			continue
		}
		report.Issues = append(report.Issues, is)
	}
	report.Passed = len(report.Issues) == 0 && (out.Passed == nil || *out.Passed)
	if !report.Passed && len(report.Issues) == 0 {
		report.Issues = []qaIssue{{Title: "QA rejected the change", Severity: "medium"}}
	}
	return report, true
}

// extractJSON returns the first fenced block labelled json (or unlabelled)
// that holds an object. Without one it falls back to the outermost braces
// of the text outside code fences.
func extractJSON(text string) (string, bool) {
	var prose strings.Builder
	rest := text
	for {
		i := strings.Index(rest, "```")
		if i < 0 {
			prose.WriteString(rest)
			break
		}
		prose.WriteString(rest[:i])
		rest = rest[i+3:]
		nl := strings.IndexByte(rest, '\n')
		end := -1
		if nl >= 0 {
			end = strings.Index(rest[nl+1:], "```")
		}
		if end < 0 {
			// unterminated fence
			prose.WriteString(rest)
			break
		}
		lang := strings.TrimSpace(rest[:nl])
		body := rest[nl+1:]
		if lang == "" || strings.EqualFold(lang, "json") {
			if s := strings.TrimSpace(body[:end]); strings.HasPrefix(s, "{") {
				return s, true
			}
		}
		rest = body[end+3:]
	}
	outside := prose.String()
	start := strings.IndexByte(outside, '{')
	end := strings.LastIndexByte(outside, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return outside[start : end+1], true
}
