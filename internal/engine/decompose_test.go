package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/config"
	"forgeline/internal/domain"
)

func TestDecomposeOrdersByDependency(t *testing.T) {
	text := `{"tickets":[
		{"key":"ui","title":"Page","depends_on":["api"]},
		{"key":"api","title":"Endpoint","type":"Feature","acceptance_criteria":["returns 200"]}]}`
	plan, fellBack, err := decompose(text, "req", config.FallbackDefault)
	require.NoError(t, err)
	assert.False(t, fellBack)
	require.Len(t, plan, 2)
	assert.Equal(t, "api", plan[0].Key)
	assert.Equal(t, domain.TicketFeature, plan[0].Type)
	assert.Equal(t, []string{"returns 200"}, plan[0].AcceptanceCriteria)
	assert.Equal(t, domain.TicketTask, plan[1].Type)
	assert.Equal(t, []string{"api"}, plan[1].DependsOn)
}

func TestDecomposeGeneratesKeys(t *testing.T) {
	plan, _, err := decompose(`{"tickets":[{"title":"a"},{"title":"b","depends_on":["T1"]}]}`, "req", config.FallbackDefault)
	require.NoError(t, err)
	assert.Equal(t, "T1", plan[0].Key)
	assert.Equal(t, "T2", plan[1].Key)
}

func TestDecomposeRejectsInvalidPlans(t *testing.T) {
	cases := map[string]string{
		"empty":      `{"tickets":[]}`,
		"no title":   `{"tickets":[{"key":"a"}]}`,
		"epic":       `{"tickets":[{"title":"a","type":"epic"}]}`,
		"bad type":   `{"tickets":[{"title":"a","type":"chore"}]}`,
		"unknown":    `{"tickets":[{"key":"a","title":"a","depends_on":["zzz"]}]}`,
		"self":       `{"tickets":[{"key":"a","title":"a","depends_on":["a"]}]}`,
		"duplicates": `{"tickets":[{"key":"a","title":"a"},{"key":"a","title":"b"}]}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := decompose(text, "req", config.FallbackDefault)
			assert.Error(t, err)
		})
	}
}

func TestDecomposeFallback(t *testing.T) {
	plan, fellBack, err := decompose("I think we should add a button.", "Add a logout button", config.FallbackDefault)
	require.NoError(t, err)
	assert.True(t, fellBack)
	require.Len(t, plan, 2)
	assert.Equal(t, "Implement Add a logout button", plan[0].Title)
	assert.Equal(t, []string{plan[0].Key}, plan[1].DependsOn)

	_, _, err = decompose(`{"summary":"no tickets key"}`, "x", config.FallbackFail)
	assert.ErrorIs(t, err, errUnstructured)
}

func TestParseQA(t *testing.T) {
	r, ok := parseQA("```json\n{\"passed\":true,\"issues\":[]}\n```")
	assert.True(t, ok)
	assert.True(t, r.Passed)

	r, ok = parseQA(`{"passed":true,"issues":[{"title":"typo"}]}`)
	assert.True(t, ok)
	assert.False(t, r.Passed, "issues override passed")
	assert.Len(t, r.Issues, 1)

	r, ok = parseQA(`{"passed":false}`)
	assert.True(t, ok)
	assert.False(t, r.Passed)
	assert.Len(t, r.Issues, 1)

	r, ok = parseQA(`{"passed":true,"issues":[{"title":" "}]}`)
	assert.True(t, ok)
	assert.True(t, r.Passed, "blank issues are dropped")

	r, ok = parseQA("All good, ship it.")
	assert.False(t, ok)
	assert.True(t, r.Passed)
}

func TestExtractJSON(t *testing.T) {
	s, ok := extractJSON("text\n```\n{\"a\":1}\n```\nmore {ignored}")
	assert.True(t, ok)
	assert.Equal(t, `{"a":1}`, s)

	s, ok = extractJSON(`prefix {"a":{"b":2}} suffix`)
	assert.True(t, ok)
	assert.Equal(t, `{"a":{"b":2}}`, s)

	_, ok = extractJSON("no braces")
	assert.False(t, ok)

	s, ok = extractJSON("Handler:\n```go\nfunc h() { return }\n```\nPlan:\n```json\n{\"tickets\":[]}\n```\n")
	assert.True(t, ok)
	assert.Equal(t, `{"tickets":[]}`, s, "code fences before the plan are skipped")

	_, ok = extractJSON("```go\nfunc h() { return }\n```\n")
	assert.False(t, ok, "braces inside code are not a plan")

	s, ok = extractJSON("```json\n{\"a\":1}")
	assert.True(t, ok)
	assert.Equal(t, `{"a":1}`, s)
}

func TestParsePlanAfterCodeFence(t *testing.T) {
	text := "I will add:\n```go\nfunc Health(w http.ResponseWriter) { w.WriteHeader(200) }\n```\n" +
		"```json\n{\"tickets\":[{\"key\":\"A\",\"title\":\"Add handler\"}]}\n```"
	plan, fellBack, err := decompose(text, "health", config.FallbackFail)
	require.NoError(t, err)
	assert.False(t, fellBack)
	require.Len(t, plan, 1)
	assert.Equal(t, "Add handler", plan[0].Title)
}

func TestBranchName(t *testing.T) {
	tk := domain.Ticket{Key: "APP-12", Title: "Add /health endpoint!"}
	assert.Equal(t, "forgeline/app-12-add-health-endpoint", branchName("forgeline/", tk))
	assert.Equal(t, "fl/app-12", branchName("fl/", domain.Ticket{Key: "APP-12", Title: "!!!"}))
}

func TestPrompts(t *testing.T) {
	tk := domain.Ticket{
		Key:                "APP-3",
		Title:              "Add handler",
		Description:        "Serve status",
		Branch:             "forgeline/app-3-add-handler",
		AcceptanceCriteria: []domain.AcceptanceCriterion{{Description: "returns 200"}},
	}
	dev := devPrompt(domain.Run{Request: "health check"}, tk)
	assert.Contains(t, dev, "Implement ticket APP-3: Add handler\n")
	assert.Contains(t, dev, "- returns 200")
	assert.Contains(t, dev, "health check")

	qa := qaPrompt(tk)
	assert.Contains(t, qa, `"passed"`)
	assert.Contains(t, qa, "Branch: forgeline/app-3-add-handler")

	assert.Contains(t, pmPrompt("  do it  "), "Feature request:\ndo it")
}
