package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"forgeline/internal/domain"
)

var ErrMissingCredentials = errors.New("missing api key")

// DefaultMemoSize bounds how many terminal job statuses a client remembers.
const DefaultMemoSize = 1024

// ProviderError is a non-2xx answer from the provider.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error: status=%d body=%s", e.StatusCode, e.Body)
}

// HTTPClient talks to a background-agent provider over REST.
type HTTPClient struct {
	BaseURL      string
	APIKey       string
	Model        string
	AutoCreatePR bool
	HTTPClient   *http.Client
	// MemoSize caps the remembered terminal statuses; the least recently
	// polled job is forgotten first.
	MemoSize int

	once     sync.Once
	terminal *lru.Cache[string, Status]
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type launchBody struct {
	Prompt struct {
		Text string `json:"text"`
	} `json:"prompt"`
	Source struct {
		Repository string `json:"repository"`
		Ref        string `json:"ref,omitempty"`
	} `json:"source"`
	Target struct {
		BranchName   string `json:"branchName,omitempty"`
		AutoCreatePR bool   `json:"autoCreatePr"`
	} `json:"target"`
	Model string `json:"model,omitempty"`
}

type agentBody struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Summary string `json:"summary"`
	Output  string `json:"output"`
	Error   string `json:"error"`
	Target  struct {
		BranchName string `json:"branchName"`
		PRURL      string `json:"prUrl"`
	} `json:"target"`
}

func (c *HTTPClient) Launch(ctx context.Context, req LaunchRequest) (Handle, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return Handle{}, &LaunchError{Phase: req.Phase, Reason: "credentials", Err: ErrMissingCredentials}
	}
	var body launchBody
	body.Prompt.Text = req.Prompt
	body.Source.Repository = req.Repository
	body.Source.Ref = req.Ref
	body.Target.BranchName = req.BranchHint
	// only DEV produces branches worth a pull request
	body.Target.AutoCreatePR = c.AutoCreatePR && req.Phase == domain.PhaseDev
	body.Model = c.Model
	var resp agentBody
	if err := c.do(ctx, http.MethodPost, "v0/agents", body, &resp); err != nil {
		return Handle{}, &LaunchError{Phase: req.Phase, Reason: "provider rejected launch", Err: err}
	}
	if resp.ID == "" {
		return Handle{}, &LaunchError{Phase: req.Phase, Reason: "provider returned no job id"}
	}
	return Handle{ID: resp.ID, Phase: req.Phase}, nil
}

// Status reports the job state. Once a job is terminal the same Status is
// returned without contacting the provider again.
func (c *HTTPClient) Status(ctx context.Context, h Handle) (Status, error) {
	memo := c.memo()
	if st, ok := memo.Get(h.ID); ok {
		return st, nil
	}

	var resp agentBody
	if err := c.do(ctx, http.MethodGet, "v0/agents/"+url.PathEscape(h.ID), nil, &resp); err != nil {
		return Status{}, err
	}
	st := Status{State: MapProviderStatus(resp.Status), Error: resp.Error}
	if st.State == domain.JobCompleted {
		text := resp.Output
		if text == "" {
			text = resp.Summary
		}
		st.Output = &domain.JobOutput{Text: text, Summary: resp.Summary, Branch: resp.Target.BranchName, PRURL: resp.Target.PRURL}
	}
	if st.State == domain.JobFailed && st.Error == "" {
		st.Error = fmt.Sprintf("agent reported %s", resp.Status)
	}
	if st.State.Terminal() {
		if prev, ok, _ := memo.PeekOrAdd(h.ID, st); ok {
			st = prev
		}
	}
	return st, nil
}

func (c *HTTPClient) memo() *lru.Cache[string, Status] {
	c.once.Do(func() {
		size := c.MemoSize
		if size <= 0 {
			size = DefaultMemoSize
		}
		c.terminal, _ = lru.New[string, Status](size)
	})
	return c.terminal
}

func (c *HTTPClient) Cancel(ctx context.Context, h Handle) error {
	return c.do(ctx, http.MethodPost, "v0/agents/"+url.PathEscape(h.ID)+"/stop", nil, nil)
}

// MapProviderStatus folds provider status names into job statuses.
// Unknown names count as running.
func MapProviderStatus(s string) domain.JobStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CREATING", "PENDING", "QUEUED":
		return domain.JobPending
	case "FINISHED", "COMPLETED":
		return domain.JobCompleted
	case "ERROR", "FAILED", "EXPIRED":
		return domain.JobFailed
	case "CANCELLED", "STOPPED":
		return domain.JobCancelled
	default:
		return domain.JobRunning
	}
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body any, out any) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ProviderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
