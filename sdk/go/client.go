package forgelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal forgeline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// TimelineEntry is one record of a run's history.
type TimelineEntry struct {
	Seq       int64          `json:"seq"`
	Phase     string         `json:"phase"`
	State     string         `json:"state,omitempty"`
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	TicketID  string         `json:"ticket_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Job is an agent job record (partial).
type Job struct {
	ID            string `json:"id"`
	TicketID      string `json:"ticket_id,omitempty"`
	Phase         string `json:"phase"`
	ProviderJobID string `json:"provider_job_id,omitempty"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

// Run represents the API run model.
type Run struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	UserID         string          `json:"user_id"`
	Request        string          `json:"request"`
	Repository     string          `json:"repository"`
	Ref            string          `json:"ref,omitempty"`
	State          string          `json:"state"`
	Outcome        string          `json:"outcome,omitempty"`
	Error          string          `json:"error,omitempty"`
	RootTicketID   string          `json:"root_ticket_id,omitempty"`
	StalledTickets []string        `json:"stalled_tickets,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	Timeline       []TimelineEntry `json:"timeline,omitempty"`
	Jobs           []Job           `json:"jobs,omitempty"`
}

// Terminal reports whether the run has finished.
func (r Run) Terminal() bool { return r.State == "COMPLETED" || r.State == "FAILED" }

// Ticket represents the API ticket model (partial).
type Ticket struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	RunID        string   `json:"run_id,omitempty"`
	Key          string   `json:"key"`
	Type         string   `json:"type"`
	Title        string   `json:"title"`
	Status       string   `json:"status"`
	ParentID     *string  `json:"parent_id,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Blocks       *string  `json:"blocks,omitempty"`
	Branch       string   `json:"branch,omitempty"`
	PRURL        string   `json:"pr_url,omitempty"`
	CanStart     *bool    `json:"can_start,omitempty"`
	Blocked      *bool    `json:"blocked,omitempty"`
	Children     []string `json:"children,omitempty"`
}

// StartRunRequest is the body of StartRun.
type StartRunRequest struct {
	Request    string `json:"request"`
	Repository string `json:"repository"`
	Ref        string `json:"ref,omitempty"`
}

type StartRunResponse struct {
	RunID string `json:"run_id"`
	State string `json:"state"`
}

// TicketQuery filters ListTickets.
type TicketQuery struct {
	RunID    string
	ParentID string
	Type     string
	Statuses []string
	Limit    int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartRun starts a pipeline run for the client's project.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (StartRunResponse, error) {
	var resp StartRunResponse
	err := c.do(ctx, http.MethodPost, c.projectPath("runs"), req, &resp)
	return resp, err
}

func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// CancelRun cancels a run and returns its final record.
func (c *Client) CancelRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs/"+url.PathEscape(runID)+"/cancel", nil, &resp)
	return resp, err
}

func (c *Client) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	p := c.projectPath("runs")
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, p, nil, &resp)
	return resp, err
}

// WaitRun polls GetRun every interval until the run is terminal.
func (c *Client) WaitRun(ctx context.Context, runID string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil || run.Terminal() {
			return run, err
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) ListTickets(ctx context.Context, q TicketQuery) ([]Ticket, error) {
	v := url.Values{}
	if q.RunID != "" {
		v.Set("run_id", q.RunID)
	}
	if q.ParentID != "" {
		v.Set("parent_id", q.ParentID)
	}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	if len(q.Statuses) > 0 {
		v.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	p := c.projectPath("tickets")
	if len(v) > 0 {
		p += "?" + v.Encode()
	}
	var resp []Ticket
	err := c.do(ctx, http.MethodGet, p, nil, &resp)
	return resp, err
}

func (c *Client) GetTicket(ctx context.Context, ticketID string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodGet, "v0/tickets/"+url.PathEscape(ticketID), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
