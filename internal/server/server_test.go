package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/agent"
	"forgeline/internal/agent/agenttest"
	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/migrate"
	"forgeline/internal/poll"
	"forgeline/internal/repo"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	Agents *agenttest.Fake
	client *http.Client
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	r := repo.New(conn)
	fake := agenttest.New()
	cfg := config.Default("web")
	cfg.Pipeline.Poll.MaxAttempts = 100000
	e, err := engine.New(engine.Deps{
		Runs:    r,
		Tickets: r,
		Agents:  agent.Single(fake),
		Config:  cfg,
		Sleep:   func(ctx context.Context, _ time.Duration) error { return poll.Sleep(ctx, time.Millisecond) },
	})
	require.NoError(t, err)
	handler, err := New(Config{Engine: e, Tickets: r, BasePath: "/v0", Auth: auth})
	require.NoError(t, err)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		_ = e.Shutdown(context.Background())
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Engine: e, Agents: fake, client: &http.Client{}}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	srv.Agents.Push(domain.PhasePM, agenttest.Completed(`{"tickets":[{"key":"A","title":"Do it"}]}`, 0))
	srv.Agents.Push(domain.PhaseDev, agenttest.Completed("", 0))
	srv.Agents.Push(domain.PhaseQA, agenttest.Completed(`{"passed":true}`, 0))

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/projects/web/runs", map[string]any{
		"request":    "add login",
		"repository": "https://example.com/app.git",
	}, nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var started StartRunResponse
	require.NoError(t, json.Unmarshal(data, &started))
	assert.Equal(t, domain.RunCreated, started.State)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := srv.Engine.Wait(ctx, started.RunID)
	require.NoError(t, err)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/runs/"+started.RunID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var run domain.Run
	require.NoError(t, json.Unmarshal(data, &run))
	assert.Equal(t, domain.RunCompleted, run.State)
	assert.Equal(t, "local-user", run.UserID)
	assert.NotEmpty(t, run.Timeline)
	assert.Len(t, run.Jobs, 3)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/projects/web/runs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var runs []RunSummary
	require.NoError(t, json.Unmarshal(data, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, started.RunID, runs[0].ID)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/projects/web/tickets?run_id="+started.RunID+"&status=completed", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list []domain.Ticket
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list, 2, "root and child")

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/tickets/"+run.RootTicketID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var root TicketResponse
	require.NoError(t, json.Unmarshal(data, &root))
	assert.Equal(t, domain.TicketEpic, root.Type)
	assert.True(t, root.CanStart)
	assert.False(t, root.Blocked)
	assert.Len(t, root.Children, 1)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/runs/"+started.RunID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "run_terminal", decodeError(t, data).Code)
}

func TestCancelRunningRun(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	launched := make(chan struct{}, 1)
	srv.Agents.OnLaunch = func(agent.Handle) { launched <- struct{}{} }
	srv.Agents.Push(domain.PhasePM, agenttest.Never())

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/projects/web/runs", map[string]any{
		"request": "x", "repository": "r",
	}, nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var started StartRunResponse
	require.NoError(t, json.Unmarshal(data, &started))
	select {
	case <-launched:
	case <-time.After(5 * time.Second):
		t.Fatal("PM job never launched")
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/runs/"+started.RunID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var run domain.Run
	require.NoError(t, json.Unmarshal(data, &run))
	assert.Equal(t, domain.RunFailed, run.State)
	assert.Equal(t, domain.OutcomeCancelled, run.Outcome)
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/runs/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Code)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/tickets/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Code)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/projects/web/runs", map[string]any{
		"request": "   ", "repository": "r",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", decodeError(t, data).Code)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/projects/web/tickets?status=done", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, decodeError(t, data).Message, "done")
}

func TestJWTAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})

	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/projects/web/runs", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	bad, err := IssueToken("other", "alice")
	require.NoError(t, err)
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/projects/web/runs", nil, map[string]string{"Authorization": "Bearer " + bad})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	token, err := IssueToken("s3cret", "alice")
	require.NoError(t, err)
	srv.Agents.Push(domain.PhasePM, agenttest.Failed("nope"))
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/projects/web/runs", map[string]any{
		"request": "x", "repository": "r",
	}, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var started StartRunResponse
	require.NoError(t, json.Unmarshal(data, &started))
	run, err := srv.Engine.GetRunStatus(context.Background(), started.RunID)
	require.NoError(t, err)
	assert.Equal(t, "alice", run.UserID)
}

func TestOpenAPISpec(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var oas map[string]any
	require.NoError(t, json.Unmarshal(data, &oas))
	paths, ok := oas["paths"].(map[string]any)
	require.True(t, ok)
	for _, p := range []string{"/v0/runs/{run_id}", "/v0/projects/{project_id}/runs", "/v0/tickets/{ticket_id}"} {
		assert.Contains(t, paths, p)
	}
}
