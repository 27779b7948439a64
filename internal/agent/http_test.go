package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
)

func TestHTTPClientLaunchAndStatus(t *testing.T) {
	var polls atomic.Int32
	var launched launchBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v0/agents":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&launched))
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "ag-1", "status": "CREATING"})
		case r.Method == http.MethodGet && r.URL.Path == "/v0/agents/ag-1":
			n := polls.Add(1)
			body := map[string]any{"id": "ag-1", "status": "RUNNING"}
			if n >= 2 {
				body = map[string]any{
					"id": "ag-1", "status": "FINISHED", "summary": "done",
					"target": map[string]any{"branchName": "forgeline/x", "prUrl": "https://example.com/pr/1"},
				}
			}
			_ = json.NewEncoder(w).Encode(body)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret", time.Second)
	c.AutoCreatePR = true
	h, err := c.Launch(context.Background(), LaunchRequest{Phase: domain.PhaseDev, Prompt: "build it", Repository: "repo", BranchHint: "forgeline/x"})
	require.NoError(t, err)
	assert.Equal(t, "ag-1", h.ID)
	assert.Equal(t, "build it", launched.Prompt.Text)
	assert.True(t, launched.Target.AutoCreatePR)

	st, err := c.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, st.State)

	st, err = c.Status(context.Background(), h)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, st.State)
	require.NotNil(t, st.Output)
	assert.Equal(t, "done", st.Output.Text)
	assert.Equal(t, "https://example.com/pr/1", st.Output.PRURL)

	for i := 0; i < 3; i++ {
		again, err := c.Status(context.Background(), h)
		require.NoError(t, err)
		assert.Equal(t, st, again)
	}
	assert.Equal(t, int32(2), polls.Load(), "terminal status must not be re-fetched")
}

func TestHTTPClientLaunchErrors(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", "", time.Second)
	_, err := c.Launch(context.Background(), LaunchRequest{Phase: domain.PhasePM})
	var le *LaunchError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, ErrMissingCredentials)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad repo", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()
	c = NewHTTPClient(srv.URL, "k", time.Second)
	_, err = c.Launch(context.Background(), LaunchRequest{Phase: domain.PhaseQA})
	require.ErrorAs(t, err, &le)
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusUnprocessableEntity, pe.StatusCode)
}

func TestMapProviderStatus(t *testing.T) {
	cases := map[string]domain.JobStatus{
		"CREATING":  domain.JobPending,
		"RUNNING":   domain.JobRunning,
		"FINISHED":  domain.JobCompleted,
		"ERROR":     domain.JobFailed,
		"EXPIRED":   domain.JobFailed,
		"cancelled": domain.JobCancelled,
		"STOPPED":   domain.JobCancelled,
		"weird":     domain.JobRunning,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapProviderStatus(in), in)
	}
}

func TestClientsResolver(t *testing.T) {
	_, err := Clients{}.ClientFor(domain.PhaseDev)
	require.ErrorIs(t, err, ErrNoClient)
	c := NewHTTPClient("http://x", "k", 0)
	got, err := Clients{ByPhase: map[domain.Phase]Client{domain.PhaseQA: c}}.ClientFor(domain.PhaseQA)
	require.NoError(t, err)
	assert.Same(t, c, got)
}

func TestHTTPClientMemoIsBounded(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","status":"FINISHED","output":"ok"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k", time.Second)
	c.MemoSize = 1
	ctx := context.Background()
	a := Handle{ID: "a", Phase: domain.PhaseDev}
	b := Handle{ID: "b", Phase: domain.PhaseQA}

	for _, h := range []Handle{a, a, b, a} {
		st, err := c.Status(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, domain.JobCompleted, st.State)
	}
	assert.Equal(t, int32(3), polls.Load(), "a is fetched again once b pushed it out")
	assert.Equal(t, 1, c.terminal.Len())
}
