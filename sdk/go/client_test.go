package forgelinesdk

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
)

func TestClientRoutes(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v0/projects/p1/runs":
			var body StartRunRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "add login", body.Request)
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"run_id":"r1","state":"CREATED"}`))
		case r.URL.Path == "/v0/runs/r1":
			state := "PM_RUNNING"
			if polls.Add(1) >= 3 {
				state = "COMPLETED"
			}
			json.NewEncoder(w).Encode(Run{ID: "r1", State: state})
		case r.URL.Path == "/v0/projects/p1/tickets":
			assert.Equal(t, "r1", r.URL.Query().Get("run_id"))
			assert.Equal(t, "planned,blocked", r.URL.Query().Get("status"))
			w.Write([]byte(`[{"id":"t1","key":"P1-1","status":"planned"}]`))
		case r.URL.Path == "/v0/runs/gone/cancel":
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":{"code":"run_terminal","message":"run already finished"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "p1")
	c.BearerToken = "tok"
	ctx := context.Background()

	started, err := c.StartRun(ctx, StartRunRequest{Request: "add login", Repository: "r"})
	require.NoError(t, err)
	assert.Equal(t, "r1", started.RunID)

	run, err := c.WaitRun(ctx, "r1", time.Millisecond)
	require.NoError(t, err)
	assert.True(t, run.Terminal())
	assert.Equal(t, int32(3), polls.Load())

	list, err := c.ListTickets(ctx, TicketQuery{RunID: "r1", Statuses: []string{"planned", "blocked"}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "P1-1", list[0].Key)

	_, err = c.CancelRun(ctx, "gone")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "run_terminal", apiErr.Code)
}
