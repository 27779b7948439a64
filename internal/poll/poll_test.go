package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/agent"
	"forgeline/internal/agent/agenttest"
	"forgeline/internal/domain"
)

func launch(t *testing.T, f *agenttest.Fake, s agenttest.Script) agent.Handle {
	t.Helper()
	f.Push(domain.PhaseDev, s)
	h, err := f.Launch(context.Background(), agent.LaunchRequest{Phase: domain.PhaseDev})
	require.NoError(t, err)
	return h
}

type sleepCounter struct {
	calls int
	total time.Duration
}

func (c *sleepCounter) sleep(_ context.Context, d time.Duration) error {
	c.calls++
	c.total += d
	return nil
}

func TestAwaitCompletionTimesOutAfterExactAttempts(t *testing.T) {
	for _, limit := range []int{1, 3, 60} {
		f := agenttest.New()
		h := launch(t, f, agenttest.Never())
		var sc sleepCounter
		s := Scheduler{Sleep: sc.sleep}
		_, err := s.AwaitCompletion(context.Background(), f, h, Policy{Interval: 5 * time.Second, MaxAttempts: limit})
		var te *JobTimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, limit, te.Attempts)
		assert.Equal(t, limit, f.Polls(h.ID), "polls")
		assert.Equal(t, limit-1, sc.calls, "sleeps")
		assert.Equal(t, time.Duration(limit-1)*5*time.Second, sc.total)
	}
}

func TestAwaitCompletionReturnsOutput(t *testing.T) {
	f := agenttest.New()
	h := launch(t, f, agenttest.Completed("result", 2))
	var attempts []int
	s := Scheduler{Sleep: func(context.Context, time.Duration) error { return nil }, OnPoll: func(n int, _ agent.Status) { attempts = append(attempts, n) }}
	st, err := s.AwaitCompletion(context.Background(), f, h, Policy{Interval: time.Millisecond, MaxAttempts: 5})
	require.NoError(t, err)
	require.NotNil(t, st.Output)
	assert.Equal(t, "result", st.Output.Text)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestAwaitCompletionFailsImmediately(t *testing.T) {
	f := agenttest.New()
	h := launch(t, f, agenttest.Failed("compile error"))
	var sc sleepCounter
	_, err := Scheduler{Sleep: sc.sleep}.AwaitCompletion(context.Background(), f, h, Policy{MaxAttempts: 10})
	var fe *JobFailedError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "compile error", fe.Message)
	assert.Equal(t, 1, f.Polls(h.ID))
	assert.Zero(t, sc.calls)
}

func TestAwaitCompletionCancelled(t *testing.T) {
	f := agenttest.New()
	h := launch(t, f, agenttest.Never())
	require.NoError(t, f.Cancel(context.Background(), h))
	_, err := AwaitCompletion(context.Background(), f, h, Policy{MaxAttempts: 3})
	assert.ErrorIs(t, err, ErrJobCancelled)
}

func TestAwaitCompletionContextCancel(t *testing.T) {
	f := agenttest.New()
	h := launch(t, f, agenttest.Never())
	ctx, cancel := context.WithCancel(context.Background())
	s := Scheduler{Sleep: func(ctx context.Context, d time.Duration) error {
		cancel()
		return Sleep(ctx, d)
	}}
	_, err := s.AwaitCompletion(ctx, f, h, Policy{Interval: time.Hour, MaxAttempts: 5})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, f.Polls(h.ID))
}

func TestRepollAfterCompletionIsStable(t *testing.T) {
	f := agenttest.New()
	h := launch(t, f, agenttest.Completed("same", 0))
	first, err := AwaitCompletion(context.Background(), f, h, Policy{MaxAttempts: 1})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := f.Status(context.Background(), h)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestAwaitCompletionCheckEndsWait(t *testing.T) {
	f := agenttest.New()
	h := launch(t, f, agenttest.Never())
	stop := errors.New("settled")
	var checks int
	var sc sleepCounter
	s := Scheduler{Sleep: sc.sleep, Check: func(context.Context) error {
		checks++
		if checks == 3 {
			return stop
		}
		return nil
	}}
	_, err := s.AwaitCompletion(context.Background(), f, h, Policy{Interval: time.Second, MaxAttempts: 10})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 3, f.Polls(h.ID))
	assert.Equal(t, 2, sc.calls)
}
