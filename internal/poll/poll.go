// Package poll waits for remote agent jobs to reach a terminal status.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"forgeline/internal/agent"
	"forgeline/internal/domain"
)

const (
	DefaultInterval    = 10 * time.Second
	DefaultMaxAttempts = 60
)

// Policy bounds one wait: at most MaxAttempts status checks, Interval apart.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

func (p Policy) withDefaults() Policy {
	if p.Interval < 0 {
		p.Interval = 0
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

var ErrJobCancelled = errors.New("agent job cancelled")

type JobFailedError struct {
	JobID   string
	Phase   domain.Phase
	Message string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("%s job %s failed: %s", e.Phase, e.JobID, e.Message)
}

type JobTimeoutError struct {
	JobID    string
	Phase    domain.Phase
	Attempts int
	Interval time.Duration
}

func (e *JobTimeoutError) Error() string {
	return fmt.Sprintf("%s job %s not finished after %d checks every %s", e.Phase, e.JobID, e.Attempts, e.Interval)
}

// Scheduler runs status checks. Sleep, OnPoll and Check are optional hooks.
// Check runs before each wait between checks; an error from it ends the wait.
type Scheduler struct {
	Sleep  func(ctx context.Context, d time.Duration) error
	OnPoll func(attempt int, st agent.Status)
	Check  func(ctx context.Context) error
}

// AwaitCompletion checks status first and sleeps between checks, never after
// the last one. A failed status is returned immediately as *JobFailedError;
// transport errors from the client are returned as is.
func (s Scheduler) AwaitCompletion(ctx context.Context, client agent.Client, h agent.Handle, p Policy) (agent.Status, error) {
	p = p.withDefaults()
	sleep := s.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return agent.Status{}, err
		}
		st, err := client.Status(ctx, h)
		if err != nil {
			return agent.Status{}, fmt.Errorf("status of %s job %s: %w", h.Phase, h.ID, err)
		}
		if s.OnPoll != nil {
			s.OnPoll(attempt, st)
		}
		switch st.State {
		case domain.JobCompleted:
			return st, nil
		case domain.JobFailed:
			return st, &JobFailedError{JobID: h.ID, Phase: h.Phase, Message: st.Error}
		case domain.JobCancelled:
			return st, ErrJobCancelled
		}
		if attempt == p.MaxAttempts {
			break
		}
		if s.Check != nil {
			if err := s.Check(ctx); err != nil {
				return st, err
			}
		}
		if err := sleep(ctx, p.Interval); err != nil {
			return agent.Status{}, err
		}
	}
	return agent.Status{}, &JobTimeoutError{JobID: h.ID, Phase: h.Phase, Attempts: p.MaxAttempts, Interval: p.Interval}
}

// AwaitCompletion waits with real timers.
func AwaitCompletion(ctx context.Context, client agent.Client, h agent.Handle, p Policy) (agent.Status, error) {
	return Scheduler{}.AwaitCompletion(ctx, client, h, p)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
