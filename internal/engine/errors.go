package engine

import (
	"errors"
	"fmt"
	"strings"

	"forgeline/internal/agent"
	"forgeline/internal/poll"
	"forgeline/internal/tickets"
)

var (
	ErrRunNotFound    = errors.New("run not found")
	ErrRunTerminal    = errors.New("run already finished")
	ErrInvalidRequest = errors.New("invalid request")
	ErrRunCancelled   = errors.New("run cancelled")
	ErrShuttingDown   = errors.New("engine shutting down")
)

// DependencyUnsatisfiableError reports pending tickets that can never start.
type DependencyUnsatisfiableError struct {
	Stalls []tickets.Stall
}

func (e *DependencyUnsatisfiableError) Error() string {
	keys := make([]string, 0, len(e.Stalls))
	for _, s := range e.Stalls {
		keys = append(keys, fmt.Sprintf("%s (%s)", s.Key, s.Reason))
	}
	return "dependencies unsatisfiable: " + strings.Join(keys, ", ")
}

// TicketIDs lists the stalled tickets.
func (e *DependencyUnsatisfiableError) TicketIDs() []string {
	out := make([]string, 0, len(e.Stalls))
	for _, s := range e.Stalls {
		out = append(out, s.TicketID)
	}
	return out
}

// agentError marks failures that came from the agent provider rather than
// from bookkeeping; only these are absorbed at ticket level.
type agentError struct {
	err error
}

func (e *agentError) Error() string { return e.err.Error() }
func (e *agentError) Unwrap() error { return e.err }

// Kind names the error class recorded in the timeline.
func Kind(err error) string {
	var le *agent.LaunchError
	var fe *poll.JobFailedError
	var te *poll.JobTimeoutError
	var de *DependencyUnsatisfiableError
	switch {
	case errors.As(err, &le):
		return "launch_failure"
	case errors.As(err, &fe):
		return "job_failed"
	case errors.As(err, &te):
		return "job_timeout"
	case errors.Is(err, poll.ErrJobCancelled):
		return "job_cancelled"
	case errors.As(err, &de):
		return "dependency_unsatisfiable"
	case errors.Is(err, ErrRunCancelled), errors.Is(err, ErrShuttingDown):
		return "cancelled"
	default:
		return "internal"
	}
}
