package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/repo"
)

// errSettledElsewhere means another engine sharing the store, such as a
// second fl process, finished the run.
var errSettledElsewhere = fmt.Errorf("%w by another engine", ErrRunTerminal)

// runEdges lists the allowed run state changes. The edges back into
// DEV_RUNNING start the next ticket.
var runEdges = map[domain.RunState][]domain.RunState{
	domain.RunCreated:      {domain.RunPMRunning},
	domain.RunPMRunning:    {domain.RunPMCompleted},
	domain.RunPMCompleted:  {domain.RunDevRunning, domain.RunCompleted},
	domain.RunDevRunning:   {domain.RunDevCompleted, domain.RunDevRunning, domain.RunCompleted},
	domain.RunDevCompleted: {domain.RunQARunning, domain.RunDevRunning, domain.RunCompleted},
	domain.RunQARunning:    {domain.RunQACompleted, domain.RunDevRunning, domain.RunCompleted},
	domain.RunQACompleted:  {domain.RunDevRunning, domain.RunCompleted},
}

func checkRunTransition(from, to domain.RunState) error {
	if from.Terminal() {
		return fmt.Errorf("%w: run is %s", ErrRunTerminal, from)
	}
	if to == domain.RunFailed {
		return nil
	}
	for _, s := range runEdges[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid run state transition %s -> %s", from, to)
}

// recorder owns the run's state and timeline. Timestamps never go
// backwards even if the clock does.
type recorder struct {
	runs  RunStore
	sink  events.Sink
	log   *zap.Logger
	now   func() time.Time
	runID string

	mu      sync.Mutex
	state   domain.RunState
	last    time.Time
	settled bool
}

func (r *recorder) current() domain.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// settledElsewhere reports whether the stored run was finished by someone
// else; the recorder then writes nothing more.
func (r *recorder) settledElsewhere() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settled
}

// refresh compares the stored state with ours and returns
// errSettledElsewhere once the store holds a terminal state we did not write.
func (r *recorder) refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked(ctx)
}

func (r *recorder) refreshLocked(ctx context.Context) error {
	if r.settled {
		return errSettledElsewhere
	}
	if r.state.Terminal() {
		return nil
	}
	state, _, err := r.runs.RunState(ctx, r.runID)
	if err != nil {
		return err
	}
	if state.Terminal() {
		r.state = state
		r.settled = true
		r.log.Warn("run finished by another engine", zap.String("state", string(state)))
		return errSettledElsewhere
	}
	return nil
}

// rejected turns a store refusal caused by a terminal run into
// errSettledElsewhere.
func (r *recorder) rejected(ctx context.Context, err error) error {
	if !errors.Is(err, repo.ErrRunTerminal) {
		return err
	}
	if serr := r.refreshLocked(ctx); serr != nil {
		return serr
	}
	return err
}

func (r *recorder) stamp() string {
	t := r.now().UTC()
	if t.Before(r.last) {
		t = r.last
	}
	r.last = t
	return domain.FormatTime(t)
}

func (r *recorder) append(ctx context.Context, e domain.TimelineEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendLocked(ctx, e)
}

func (r *recorder) appendLocked(ctx context.Context, e domain.TimelineEntry) error {
	if r.settled {
		return errSettledElsewhere
	}
	e.Timestamp = r.stamp()
	stored, err := r.runs.AppendTimeline(ctx, r.runID, e)
	if err != nil {
		if err = r.rejected(ctx, err); errors.Is(err, errSettledElsewhere) {
			return err
		}
		return fmt.Errorf("append timeline: %w", err)
	}
	if err := r.sink.Emit(ctx, r.runID, stored); err != nil {
		r.log.Warn("timeline sink failed", zap.Int64("seq", stored.Seq), zap.Error(err))
	}
	return nil
}

// note appends an entry that does not change state.
func (r *recorder) note(ctx context.Context, phase domain.Phase, level domain.Level, ticketID, msg string, data map[string]any) error {
	return r.append(ctx, domain.TimelineEntry{Phase: phase, Level: level, TicketID: ticketID, Message: msg, Data: data})
}

// transition moves the run to `to` and appends its one timeline entry.
func (r *recorder) transition(ctx context.Context, to domain.RunState, e domain.TimelineEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return errSettledElsewhere
	}
	if err := checkRunTransition(r.state, to); err != nil {
		return err
	}
	if err := r.runs.SetState(ctx, r.runID, to); err != nil {
		if err = r.rejected(ctx, err); errors.Is(err, errSettledElsewhere) {
			return err
		}
		return fmt.Errorf("set run state %s: %w", to, err)
	}
	r.state = to
	e.State = to
	if e.Level == "" {
		e.Level = domain.LevelInfo
	}
	return r.appendLocked(ctx, e)
}
