// Package engine runs PM -> DEV -> QA pipelines.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"forgeline/internal/agent"
	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/repo"
	"forgeline/internal/tickets"
)

// RunStore persists runs, their timelines and agent job records.
type RunStore interface {
	CreateRun(ctx context.Context, spec repo.RunSpec) (domain.Run, error)
	AppendTimeline(ctx context.Context, runID string, entry domain.TimelineEntry) (domain.TimelineEntry, error)
	SetState(ctx context.Context, runID string, state domain.RunState) error
	RunState(ctx context.Context, runID string) (domain.RunState, domain.RunOutcome, error)
	SetOutcome(ctx context.Context, runID string, outcome domain.RunOutcome, errMsg string, stalled []string) error
	SetRootTicket(ctx context.Context, runID, ticketID string) error
	GetRun(ctx context.Context, runID string) (domain.Run, error)
	ListRuns(ctx context.Context, projectID string, limit int) ([]domain.Run, error)
	CreateJob(ctx context.Context, job domain.AgentJob) (domain.AgentJob, error)
	UpdateJob(ctx context.Context, id string, patch repo.JobPatch) (domain.AgentJob, error)
}

// TicketStore persists tickets.
type TicketStore interface {
	tickets.Store
	CreateTicket(ctx context.Context, spec repo.TicketSpec) (domain.Ticket, error)
	UpdateTicket(ctx context.Context, id string, patch repo.TicketPatch) (domain.Ticket, error)
	ListTickets(ctx context.Context, f repo.TicketFilter) ([]domain.Ticket, error)
}

// Deps are the collaborators of an Engine. Runs, Tickets and Agents are
// required.
type Deps struct {
	Runs    RunStore
	Tickets TicketStore
	Agents  agent.Resolver
	Sink    events.Sink
	Logger  *zap.Logger
	Config  *config.Config
	Now     func() time.Time
	// Sleep replaces the polling timer; tests use it to skip waits.
	Sleep func(ctx context.Context, d time.Duration) error
	NewID func() string
}

type Engine struct {
	runs    RunStore
	tickets TicketStore
	graph   tickets.Graph
	agents  agent.Resolver
	sink    events.Sink
	log     *zap.Logger
	cfg     *config.Config
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	newID   func() string

	mu       sync.Mutex
	active   map[string]*Handle
	shutdown bool
}

func New(d Deps) (*Engine, error) {
	if d.Runs == nil || d.Tickets == nil || d.Agents == nil {
		return nil, errors.New("engine: run store, ticket store and agents are required")
	}
	e := &Engine{
		runs:    d.Runs,
		tickets: d.Tickets,
		graph:   tickets.Graph{Store: d.Tickets},
		agents:  d.Agents,
		sink:    d.Sink,
		log:     d.Logger,
		cfg:     d.Config,
		now:     d.Now,
		sleep:   d.Sleep,
		newID:   d.NewID,
		active:  map[string]*Handle{},
	}
	if e.sink == nil {
		e.sink = events.Discard
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.cfg == nil {
		e.cfg = config.Default("default")
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

type StartRequest struct {
	ProjectID  string `json:"project_id"`
	UserID     string `json:"user_id"`
	Request    string `json:"request"`
	Repository string `json:"repository"`
	Ref        string `json:"ref,omitempty"`
}

// Handle follows one run started by this engine.
type Handle struct {
	RunID        string
	InitialState domain.RunState

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	reason error
	err    error
}

// Done is closed when the run reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the run's failure, or nil once it completed. It is nil while the
// run is in progress.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the run finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) stop(reason error) {
	h.mu.Lock()
	if h.reason == nil {
		h.reason = reason
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *Handle) stopReason() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Start records a new run and executes it in the background. The returned
// handle reports the run's outcome; callers may ignore it.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	if req.ProjectID == "" {
		req.ProjectID = e.cfg.Project.ID
	}
	req.Request = strings.TrimSpace(req.Request)
	req.Repository = strings.TrimSpace(req.Repository)
	switch {
	case req.ProjectID == "":
		return nil, fmt.Errorf("%w: project is required", ErrInvalidRequest)
	case req.Request == "":
		return nil, fmt.Errorf("%w: request is required", ErrInvalidRequest)
	case req.Repository == "":
		return nil, fmt.Errorf("%w: repository is required", ErrInvalidRequest)
	}
	e.mu.Lock()
	closed := e.shutdown
	e.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}

	run, err := e.runs.CreateRun(ctx, repo.RunSpec{
		ID:         e.newID(),
		ProjectID:  req.ProjectID,
		UserID:     req.UserID,
		Request:    req.Request,
		Repository: req.Repository,
		Ref:        req.Ref,
	})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	p := e.newPipeline(run)
	if err := p.rec.append(ctx, domain.TimelineEntry{
		Phase:   domain.PhaseRun,
		State:   domain.RunCreated,
		Message: "run created",
		Data:    map[string]any{"repository": run.Repository, "ref": run.Ref},
	}); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{RunID: run.ID, InitialState: run.State, cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.active[run.ID] = h
	e.mu.Unlock()

	go func() {
		defer cancel()
		err := p.execute(runCtx, h)
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		e.mu.Lock()
		delete(e.active, run.ID)
		e.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

func (e *Engine) GetRunStatus(ctx context.Context, runID string) (domain.Run, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return run, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

func (e *Engine) ListRuns(ctx context.Context, projectID string, limit int) ([]domain.Run, error) {
	if projectID == "" {
		projectID = e.cfg.Project.ID
	}
	return e.runs.ListRuns(ctx, projectID, limit)
}

// Handle returns the handle of a run executing in this process.
func (e *Engine) Handle(runID string) (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.active[runID]
	return h, ok
}

// CancelRun stops the run's in-flight agent job and marks it FAILED with a
// cancelled outcome. Ticket statuses already written are kept.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	if h, ok := e.Handle(runID); ok {
		h.stop(ErrRunCancelled)
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		state, outcome, err := e.runs.RunState(ctx, runID)
		if err != nil {
			return err
		}
		if outcome != domain.OutcomeCancelled {
			return fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, state)
		}
		return nil
	}
	run, err := e.GetRunStatus(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, run.State)
	}
	// executing in another process, or left over from one that exited
	p := e.newPipeline(run)
	p.rec.state = run.State
	if err := p.finishCancelled(ctx, ErrRunCancelled); err != nil {
		return err
	}
	e.stopJobs(ctx, run)
	return nil
}

// stopJobs cancels the provider jobs of run that were still running.
func (e *Engine) stopJobs(ctx context.Context, run domain.Run) {
	for _, job := range run.Jobs {
		if job.Status != domain.JobRunning || job.ProviderJobID == "" {
			continue
		}
		log := e.log.With(zap.String("run_id", run.ID), zap.String("job_id", job.ID))
		client, err := e.agents.ClientFor(job.Phase)
		if err != nil {
			log.Warn("cancel agent job", zap.Error(err))
			continue
		}
		if err := client.Cancel(ctx, agent.Handle{ID: job.ProviderJobID, Phase: job.Phase}); err != nil {
			log.Warn("cancel agent job", zap.Error(err))
		}
		status, msg := domain.JobCancelled, "run cancelled"
		if _, err := e.runs.UpdateJob(ctx, job.ID, repo.JobPatch{Status: &status, Error: &msg}); err != nil && !errors.Is(err, repo.ErrJobTerminal) {
			log.Warn("record job result", zap.Error(err))
		}
	}
}

// Wait blocks until a run executing in this process finishes. Runs that are
// not active return immediately with their stored state.
func (e *Engine) Wait(ctx context.Context, runID string) (domain.Run, error) {
	if h, ok := e.Handle(runID); ok {
		if err := h.Wait(ctx); err != nil && ctx.Err() != nil {
			return domain.Run{}, err
		}
	}
	return e.GetRunStatus(ctx, runID)
}

// Shutdown refuses new runs, cancels active ones and waits for them.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.shutdown = true
	handles := make([]*Handle, 0, len(e.active))
	for _, h := range e.active {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			h.stop(ErrShuttingDown)
			select {
			case <-h.done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

func (e *Engine) newPipeline(run domain.Run) *pipeline {
	log := e.log.With(zap.String("run_id", run.ID), zap.String("project_id", run.ProjectID))
	return &pipeline{
		e:   e,
		run: run,
		log: log,
		rec: &recorder{runs: e.runs, sink: e.sink, log: log, now: e.now, runID: run.ID, state: run.State},
	}
}
