package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"forgeline/internal/agent"
	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/poll"
	"forgeline/internal/repo"
)

const cancelTimeout = 10 * time.Second

// pipeline executes one run. Agent calls use the run context; store writes
// use bg so a cancelled run can still record how it ended.
type pipeline struct {
	e   *Engine
	run domain.Run
	log *zap.Logger
	rec *recorder

	bg      context.Context
	phase   domain.Phase
	root    domain.Ticket
	blocked int
}

func (p *pipeline) execute(ctx context.Context, h *Handle) error {
	p.bg = context.WithoutCancel(ctx)
	p.phase = domain.PhaseRun
	p.log.Info("run started")
	err := p.drive(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(p.rec.refresh(p.bg), errSettledElsewhere) {
		return p.settledResult()
	}
	if reason := h.stopReason(); reason != nil && ctx.Err() != nil {
		if ferr := p.finishCancelled(p.bg, reason); ferr != nil {
			if p.rec.settledElsewhere() {
				return p.settledResult()
			}
			p.log.Error("record cancellation", zap.Error(ferr))
			return errors.Join(reason, ferr)
		}
		return reason
	}
	if ferr := p.fail(p.bg, err); ferr != nil {
		if p.rec.settledElsewhere() {
			return p.settledResult()
		}
		p.log.Error("record failure", zap.Error(ferr), zap.NamedError("cause", err))
		return errors.Join(err, ferr)
	}
	return err
}

// settledResult reports a run that another engine finished: ErrRunCancelled
// when it was cancelled, errSettledElsewhere otherwise.
func (p *pipeline) settledResult() error {
	_, outcome, err := p.e.runs.RunState(p.bg, p.run.ID)
	if err != nil {
		return errors.Join(errSettledElsewhere, err)
	}
	if outcome == domain.OutcomeCancelled {
		return ErrRunCancelled
	}
	return errSettledElsewhere
}

func (p *pipeline) drive(ctx context.Context) error {
	if err := p.createRoot(); err != nil {
		return err
	}
	text, err := p.plan(ctx)
	if err != nil {
		return err
	}
	if err := p.decompose(text); err != nil {
		return err
	}
	return p.work(ctx)
}

func (p *pipeline) createRoot() error {
	root, err := p.e.tickets.CreateTicket(p.bg, repo.TicketSpec{
		ProjectID:   p.run.ProjectID,
		RunID:       p.run.ID,
		Type:        domain.TicketEpic,
		Title:       summarize(p.run.Request, 80),
		Description: p.run.Request,
		Status:      domain.TicketInProgress,
	})
	if err != nil {
		return fmt.Errorf("create root ticket: %w", err)
	}
	p.root = root
	if err := p.e.runs.SetRootTicket(p.bg, p.run.ID, root.ID); err != nil {
		return err
	}
	return p.rec.note(p.bg, domain.PhaseRun, domain.LevelInfo, root.ID, "root ticket "+root.Key+" created", map[string]any{"key": root.Key})
}

func (p *pipeline) plan(ctx context.Context) (string, error) {
	p.phase = domain.PhasePM
	client, h, job, err := p.launch(ctx, "", agent.LaunchRequest{
		Phase:      domain.PhasePM,
		Prompt:     pmPrompt(p.run.Request),
		Repository: p.run.Repository,
		Ref:        p.run.Ref,
	})
	if err != nil {
		return "", err
	}
	if err := p.started(client, h, job, domain.RunPMRunning, domain.TimelineEntry{
		Phase:    domain.PhasePM,
		TicketID: p.root.ID,
		Message:  "PM phase started",
		Data:     map[string]any{"job_id": job.ID, "provider_job_id": h.ID},
	}); err != nil {
		return "", err
	}
	st, err := p.await(ctx, client, h, job)
	if err != nil {
		return "", err
	}
	return outputText(st), nil
}

func (p *pipeline) decompose(text string) error {
	plan, fellBack, err := decompose(text, p.run.Request, p.e.cfg.Pipeline.PMFallback)
	if err != nil {
		return err
	}
	if fellBack {
		if err := p.rec.note(p.bg, domain.PhasePM, domain.LevelWarn, p.root.ID, "PM output was not structured; using default decomposition", nil); err != nil {
			return err
		}
	}
	ids := make(map[string]string, len(plan))
	keys := make([]string, 0, len(plan))
	for _, pt := range plan {
		deps := make([]string, 0, len(pt.DependsOn))
		for _, d := range pt.DependsOn {
			deps = append(deps, ids[d])
		}
		criteria := make([]domain.AcceptanceCriterion, 0, len(pt.AcceptanceCriteria))
		for _, c := range pt.AcceptanceCriteria {
			criteria = append(criteria, domain.AcceptanceCriterion{Description: c})
		}
		t, err := p.e.tickets.CreateTicket(p.bg, repo.TicketSpec{
			ProjectID:          p.run.ProjectID,
			RunID:              p.run.ID,
			Type:               pt.Type,
			Title:              pt.Title,
			Description:        pt.Description,
			ParentID:           p.root.ID,
			Dependencies:       deps,
			AcceptanceCriteria: criteria,
		})
		if err != nil {
			return fmt.Errorf("create ticket %s: %w", pt.Key, err)
		}
		ids[pt.Key] = t.ID
		keys = append(keys, t.Key)
	}
	return p.rec.transition(p.bg, domain.RunPMCompleted, domain.TimelineEntry{
		Phase:    domain.PhasePM,
		Level:    domain.LevelSuccess,
		TicketID: p.root.ID,
		Message:  fmt.Sprintf("PM phase completed with %d tickets", len(plan)),
		Data:     map[string]any{"tickets": keys, "fallback": fellBack},
	})
}

// work runs startable tickets one at a time until none is left or the
// remaining ones can never start. Defects created along the way are
// scheduled like any other ticket.
func (p *pipeline) work(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending, err := p.pending()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return p.complete(nil)
		}
		startable, err := p.e.graph.Startable(p.bg, pending)
		if err != nil {
			return err
		}
		if len(startable) == 0 {
			return p.stall(pending)
		}
		if err := p.processTicket(ctx, startable[0]); err != nil {
			return err
		}
	}
}

func (p *pipeline) pending() ([]domain.Ticket, error) {
	list, err := p.e.tickets.ListTickets(p.bg, repo.TicketFilter{
		RunID:    p.run.ID,
		ParentID: p.root.ID,
		Statuses: []domain.TicketStatus{domain.TicketPlanned, domain.TicketReadyForDev},
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (p *pipeline) processTicket(ctx context.Context, t domain.Ticket) error {
	log := p.log.With(zap.String("ticket_id", t.ID), zap.String("ticket", t.Key))
	p.phase = domain.PhaseDev
	var err error
	if t.Status == domain.TicketPlanned {
		if t, err = p.setStatus(t.ID, domain.TicketReadyForDev, repo.TicketPatch{}); err != nil {
			return err
		}
	}
	if t, err = p.setStatus(t.ID, domain.TicketInProgress, repo.TicketPatch{}); err != nil {
		return err
	}
	log.Info("ticket started")

	branch := branchName(p.e.cfg.Pipeline.BranchPrefix, t)
	client, h, job, err := p.launch(ctx, t.ID, agent.LaunchRequest{
		Phase:      domain.PhaseDev,
		Prompt:     devPrompt(p.run, t),
		Repository: p.run.Repository,
		Ref:        p.run.Ref,
		BranchHint: branch,
	})
	if err != nil {
		return p.ticketFailed(ctx, t, err)
	}
	if err := p.started(client, h, job, domain.RunDevRunning, domain.TimelineEntry{
		Phase:    domain.PhaseDev,
		TicketID: t.ID,
		Message:  "DEV started for " + t.Key,
		Data:     map[string]any{"job_id": job.ID, "provider_job_id": h.ID, "branch": branch},
	}); err != nil {
		return err
	}
	st, err := p.await(ctx, client, h, job)
	if err != nil {
		return p.ticketFailed(ctx, t, err)
	}
	prURL := ""
	if st.Output != nil {
		if st.Output.Branch != "" {
			branch = st.Output.Branch
		}
		prURL = st.Output.PRURL
	}
	if t, err = p.setStatus(t.ID, domain.TicketInReview, repo.TicketPatch{Branch: &branch, PRURL: &prURL}); err != nil {
		return err
	}
	if err := p.rec.transition(p.bg, domain.RunDevCompleted, domain.TimelineEntry{
		Phase:    domain.PhaseDev,
		Level:    domain.LevelSuccess,
		TicketID: t.ID,
		Message:  "DEV completed for " + t.Key,
		Data:     map[string]any{"branch": branch, "pr_url": prURL},
	}); err != nil {
		return err
	}

	p.phase = domain.PhaseQA
	if t, err = p.setStatus(t.ID, domain.TicketTesting, repo.TicketPatch{}); err != nil {
		return err
	}
	client, h, job, err = p.launch(ctx, t.ID, agent.LaunchRequest{
		Phase:      domain.PhaseQA,
		Prompt:     qaPrompt(t),
		Repository: p.run.Repository,
		Ref:        branch,
		BranchHint: branch,
	})
	if err != nil {
		return p.ticketFailed(ctx, t, err)
	}
	if err := p.started(client, h, job, domain.RunQARunning, domain.TimelineEntry{
		Phase:    domain.PhaseQA,
		TicketID: t.ID,
		Message:  "QA started for " + t.Key,
		Data:     map[string]any{"job_id": job.ID, "provider_job_id": h.ID},
	}); err != nil {
		return err
	}
	st, err = p.await(ctx, client, h, job)
	if err != nil {
		return p.ticketFailed(ctx, t, err)
	}
	report, structured := parseQA(outputText(st))
	if err := p.rec.transition(p.bg, domain.RunQACompleted, domain.TimelineEntry{
		Phase:    domain.PhaseQA,
		TicketID: t.ID,
		Message:  "QA completed for " + t.Key,
		Data:     map[string]any{"passed": report.Passed, "issues": len(report.Issues)},
	}); err != nil {
		return err
	}
	if !structured {
		if err := p.rec.note(p.bg, domain.PhaseQA, domain.LevelWarn, t.ID, "QA output was not structured; treating "+t.Key+" as passed", nil); err != nil {
			return err
		}
	}
	if !report.Passed {
		log.Info("QA reported issues", zap.Int("issues", len(report.Issues)))
		return p.reject(t, report.Issues)
	}

	verifiedAt := domain.FormatTime(p.e.now())
	verifiedBy := "qa:" + job.ID
	criteria := make([]domain.AcceptanceCriterion, len(t.AcceptanceCriteria))
	for i, c := range t.AcceptanceCriteria {
		c.Completed = true
		c.VerifiedBy = &verifiedBy
		c.VerifiedAt = &verifiedAt
		criteria[i] = c
	}
	if t, err = p.setStatus(t.ID, domain.TicketQAApproved, repo.TicketPatch{AcceptanceCriteria: criteria}); err != nil {
		return err
	}
	if t, err = p.setStatus(t.ID, domain.TicketCompleted, repo.TicketPatch{}); err != nil {
		return err
	}
	log.Info("ticket completed")
	return p.rec.note(p.bg, domain.PhaseQA, domain.LevelSuccess, t.ID, "ticket "+t.Key+" completed", nil)
}

// ticketFailed absorbs an agent failure into the ticket: it is blocked and
// one defect ticket describes the failure. Other errors are returned.
func (p *pipeline) ticketFailed(ctx context.Context, t domain.Ticket, cause error) error {
	var ae *agentError
	if !errors.As(cause, &ae) || ctx.Err() != nil {
		return cause
	}
	kind := Kind(cause)
	p.log.Warn("ticket failed", zap.String("ticket", t.Key), zap.String("phase", string(p.phase)), zap.String("kind", kind), zap.Error(cause))
	if err := p.rec.note(p.bg, p.phase, domain.LevelError, t.ID, fmt.Sprintf("%s failed for %s: %v", p.phase, t.Key, cause), map[string]any{"kind": kind}); err != nil {
		return err
	}
	if _, err := p.setStatus(t.ID, domain.TicketBlocked, repo.TicketPatch{}); err != nil {
		return err
	}
	p.blocked++
	if t.Blocks != nil {
		return p.defectUnresolved(t)
	}
	defect, err := p.createDefect(t, fmt.Sprintf("Fix %s failure in %s", p.phase, t.Key),
		fmt.Sprintf("The %s phase of %s (%s) failed: %v", p.phase, t.Key, t.Title, cause))
	if err != nil {
		return err
	}
	return p.rec.note(p.bg, p.phase, domain.LevelWarn, defect.ID, "defect "+defect.Key+" created for "+t.Key, map[string]any{"blocks": t.ID})
}

func (p *pipeline) reject(t domain.Ticket, issues []qaIssue) error {
	if _, err := p.setStatus(t.ID, domain.TicketBlocked, repo.TicketPatch{}); err != nil {
		return err
	}
	p.blocked++
	if t.Blocks != nil {
		return p.defectUnresolved(t)
	}
	keys := make([]string, 0, len(issues))
	for _, is := range issues {
		title := is.Title
		if title == "" {
			title = "QA issue in " + t.Key
		}
		desc := is.Description
		if is.Severity != "" {
			desc = fmt.Sprintf("[%s] %s", is.Severity, desc)
		}
		defect, err := p.createDefect(t, title, fmt.Sprintf("%s\n\nReported by QA on %s (%s).", desc, t.Key, t.Title))
		if err != nil {
			return err
		}
		keys = append(keys, defect.Key)
	}
	return p.rec.note(p.bg, domain.PhaseQA, domain.LevelWarn, t.ID,
		fmt.Sprintf("QA reported %d issues for %s", len(issues), t.Key), map[string]any{"defects": keys})
}

// defectUnresolved records a defect that failed in turn. It gets no defect
// of its own; the ticket it blocks stays blocked.
func (p *pipeline) defectUnresolved(t domain.Ticket) error {
	return p.rec.note(p.bg, p.phase, domain.LevelWarn, t.ID, "defect "+t.Key+" left unresolved", map[string]any{"blocks": *t.Blocks})
}

func (p *pipeline) createDefect(t domain.Ticket, title, description string) (domain.Ticket, error) {
	parent := ""
	if t.ParentID != nil {
		parent = *t.ParentID
	}
	defect, err := p.e.tickets.CreateTicket(p.bg, repo.TicketSpec{
		ProjectID:   t.ProjectID,
		RunID:       p.run.ID,
		Type:        domain.TicketBug,
		Title:       title,
		Description: description,
		ParentID:    parent,
		Blocks:      t.ID,
	})
	if err != nil {
		return defect, fmt.Errorf("create defect for %s: %w", t.Key, err)
	}
	return defect, nil
}

func (p *pipeline) stall(pending []domain.Ticket) error {
	p.phase = domain.PhaseRun
	stalls, err := p.e.graph.Classify(p.bg, pending)
	if err != nil {
		return err
	}
	for _, s := range stalls {
		if err := p.rec.note(p.bg, domain.PhaseRun, domain.LevelWarn, s.TicketID,
			fmt.Sprintf("ticket %s cannot start: %s", s.Key, s.Reason),
			map[string]any{"kind": "dependency_unsatisfiable", "reason": string(s.Reason), "dependencies": s.Culprits}); err != nil {
			return err
		}
	}
	derr := &DependencyUnsatisfiableError{Stalls: stalls}
	p.log.Warn("run stalled", zap.Int("tickets", len(stalls)))
	if p.e.cfg.Pipeline.OnStall == config.StallFail {
		return derr
	}
	return p.complete(derr.TicketIDs())
}

func (p *pipeline) complete(stalled []string) error {
	p.phase = domain.PhaseRun
	outcome := domain.OutcomeSucceeded
	if p.blocked > 0 || len(stalled) > 0 {
		outcome = domain.OutcomePartial
	}
	if err := p.rec.refresh(p.bg); err != nil {
		return err
	}
	if _, err := p.setStatus(p.root.ID, domain.TicketCompleted, repo.TicketPatch{}); err != nil {
		return err
	}
	if err := p.e.runs.SetOutcome(p.bg, p.run.ID, outcome, "", stalled); err != nil {
		return err
	}
	level := domain.LevelSuccess
	if outcome == domain.OutcomePartial {
		level = domain.LevelWarn
	}
	if err := p.rec.transition(p.bg, domain.RunCompleted, domain.TimelineEntry{
		Phase:    domain.PhaseRun,
		Level:    level,
		TicketID: p.root.ID,
		Message:  "run completed",
		Data:     map[string]any{"outcome": string(outcome), "blocked": p.blocked, "stalled": len(stalled)},
	}); err != nil {
		return err
	}
	p.log.Info("run completed", zap.String("outcome", string(outcome)))
	return nil
}

// fail records err and moves the run to FAILED.
func (p *pipeline) fail(ctx context.Context, cause error) error {
	if p.rec.current().Terminal() {
		return nil
	}
	kind := Kind(cause)
	p.log.Error("run failed", zap.String("phase", string(p.phase)), zap.String("kind", kind), zap.Error(cause))
	if err := p.rec.note(ctx, p.phase, domain.LevelError, "", cause.Error(), map[string]any{"kind": kind}); err != nil {
		return err
	}
	var stalled []string
	var derr *DependencyUnsatisfiableError
	if errors.As(cause, &derr) {
		stalled = derr.TicketIDs()
	}
	if err := p.e.runs.SetOutcome(ctx, p.run.ID, domain.OutcomeFailed, cause.Error(), stalled); err != nil {
		return err
	}
	if err := p.rec.transition(ctx, domain.RunFailed, domain.TimelineEntry{
		Phase:   p.phase,
		Level:   domain.LevelError,
		Message: "run failed",
	}); err != nil {
		return err
	}
	if p.root.ID != "" {
		if _, err := p.setStatus(p.root.ID, domain.TicketBlocked, repo.TicketPatch{}); err != nil {
			p.log.Warn("block root ticket", zap.Error(err))
		}
	}
	return nil
}

func (p *pipeline) finishCancelled(ctx context.Context, reason error) error {
	if p.rec.current().Terminal() {
		return nil
	}
	phase := p.phase
	if phase == "" {
		phase = domain.PhaseRun
	}
	p.log.Warn("run cancelled", zap.Error(reason))
	if err := p.rec.note(ctx, phase, domain.LevelError, "", reason.Error(), map[string]any{"kind": Kind(reason)}); err != nil {
		return err
	}
	if err := p.e.runs.SetOutcome(ctx, p.run.ID, domain.OutcomeCancelled, reason.Error(), nil); err != nil {
		return err
	}
	return p.rec.transition(ctx, domain.RunFailed, domain.TimelineEntry{
		Phase:   phase,
		Level:   domain.LevelError,
		Message: "run cancelled",
	})
}

// launch records an agent job and starts it. Agent failures come back
// wrapped in *agentError.
func (p *pipeline) launch(ctx context.Context, ticketID string, req agent.LaunchRequest) (agent.Client, agent.Handle, domain.AgentJob, error) {
	client, err := p.e.agents.ClientFor(req.Phase)
	if err != nil {
		return nil, agent.Handle{}, domain.AgentJob{}, &agentError{err: err}
	}
	job, err := p.e.runs.CreateJob(p.bg, domain.AgentJob{
		RunID:    p.run.ID,
		TicketID: ticketID,
		Phase:    req.Phase,
		Input: domain.JobInput{
			Prompt:     req.Prompt,
			Repository: req.Repository,
			Ref:        req.Ref,
			BranchHint: req.BranchHint,
		},
	})
	if err != nil {
		return nil, agent.Handle{}, job, err
	}
	h, err := client.Launch(ctx, req)
	if err != nil {
		var le *agent.LaunchError
		if !errors.As(err, &le) {
			err = &agent.LaunchError{Phase: req.Phase, Reason: "launch failed", Err: err}
		}
		failed, msg := domain.JobFailed, err.Error()
		if _, uerr := p.e.runs.UpdateJob(p.bg, job.ID, repo.JobPatch{Status: &failed, Error: &msg}); uerr != nil {
			return nil, h, job, uerr
		}
		return nil, h, job, &agentError{err: err}
	}
	running := domain.JobRunning
	job, err = p.e.runs.UpdateJob(p.bg, job.ID, repo.JobPatch{ProviderJobID: &h.ID, Status: &running})
	if err != nil {
		return nil, h, job, err
	}
	p.log.Info("agent job launched", zap.String("phase", string(req.Phase)), zap.String("job_id", job.ID), zap.String("provider_job_id", h.ID))
	return client, h, job, nil
}

// started moves the run into the phase of a launched job. When the move is
// refused the job is stopped so nothing keeps running unobserved.
func (p *pipeline) started(client agent.Client, h agent.Handle, job domain.AgentJob, to domain.RunState, e domain.TimelineEntry) error {
	err := p.rec.transition(p.bg, to, e)
	if err == nil {
		return nil
	}
	p.stopJob(client, h)
	p.markJob(job, domain.JobCancelled, "run state refused: "+err.Error())
	return err
}

// await polls the job to completion and records the result. A cancelled
// run or a timed-out job also stops the job at the provider.
func (p *pipeline) await(ctx context.Context, client agent.Client, h agent.Handle, job domain.AgentJob) (agent.Status, error) {
	pc := p.e.cfg.PollFor(string(h.Phase))
	sched := poll.Scheduler{
		Sleep: p.e.sleep,
		OnPoll: func(attempt int, st agent.Status) {
			p.log.Debug("agent status", zap.String("job_id", job.ID), zap.Int("attempt", attempt), zap.String("status", string(st.State)))
		},
		Check: func(context.Context) error {
			return p.rec.refresh(p.bg)
		},
	}
	st, err := sched.AwaitCompletion(ctx, client, h, poll.Policy{Interval: pc.Interval.Std(), MaxAttempts: pc.MaxAttempts})
	if err == nil {
		done := domain.JobCompleted
		if _, uerr := p.e.runs.UpdateJob(p.bg, job.ID, repo.JobPatch{Status: &done, Output: st.Output}); uerr != nil {
			return st, uerr
		}
		return st, nil
	}

	if errors.Is(p.rec.refresh(p.bg), errSettledElsewhere) {
		err = errSettledElsewhere
	}
	status, msg := domain.JobFailed, err.Error()
	var te *poll.JobTimeoutError
	switch {
	case errors.Is(err, errSettledElsewhere):
		p.stopJob(client, h)
		p.markJob(job, domain.JobCancelled, "run finished by another engine")
		return st, err
	case ctx.Err() != nil:
		status, msg = domain.JobCancelled, "run stopped"
		p.stopJob(client, h)
	case errors.As(err, &te):
		p.stopJob(client, h)
	case errors.Is(err, poll.ErrJobCancelled):
		status = domain.JobCancelled
	}
	p.markJob(job, status, msg)
	if ctx.Err() != nil {
		return st, ctx.Err()
	}
	return st, &agentError{err: err}
}

func (p *pipeline) markJob(job domain.AgentJob, status domain.JobStatus, msg string) {
	if _, err := p.e.runs.UpdateJob(p.bg, job.ID, repo.JobPatch{Status: &status, Error: &msg}); err != nil {
		p.log.Warn("record job result", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (p *pipeline) stopJob(client agent.Client, h agent.Handle) {
	ctx, cancel := context.WithTimeout(p.bg, cancelTimeout)
	defer cancel()
	if err := client.Cancel(ctx, h); err != nil {
		p.log.Warn("cancel agent job", zap.String("provider_job_id", h.ID), zap.Error(err))
	}
}

func (p *pipeline) setStatus(id string, status domain.TicketStatus, patch repo.TicketPatch) (domain.Ticket, error) {
	patch.Status = &status
	t, err := p.e.tickets.UpdateTicket(p.bg, id, patch)
	if err != nil {
		return t, fmt.Errorf("ticket %s -> %s: %w", id, status, err)
	}
	return t, nil
}

func outputText(st agent.Status) string {
	if st.Output == nil {
		return ""
	}
	if st.Output.Text != "" {
		return st.Output.Text
	}
	return st.Output.Summary
}
