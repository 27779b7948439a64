package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"forgeline/internal/domain"
)

// RunSpec holds the caller-supplied fields of a new run.
type RunSpec struct {
	ID         string
	ProjectID  string
	UserID     string
	Request    string
	Repository string
	Ref        string
}

const runColumns = `id,project_id,user_id,request,repository,ref,state,outcome,error,root_ticket_id,stalled_json,created_at,updated_at`

func scanRun(s scanner) (domain.Run, error) {
	var run domain.Run
	var ref, outcome, errMsg, root, stalled sql.NullString
	if err := s.Scan(&run.ID, &run.ProjectID, &run.UserID, &run.Request, &run.Repository, &ref, &run.State,
		&outcome, &errMsg, &root, &stalled, &run.CreatedAt, &run.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, ErrNotFound
		}
		return run, err
	}
	run.Ref = ref.String
	run.Outcome = domain.RunOutcome(outcome.String)
	run.Error = errMsg.String
	run.RootTicketID = root.String
	if stalled.Valid && stalled.String != "" {
		if err := json.Unmarshal([]byte(stalled.String), &run.StalledTickets); err != nil {
			return run, fmt.Errorf("decode stalled tickets: %w", err)
		}
	}
	return run, nil
}

func (r Repo) CreateRun(ctx context.Context, spec RunSpec) (domain.Run, error) {
	if spec.ID == "" || spec.ProjectID == "" {
		return domain.Run{}, errors.New("run id and project are required")
	}
	now := r.now()
	run := domain.Run{
		ID:         spec.ID,
		ProjectID:  spec.ProjectID,
		UserID:     spec.UserID,
		Request:    spec.Request,
		Repository: spec.Repository,
		Ref:        spec.Ref,
		State:      domain.RunCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO runs(id,project_id,user_id,request,repository,ref,state,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, run.UserID, run.Request, run.Repository, nullable(run.Ref), string(run.State), run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// AppendTimeline persists entry as the next element of the run's timeline.
// Once the run is terminal only the entry announcing that state is accepted.
func (r Repo) AppendTimeline(ctx context.Context, runID string, entry domain.TimelineEntry) (domain.TimelineEntry, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return entry, err
	}
	defer tx.Rollback()
	var state domain.RunState
	if err := tx.QueryRowContext(ctx, `SELECT state FROM runs WHERE id=?`, runID).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entry, ErrNotFound
		}
		return entry, err
	}
	if state.Terminal() {
		var announced int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_timeline WHERE run_id=? AND state=?`, runID, string(state)).Scan(&announced); err != nil {
			return entry, err
		}
		if entry.State != state || announced > 0 {
			return entry, fmt.Errorf("%w: %s", ErrRunTerminal, state)
		}
	}
	w := r.Events
	if w.Now == nil {
		w.Now = r.Now
	}
	entry, err = w.Append(ctx, tx, runID, entry)
	if err != nil {
		return entry, err
	}
	return entry, tx.Commit()
}

// SetState moves a non-terminal run to state.
func (r Repo) SetState(ctx context.Context, runID string, state domain.RunState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid run state %q", state)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET state=?, updated_at=? WHERE id=? AND state NOT IN ('COMPLETED','FAILED')`,
		string(state), r.now(), runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missingOrTerminal(ctx, runID)
	}
	return nil
}

// SetOutcome records how a run is ending. It must precede the terminal
// SetState; a run that is already terminal keeps its outcome.
func (r Repo) SetOutcome(ctx context.Context, runID string, outcome domain.RunOutcome, errMsg string, stalled []string) error {
	stalledJSON, err := marshalJSON(stalled)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET outcome=?, error=?, stalled_json=?, updated_at=? WHERE id=? AND state NOT IN ('COMPLETED','FAILED')`,
		nullable(string(outcome)), nullable(errMsg), stalledJSON, r.now(), runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missingOrTerminal(ctx, runID)
	}
	return nil
}

// RunState reads the stored state and outcome without the timeline.
func (r Repo) RunState(ctx context.Context, runID string) (domain.RunState, domain.RunOutcome, error) {
	var state string
	var outcome sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT state, outcome FROM runs WHERE id=?`, runID).Scan(&state, &outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", err
	}
	return domain.RunState(state), domain.RunOutcome(outcome.String), nil
}

func (r Repo) SetRootTicket(ctx context.Context, runID, ticketID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET root_ticket_id=?, updated_at=? WHERE id=?`, ticketID, r.now(), runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) missingOrTerminal(ctx context.Context, runID string) error {
	var state string
	err := r.DB.QueryRowContext(ctx, `SELECT state FROM runs WHERE id=?`, runID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrRunTerminal, state)
}

// GetRun returns the run with its full timeline and agent jobs.
func (r Repo) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	run, err := scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, runID))
	if err != nil {
		return run, err
	}
	if run.Timeline, err = r.Timeline(ctx, runID); err != nil {
		return run, err
	}
	if run.Jobs, err = r.ListJobs(ctx, runID); err != nil {
		return run, err
	}
	return run, nil
}

// ListRuns returns the newest runs of a project without timelines.
func (r Repo) ListRuns(ctx context.Context, projectID string, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE project_id=? ORDER BY created_at DESC, id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// Timeline returns the run's entries in append order.
func (r Repo) Timeline(ctx context.Context, runID string) ([]domain.TimelineEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,phase,state,ts,level,message,ticket_id,data_json FROM run_timeline WHERE run_id=? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEntry
	for rows.Next() {
		var e domain.TimelineEntry
		var state, ticketID, data sql.NullString
		if err := rows.Scan(&e.Seq, &e.Phase, &state, &e.Timestamp, &e.Level, &e.Message, &ticketID, &data); err != nil {
			return nil, err
		}
		e.State = domain.RunState(state.String)
		e.TicketID = ticketID.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("decode timeline data: %w", err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
