package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"forgeline/internal/domain"
	"forgeline/internal/tickets"
)

// TicketSpec describes a ticket to create. Status defaults to planned.
type TicketSpec struct {
	ID                 string
	ProjectID          string
	RunID              string
	Type               domain.TicketType
	Title              string
	Description        string
	Status             domain.TicketStatus
	ParentID           string
	Dependencies       []string
	Blocks             string
	AcceptanceCriteria []domain.AcceptanceCriterion
}

// TicketPatch lists the fields to change; nil fields are left alone.
type TicketPatch struct {
	Status             *domain.TicketStatus
	Title              *string
	Description        *string
	Branch             *string
	PRURL              *string
	AcceptanceCriteria []domain.AcceptanceCriterion
}

type TicketFilter struct {
	ProjectID string
	RunID     string
	ParentID  string
	Type      domain.TicketType
	Statuses  []domain.TicketStatus
	Limit     int
}

const ticketColumns = `id,project_id,run_id,sequence,key,type,title,description,status,parent_id,blocks_id,criteria_json,branch,pr_url,created_at,updated_at,completed_at`

func (r Repo) CreateTicket(ctx context.Context, spec TicketSpec) (domain.Ticket, error) {
	if spec.ProjectID == "" {
		return domain.Ticket{}, errors.New("project is required")
	}
	if spec.Title == "" {
		return domain.Ticket{}, errors.New("title is required")
	}
	if spec.Type == "" {
		spec.Type = domain.TicketTask
	}
	if !spec.Type.Valid() {
		return domain.Ticket{}, fmt.Errorf("invalid ticket type %q", spec.Type)
	}
	if spec.Status == "" {
		spec.Status = domain.TicketPlanned
	}
	if !tickets.ValidStatus(spec.Status) {
		return domain.Ticket{}, fmt.Errorf("invalid ticket status %q", spec.Status)
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	deps := dedupe(spec.Dependencies)
	for _, d := range deps {
		if d == spec.ID {
			return domain.Ticket{}, fmt.Errorf("%w: ticket depends on itself", ErrInvalidDependency)
		}
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	if spec.ParentID != "" {
		parent, err := getTicket(ctx, tx, spec.ParentID)
		if err != nil {
			return domain.Ticket{}, fmt.Errorf("parent %s: %w", spec.ParentID, err)
		}
		if parent.ProjectID != spec.ProjectID {
			return domain.Ticket{}, errors.New("parent in different project")
		}
	}
	found, err := getTickets(ctx, tx, deps)
	if err != nil {
		return domain.Ticket{}, err
	}
	for _, d := range deps {
		dep, ok := found[d]
		if !ok {
			return domain.Ticket{}, fmt.Errorf("%w: %s does not exist", ErrInvalidDependency, d)
		}
		if dep.ProjectID != spec.ProjectID {
			return domain.Ticket{}, fmt.Errorf("%w: %s not in project", ErrInvalidDependency, d)
		}
		if tickets.RequiresDependencies(spec.Status) && !dep.Status.Done() {
			return domain.Ticket{}, fmt.Errorf("%w: %s is %s", ErrDependenciesNotDone, d, dep.Status)
		}
	}

	seq, err := nextSequence(ctx, tx, spec.ProjectID)
	if err != nil {
		return domain.Ticket{}, err
	}
	now := r.now()
	t := domain.Ticket{
		ID:                 spec.ID,
		ProjectID:          spec.ProjectID,
		RunID:              spec.RunID,
		Sequence:           seq,
		Key:                fmt.Sprintf("%s-%d", spec.ProjectID, seq),
		Type:               spec.Type,
		Title:              spec.Title,
		Description:        spec.Description,
		Status:             spec.Status,
		ParentID:           optionalString(spec.ParentID),
		Dependencies:       deps,
		Blocks:             optionalString(spec.Blocks),
		AcceptanceCriteria: spec.AcceptanceCriteria,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if t.Status == domain.TicketCompleted {
		t.CompletedAt = &now
	}
	criteria, err := marshalJSON(t.AcceptanceCriteria)
	if err != nil {
		return domain.Ticket{}, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tickets(`+ticketColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullable(t.RunID), t.Sequence, t.Key, string(t.Type), t.Title, nullable(t.Description), string(t.Status),
		nullableStringPtr(t.ParentID), nullableStringPtr(t.Blocks), criteria, nil, nil, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("insert ticket: %w", err)
	}
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT INTO ticket_deps(ticket_id,depends_on_ticket_id) VALUES (?,?)`, t.ID, d); err != nil {
			return domain.Ticket{}, fmt.Errorf("insert dependency: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

// UpdateTicket applies patch. Status edges and the dependency invariant are
// checked in the same transaction as the write.
func (r Repo) UpdateTicket(ctx context.Context, id string, patch TicketPatch) (domain.Ticket, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	t, err := getTicket(ctx, tx, id)
	if err != nil {
		return t, err
	}
	now := r.now()
	if patch.Status != nil && *patch.Status != t.Status {
		to := *patch.Status
		if err := tickets.CheckTransition(t.Status, to); err != nil {
			return t, err
		}
		if tickets.RequiresDependencies(to) {
			if err := ensureDependenciesDone(ctx, tx, t); err != nil {
				return t, err
			}
		}
		t.Status = to
		if to == domain.TicketCompleted {
			t.CompletedAt = &now
		}
	}
	if patch.Title != nil {
		if *patch.Title == "" {
			return t, errors.New("title is required")
		}
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Branch != nil {
		t.Branch = *patch.Branch
	}
	if patch.PRURL != nil {
		t.PRURL = *patch.PRURL
	}
	if patch.AcceptanceCriteria != nil {
		t.AcceptanceCriteria = patch.AcceptanceCriteria
	}
	t.UpdatedAt = now
	criteria, err := marshalJSON(t.AcceptanceCriteria)
	if err != nil {
		return t, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tickets SET title=?, description=?, status=?, criteria_json=?, branch=?, pr_url=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Title, nullable(t.Description), string(t.Status), criteria, nullable(t.Branch), nullable(t.PRURL), t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return t, fmt.Errorf("update ticket: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func ensureDependenciesDone(ctx context.Context, q queryer, t domain.Ticket) error {
	deps, err := getTickets(ctx, q, t.Dependencies)
	if err != nil {
		return err
	}
	for _, d := range t.Dependencies {
		dep, ok := deps[d]
		if !ok {
			return fmt.Errorf("%w: %s does not exist", ErrDependenciesNotDone, d)
		}
		if !dep.Status.Done() {
			return fmt.Errorf("%w: %s is %s", ErrDependenciesNotDone, dep.Key, dep.Status)
		}
	}
	return nil
}

func (r Repo) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	return getTicket(ctx, r.DB, id)
}

// GetTickets loads the given tickets keyed by id; unknown ids are omitted.
func (r Repo) GetTickets(ctx context.Context, ids []string) (map[string]domain.Ticket, error) {
	return getTickets(ctx, r.DB, ids)
}

func (r Repo) ListChildren(ctx context.Context, parentID string) ([]domain.Ticket, error) {
	return r.ListTickets(ctx, TicketFilter{ParentID: parentID})
}

// ListTickets returns matching tickets ordered by project sequence.
func (r Repo) ListTickets(ctx context.Context, f TicketFilter) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += " AND project_id=?"
		args = append(args, f.ProjectID)
	}
	if f.RunID != "" {
		query += " AND run_id=?"
		args = append(args, f.RunID)
	}
	if f.ParentID != "" {
		query += " AND parent_id=?"
		args = append(args, f.ParentID)
	}
	if f.Type != "" {
		query += " AND type=?"
		args = append(args, string(f.Type))
	}
	if len(f.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(f.Statuses)) + ")"
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	query += " ORDER BY project_id, sequence"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return queryTickets(ctx, r.DB, query, args...)
}

func getTicket(ctx context.Context, q queryer, id string) (domain.Ticket, error) {
	list, err := queryTickets(ctx, q, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id)
	if err != nil {
		return domain.Ticket{}, err
	}
	if len(list) == 0 {
		return domain.Ticket{}, ErrNotFound
	}
	return list[0], nil
}

func getTickets(ctx context.Context, q queryer, ids []string) (map[string]domain.Ticket, error) {
	out := make(map[string]domain.Ticket, len(ids))
	ids = dedupe(ids)
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	list, err := queryTickets(ctx, q, `SELECT `+ticketColumns+` FROM tickets WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	for _, t := range list {
		out[t.ID] = t
	}
	return out, nil
}

// queryTickets scans the rows fully before loading dependencies, so it is
// safe on a single-connection pool.
func queryTickets(ctx context.Context, q queryer, query string, args ...any) ([]domain.Ticket, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var list []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(list) == 0 {
		return list, nil
	}
	if err := loadDependencies(ctx, q, list); err != nil {
		return nil, err
	}
	return list, nil
}

func loadDependencies(ctx context.Context, q queryer, list []domain.Ticket) error {
	idx := make(map[string]int, len(list))
	args := make([]any, 0, len(list))
	for i, t := range list {
		idx[t.ID] = i
		args = append(args, t.ID)
	}
	rows, err := q.QueryContext(ctx, `SELECT ticket_id, depends_on_ticket_id FROM ticket_deps WHERE ticket_id IN (`+placeholders(len(args))+`) ORDER BY rowid`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, dep string
		if err := rows.Scan(&id, &dep); err != nil {
			return err
		}
		i := idx[id]
		list[i].Dependencies = append(list[i].Dependencies, dep)
	}
	return rows.Err()
}

func scanTicket(s scanner) (domain.Ticket, error) {
	var t domain.Ticket
	var runID, desc, parent, blocks, criteria, branch, pr, completed sql.NullString
	if err := s.Scan(&t.ID, &t.ProjectID, &runID, &t.Sequence, &t.Key, &t.Type, &t.Title, &desc, &t.Status,
		&parent, &blocks, &criteria, &branch, &pr, &t.CreatedAt, &t.UpdatedAt, &completed); err != nil {
		return t, err
	}
	t.RunID = runID.String
	t.Description = desc.String
	t.ParentID = nullStringPtr(parent)
	t.Blocks = nullStringPtr(blocks)
	t.Branch = branch.String
	t.PRURL = pr.String
	t.CompletedAt = nullStringPtr(completed)
	if criteria.Valid && criteria.String != "" {
		if err := json.Unmarshal([]byte(criteria.String), &t.AcceptanceCriteria); err != nil {
			return t, fmt.Errorf("decode acceptance criteria: %w", err)
		}
	}
	return t, nil
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
