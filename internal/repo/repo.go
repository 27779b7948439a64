package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"forgeline/internal/domain"
	"forgeline/internal/events"
)

// Repo is the SQLite-backed run, job and ticket store.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var (
	ErrNotFound            = errors.New("not found")
	ErrRunTerminal         = errors.New("run already in a terminal state")
	ErrDependenciesNotDone = errors.New("dependencies not done")
	ErrInvalidDependency   = errors.New("invalid dependency")
)

func New(db *sql.DB) Repo {
	return Repo{DB: db, Events: events.Writer{}, Now: time.Now}
}

func (r Repo) now() string {
	if r.Now != nil {
		return domain.FormatTime(r.Now())
	}
	return domain.FormatTime(time.Now())
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// NextSequence atomically allocates the next ticket number of a project.
func (r Repo) NextSequence(ctx context.Context, projectID string) (int, error) {
	return nextSequence(ctx, r.DB, projectID)
}

func nextSequence(ctx context.Context, q queryer, projectID string) (int, error) {
	if projectID == "" {
		return 0, errors.New("project is required")
	}
	var next int
	err := q.QueryRowContext(ctx, `INSERT INTO project_sequences(project_id,last) VALUES (?,1)
ON CONFLICT(project_id) DO UPDATE SET last=last+1 RETURNING last`, projectID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return next, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if s := string(b); s != "null" && s != "[]" {
		return s, nil
	}
	return nil, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
