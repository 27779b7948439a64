package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"forgeline/internal/domain"
)

// Sink observes timeline entries after they are persisted.
type Sink interface {
	Emit(ctx context.Context, runID string, entry domain.TimelineEntry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, runID string, entry domain.TimelineEntry) error

func (f SinkFunc) Emit(ctx context.Context, runID string, entry domain.TimelineEntry) error {
	return f(ctx, runID, entry)
}

// Discard is the timeline-only sink.
var Discard Sink = SinkFunc(func(context.Context, string, domain.TimelineEntry) error { return nil })

type multi []Sink

// Multi fans an entry out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return Discard
	}
	return out
}

func (m multi) Emit(ctx context.Context, runID string, entry domain.TimelineEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, runID, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Writer appends timeline rows inside a caller-owned transaction.
type Writer struct {
	Now func() time.Time
}

// Append assigns the next per-run sequence number and inserts the entry.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, runID string, entry domain.TimelineEntry) (domain.TimelineEntry, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if entry.Timestamp == "" {
		entry.Timestamp = domain.FormatTime(w.Now())
	}
	if entry.Level == "" {
		entry.Level = domain.LevelInfo
	}
	var data any
	if len(entry.Data) > 0 {
		b, err := json.Marshal(entry.Data)
		if err != nil {
			return entry, fmt.Errorf("marshal timeline data: %w", err)
		}
		data = string(b)
	}
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM run_timeline WHERE run_id=?`, runID).Scan(&entry.Seq); err != nil {
		return entry, fmt.Errorf("next timeline seq: %w", err)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO run_timeline(run_id,seq,phase,state,ts,level,message,ticket_id,data_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		runID, entry.Seq, string(entry.Phase), nullable(string(entry.State)), entry.Timestamp, string(entry.Level), entry.Message, nullable(entry.TicketID), data)
	return entry, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
