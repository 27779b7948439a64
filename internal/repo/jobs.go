package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"forgeline/internal/domain"
)

var ErrJobTerminal = errors.New("agent job already in a terminal state")

// JobPatch lists the agent job fields to change.
type JobPatch struct {
	ProviderJobID *string
	Status        *domain.JobStatus
	Output        *domain.JobOutput
	Error         *string
}

const jobColumns = `id,run_id,ticket_id,phase,provider_job_id,status,input_json,output_json,error,created_at,updated_at`

func (r Repo) CreateJob(ctx context.Context, job domain.AgentJob) (domain.AgentJob, error) {
	if job.RunID == "" || job.Phase == "" {
		return job, errors.New("run and phase are required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = domain.JobPending
	}
	now := r.now()
	job.CreatedAt, job.UpdatedAt = now, now
	input, err := json.Marshal(job.Input)
	if err != nil {
		return job, err
	}
	output, err := marshalJSON(job.Output)
	if err != nil {
		return job, err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO agent_jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, job.RunID, nullable(job.TicketID), string(job.Phase), nullable(job.ProviderJobID), string(job.Status),
		string(input), output, nullable(job.Error), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return job, fmt.Errorf("insert agent job: %w", err)
	}
	return job, nil
}

// UpdateJob applies patch. A job in a terminal status keeps it.
func (r Repo) UpdateJob(ctx context.Context, id string, patch JobPatch) (domain.AgentJob, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentJob{}, err
	}
	defer tx.Rollback()
	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM agent_jobs WHERE id=?`, id))
	if err != nil {
		return job, err
	}
	if patch.Status != nil && *patch.Status != job.Status {
		if job.Status.Terminal() {
			return job, fmt.Errorf("%w: %s", ErrJobTerminal, job.Status)
		}
		job.Status = *patch.Status
	}
	if patch.ProviderJobID != nil {
		job.ProviderJobID = *patch.ProviderJobID
	}
	if patch.Output != nil {
		job.Output = patch.Output
	}
	if patch.Error != nil {
		job.Error = *patch.Error
	}
	job.UpdatedAt = r.now()
	output, err := marshalJSON(job.Output)
	if err != nil {
		return job, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE agent_jobs SET provider_job_id=?, status=?, output_json=?, error=?, updated_at=? WHERE id=?`,
		nullable(job.ProviderJobID), string(job.Status), output, nullable(job.Error), job.UpdatedAt, job.ID)
	if err != nil {
		return job, fmt.Errorf("update agent job: %w", err)
	}
	return job, tx.Commit()
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.AgentJob, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM agent_jobs WHERE id=?`, id))
}

func (r Repo) ListJobs(ctx context.Context, runID string) ([]domain.AgentJob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM agent_jobs WHERE run_id=? ORDER BY created_at, rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, job)
	}
	return res, rows.Err()
}

func scanJob(s scanner) (domain.AgentJob, error) {
	var job domain.AgentJob
	var ticketID, providerID, output, errMsg sql.NullString
	var input string
	if err := s.Scan(&job.ID, &job.RunID, &ticketID, &job.Phase, &providerID, &job.Status, &input, &output, &errMsg,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job, ErrNotFound
		}
		return job, err
	}
	job.TicketID = ticketID.String
	job.ProviderJobID = providerID.String
	job.Error = errMsg.String
	if err := json.Unmarshal([]byte(input), &job.Input); err != nil {
		return job, fmt.Errorf("decode job input: %w", err)
	}
	if output.Valid && output.String != "" {
		var out domain.JobOutput
		if err := json.Unmarshal([]byte(output.String), &out); err != nil {
			return job, fmt.Errorf("decode job output: %w", err)
		}
		job.Output = &out
	}
	return job, nil
}
