package server

import "forgeline/internal/domain"

type StartRunRequest struct {
	Request    string `json:"request" minLength:"1" doc:"feature request in natural language"`
	Repository string `json:"repository" minLength:"1"`
	Ref        string `json:"ref,omitempty"`
}

type StartRunResponse struct {
	RunID string          `json:"run_id"`
	State domain.RunState `json:"state"`
}

// RunSummary is a run without its timeline and jobs.
type RunSummary struct {
	ID           string            `json:"id"`
	ProjectID    string            `json:"project_id"`
	UserID       string            `json:"user_id,omitempty"`
	Request      string            `json:"request"`
	State        domain.RunState   `json:"state"`
	Outcome      domain.RunOutcome `json:"outcome,omitempty"`
	RootTicketID string            `json:"root_ticket_id,omitempty"`
	CreatedAt    string            `json:"created_at" format:"date-time"`
	UpdatedAt    string            `json:"updated_at" format:"date-time"`
}

type TicketResponse struct {
	domain.Ticket
	CanStart bool     `json:"can_start"`
	Blocked  bool     `json:"blocked"`
	Children []string `json:"children"`
}

func runSummary(r domain.Run) RunSummary {
	return RunSummary{
		ID:           r.ID,
		ProjectID:    r.ProjectID,
		UserID:       r.UserID,
		Request:      r.Request,
		State:        r.State,
		Outcome:      r.Outcome,
		RootTicketID: r.RootTicketID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func mapRuns(items []domain.Run) []RunSummary {
	out := make([]RunSummary, 0, len(items))
	for _, r := range items {
		out = append(out, runSummary(r))
	}
	return out
}
