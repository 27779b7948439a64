package domain

import "time"

// TimeLayout is the fixed-width UTC layout used for every persisted timestamp,
// so lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in TimeLayout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

type RunState string

const (
	RunCreated      RunState = "CREATED"
	RunPMRunning    RunState = "PM_RUNNING"
	RunPMCompleted  RunState = "PM_COMPLETED"
	RunDevRunning   RunState = "DEV_RUNNING"
	RunDevCompleted RunState = "DEV_COMPLETED"
	RunQARunning    RunState = "QA_RUNNING"
	RunQACompleted  RunState = "QA_COMPLETED"
	RunCompleted    RunState = "COMPLETED"
	RunFailed       RunState = "FAILED"
)

// Rank orders states along the pipeline; FAILED has no rank.
func (s RunState) Rank() int {
	switch s {
	case RunCreated:
		return 0
	case RunPMRunning:
		return 1
	case RunPMCompleted:
		return 2
	case RunDevRunning:
		return 3
	case RunDevCompleted:
		return 4
	case RunQARunning:
		return 5
	case RunQACompleted:
		return 6
	case RunCompleted:
		return 7
	default:
		return -1
	}
}

func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

func (s RunState) Valid() bool {
	return s == RunFailed || s.Rank() >= 0
}

type RunOutcome string

const (
	OutcomeNone      RunOutcome = ""
	OutcomeSucceeded RunOutcome = "succeeded"
	OutcomePartial   RunOutcome = "partial"
	OutcomeFailed    RunOutcome = "failed"
	OutcomeCancelled RunOutcome = "cancelled"
)

type Phase string

const (
	PhaseRun Phase = "RUN"
	PhasePM  Phase = "PM"
	PhaseDev Phase = "DEV"
	PhaseQA  Phase = "QA"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

type Run struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	UserID         string          `json:"user_id"`
	Request        string          `json:"request"`
	Repository     string          `json:"repository"`
	Ref            string          `json:"ref,omitempty"`
	State          RunState        `json:"state" enum:"CREATED,PM_RUNNING,PM_COMPLETED,DEV_RUNNING,DEV_COMPLETED,QA_RUNNING,QA_COMPLETED,COMPLETED,FAILED"`
	Outcome        RunOutcome      `json:"outcome,omitempty"`
	Error          string          `json:"error,omitempty"`
	RootTicketID   string          `json:"root_ticket_id,omitempty"`
	StalledTickets []string        `json:"stalled_tickets,omitempty"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
	Timeline       []TimelineEntry `json:"timeline,omitempty"`
	Jobs           []AgentJob      `json:"jobs,omitempty"`
}

// TimelineEntry is one append-only record of a run. State is set only on
// entries that record a state transition.
type TimelineEntry struct {
	Seq       int64          `json:"seq"`
	Phase     Phase          `json:"phase"`
	State     RunState       `json:"state,omitempty"`
	Timestamp string         `json:"timestamp" format:"date-time"`
	Level     Level          `json:"level" enum:"info,warn,error,success"`
	Message   string         `json:"message"`
	TicketID  string         `json:"ticket_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

type TicketType string

const (
	TicketEpic    TicketType = "epic"
	TicketFeature TicketType = "feature"
	TicketStory   TicketType = "story"
	TicketTask    TicketType = "task"
	TicketBug     TicketType = "bug"
)

func (t TicketType) Valid() bool {
	switch t {
	case TicketEpic, TicketFeature, TicketStory, TicketTask, TicketBug:
		return true
	}
	return false
}

type TicketStatus string

const (
	TicketPlanned     TicketStatus = "planned"
	TicketReadyForDev TicketStatus = "ready_for_dev"
	TicketInProgress  TicketStatus = "in_progress"
	TicketInReview    TicketStatus = "in_review"
	TicketTesting     TicketStatus = "testing"
	TicketQAApproved  TicketStatus = "qa_approved"
	TicketQAFailed    TicketStatus = "qa_failed"
	TicketCompleted   TicketStatus = "completed"
	TicketBlocked     TicketStatus = "blocked"
)

// Done reports whether dependents of a ticket in this status may start.
func (s TicketStatus) Done() bool {
	return s == TicketQAApproved || s == TicketCompleted
}

// Failed reports whether the status poisons dependents.
func (s TicketStatus) Failed() bool {
	return s == TicketBlocked || s == TicketQAFailed
}

// Terminal reports whether the pipeline is finished with a ticket.
func (s TicketStatus) Terminal() bool {
	return s == TicketCompleted || s == TicketBlocked
}

type AcceptanceCriterion struct {
	Description string  `json:"description"`
	Completed   bool    `json:"completed"`
	VerifiedBy  *string `json:"verified_by,omitempty"`
	VerifiedAt  *string `json:"verified_at,omitempty" format:"date-time"`
}

type Ticket struct {
	ID                 string                `json:"id"`
	ProjectID          string                `json:"project_id"`
	RunID              string                `json:"run_id,omitempty"`
	Sequence           int                   `json:"sequence"`
	Key                string                `json:"key"`
	Type               TicketType            `json:"type" enum:"epic,feature,story,task,bug"`
	Title              string                `json:"title"`
	Description        string                `json:"description,omitempty"`
	Status             TicketStatus          `json:"status" enum:"planned,ready_for_dev,in_progress,in_review,testing,qa_approved,qa_failed,completed,blocked"`
	ParentID           *string               `json:"parent_id,omitempty"`
	Dependencies       []string              `json:"dependencies,omitempty"`
	Blocks             *string               `json:"blocks,omitempty"`
	AcceptanceCriteria []AcceptanceCriterion `json:"acceptance_criteria,omitempty"`
	Branch             string                `json:"branch,omitempty"`
	PRURL              string                `json:"pr_url,omitempty"`
	CreatedAt          string                `json:"created_at" format:"date-time"`
	UpdatedAt          string                `json:"updated_at" format:"date-time"`
	CompletedAt        *string               `json:"completed_at,omitempty" format:"date-time"`
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type JobInput struct {
	Prompt     string `json:"prompt"`
	Repository string `json:"repository"`
	Ref        string `json:"ref,omitempty"`
	BranchHint string `json:"branch_hint,omitempty"`
}

type JobOutput struct {
	Text    string `json:"text,omitempty"`
	Summary string `json:"summary,omitempty"`
	Branch  string `json:"branch,omitempty"`
	PRURL   string `json:"pr_url,omitempty"`
}

// AgentJob is the persisted record of one remote unit of work.
type AgentJob struct {
	ID            string     `json:"id"`
	RunID         string     `json:"run_id"`
	TicketID      string     `json:"ticket_id,omitempty"`
	Phase         Phase      `json:"phase"`
	ProviderJobID string     `json:"provider_job_id,omitempty"`
	Status        JobStatus  `json:"status" enum:"pending,running,completed,failed,cancelled"`
	Input         JobInput   `json:"input"`
	Output        *JobOutput `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	UpdatedAt     string     `json:"updated_at" format:"date-time"`
}
