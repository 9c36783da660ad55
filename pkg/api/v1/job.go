package v1

import (
	"encoding/json"
	"time"
)

// JobState represents the lifecycle state of a job (one agent turn).
type JobState string

const (
	JobStateQueued          JobState = "QUEUED"
	JobStateRunning         JobState = "RUNNING"
	JobStateWaitingApproval JobState = "WAITING_APPROVAL"
	JobStateDone            JobState = "DONE"
	JobStateFailed          JobState = "FAILED"
	JobStateCancelled       JobState = "CANCELLED"
)

// IsTerminal reports whether the state is sticky: once reached, the job
// never transitions again and no further events are appended after the
// closing job.finished.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateDone, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// Job is the snapshot of one turn as tracked locally.
type Job struct {
	JobID        string     `json:"jobId" db:"job_id"`
	ThreadID     string     `json:"threadId" db:"thread_id"`
	TurnID       string     `json:"turnId,omitempty" db:"turn_id"`
	State        JobState   `json:"state" db:"state"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty" db:"finished_at"`
	ErrorMessage string     `json:"errorMessage,omitempty" db:"error_message"`
	LastSeq      int64      `json:"lastSeq" db:"last_seq"`
}

// Event type tags emitted to job subscribers.
const (
	EventThreadStarted         = "thread.started"
	EventJobState              = "job.state"
	EventJobFinished           = "job.finished"
	EventItemStarted           = "item.started"
	EventItemCompleted         = "item.completed"
	EventAgentMessageDelta     = "item.agentMessage.delta"
	EventCommandOutputDelta    = "item.commandExecution.outputDelta"
	EventFileChangeOutputDelta = "item.fileChange.outputDelta"
	EventApprovalRequired      = "approval.required"
	EventApprovalResolved      = "approval.resolved"
	EventError                 = "error"
)

// Event is one entry of a job's ordered event log. Seq is assigned on
// append, is strictly increasing per job and starts at 0. Payload is an
// opaque JSON object; unknown fields pass through verbatim.
type Event struct {
	Type    string          `json:"type"`
	Seq     int64           `json:"seq"`
	JobID   string          `json:"jobId"`
	Ts      string          `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// EventPage is one page of a cursor read. NextCursor is the seq of the
// last event in Data, or the request cursor when Data is empty.
type EventPage struct {
	Data       []Event `json:"data"`
	NextCursor int64   `json:"nextCursor"`
	HasMore    bool    `json:"hasMore"`
}

// Approval kinds raised by the agent.
const (
	ApprovalKindCommandExecution = "command_execution"
	ApprovalKindApplyPatch       = "apply_patch"
)

// Client-facing approval decisions.
const (
	DecisionAccept              = "accept"
	DecisionAcceptForSession    = "accept_for_session"
	DecisionDecline             = "decline"
	DecisionCancel              = "cancel"
	DecisionAcceptWithExecAmend = "accept_with_execpolicy_amendment"
)

// ApprovalState tracks whether an approval is still blocking its job.
type ApprovalState string

const (
	ApprovalStatePending  ApprovalState = "PENDING"
	ApprovalStateResolved ApprovalState = "RESOLVED"
)

// Approval is a synchronous gate raised by the agent before a sensitive
// action. At most one PENDING approval may block a given job.
type Approval struct {
	ApprovalID string          `json:"approvalId"`
	JobID      string          `json:"jobId"`
	ThreadID   string          `json:"threadId"`
	Kind       string          `json:"kind"`
	Request    json.RawMessage `json:"request,omitempty"`
	State      ApprovalState   `json:"state"`
	Decision   string          `json:"decision,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}
