// Package domain contains core domain types for the researchd service.
package domain

import (
	"time"
)

// Status is the lifecycle state of a research session.
type Status string

const (
	// StatusPending means the session is created but not yet claimed by a worker.
	StatusPending Status = "pending"
	// StatusRunning means exactly one execution unit owns the session.
	StatusRunning Status = "running"
	// StatusCompleted is a terminal state with a full result persisted.
	StatusCompleted Status = "completed"
	// StatusFailed is a terminal state with an error message recorded.
	StatusFailed Status = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ResearchSession represents one research run, optionally continuing a prior run.
type ResearchSession struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	ParentID     *string    `json:"parent_id,omitempty"`
	Query        string     `json:"query"`
	Status       Status     `json:"status"`
	TraceID      string     `json:"trace_id,omitempty"`
	FinalReport  string     `json:"final_report,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	Sources      []string   `json:"sources"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// CanContinue reports whether a continuation may be created from this session.
// Continuation from an in-flight parent is disallowed.
func (s *ResearchSession) CanContinue() bool {
	return s.Status.IsTerminal()
}

// SessionDetail is a session with all of its owned records attached.
type SessionDetail struct {
	Session   ResearchSession    `json:"session"`
	Summary   *ResearchSummary   `json:"summary,omitempty"`
	Reasoning []ReasoningStep    `json:"reasoning"`
	Documents []UploadedDocument `json:"documents"`
	Cost      *ResearchCost      `json:"cost,omitempty"`
}
