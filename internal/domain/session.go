package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus captures lifecycle state for an import session.
type SessionStatus string

const (
	SessionStatusInitializing SessionStatus = "INITIALIZING"
	SessionStatusAnalyzing    SessionStatus = "ANALYZING"
	SessionStatusValidating   SessionStatus = "VALIDATING"
	SessionStatusProcessing   SessionStatus = "PROCESSING"
	SessionStatusCompleting   SessionStatus = "COMPLETING"
	SessionStatusCompleted    SessionStatus = "COMPLETED"
	SessionStatusFailed       SessionStatus = "FAILED"
	SessionStatusCancelled    SessionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition can occur.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	}
	return false
}

// nextStatuses defines the one-directional transition table. CANCELLED is
// reachable from every non-terminal pre-completion state.
var nextStatuses = map[SessionStatus][]SessionStatus{
	SessionStatusInitializing: {SessionStatusAnalyzing, SessionStatusFailed, SessionStatusCancelled},
	SessionStatusAnalyzing:    {SessionStatusValidating, SessionStatusProcessing, SessionStatusFailed, SessionStatusCancelled},
	SessionStatusValidating:   {SessionStatusCompleting, SessionStatusFailed, SessionStatusCancelled},
	SessionStatusProcessing:   {SessionStatusCompleting, SessionStatusFailed, SessionStatusCancelled},
	SessionStatusCompleting:   {SessionStatusCompleted, SessionStatusFailed},
}

// CanTransitionTo reports whether the transition is allowed by the state
// machine. Transitions never re-enter an earlier state.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, allowed := range nextStatuses[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ImportSession is one execution instance of an import run.
type ImportSession struct {
	ID            uuid.UUID     `json:"id"`
	TemplateID    uuid.UUID     `json:"template_id"`
	FileName      string        `json:"file_name"`
	Status        SessionStatus `json:"status"`
	TotalRows     int           `json:"total_rows"`
	ProcessedRows int           `json:"processed_rows"`
	SuccessRows   int           `json:"success_rows"`
	ErrorRows     int           `json:"error_rows"`
	DuplicateRows int           `json:"duplicate_rows"`
	ValidateOnly  bool          `json:"validate_only"`
	IsCancelled   bool          `json:"is_cancelled"`
	ErrorMessage  *string       `json:"error_message,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// NewImportSession creates a session in its initial state.
func NewImportSession(templateID uuid.UUID, fileName string, validateOnly bool) ImportSession {
	now := time.Now()
	return ImportSession{
		ID:           uuid.New(),
		TemplateID:   templateID,
		FileName:     fileName,
		Status:       SessionStatusInitializing,
		ValidateOnly: validateOnly,
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// BatchOutcome summarizes one committed batch. Every processed row lands in
// exactly one of the three buckets, so applying an outcome preserves
// processedRows == successRows + errorRows + duplicateRows by construction.
type BatchOutcome struct {
	Success    int
	Errors     int
	Duplicates int
}

// Processed returns the number of rows the outcome accounts for.
func (o BatchOutcome) Processed() int {
	return o.Success + o.Errors + o.Duplicates
}

// ApplyBatchOutcome returns the session with counters advanced by one batch.
func (s ImportSession) ApplyBatchOutcome(outcome BatchOutcome) ImportSession {
	s.ProcessedRows += outcome.Processed()
	s.SuccessRows += outcome.Success
	s.ErrorRows += outcome.Errors
	s.DuplicateRows += outcome.Duplicates
	s.UpdatedAt = time.Now()
	return s
}

// ProgressPercent computes completion in [0,100]; unknown totals report 0.
func (s ImportSession) ProgressPercent() float64 {
	if s.TotalRows <= 0 {
		return 0
	}
	percent := float64(s.ProcessedRows) * 100 / float64(s.TotalRows)
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
