package importer

import (
	"fmt"
	"sync"
	"time"

	"github.com/dimon1976/zoomos-v4-sub001/internal/domain"

	"github.com/google/uuid"
)

// ProgressSnapshot is the payload pushed to the notification channel.
type ProgressSnapshot struct {
	SessionID          uuid.UUID            `json:"session_id"`
	Status             domain.SessionStatus `json:"status"`
	TotalRows          int                  `json:"total_rows"`
	ProcessedRows      int                  `json:"processed_rows"`
	SuccessRows        int                  `json:"success_rows"`
	ErrorRows          int                  `json:"error_rows"`
	DuplicateRows      int                  `json:"duplicate_rows"`
	ProgressPercent    float64              `json:"progress_percent"`
	CurrentOperation   string               `json:"current_operation"`
	EstimatedRemaining *int64               `json:"estimated_remaining_seconds,omitempty"`
	ErrorMessage       *string              `json:"error_message,omitempty"`
	Timestamp          time.Time            `json:"timestamp"`
}

// Publisher pushes snapshots to the external notification channel. Delivery
// is best effort; callers never block on acknowledgement beyond the call
// itself.
type Publisher interface {
	Publish(topic string, snapshot ProgressSnapshot)
}

// ProgressReporter derives snapshots from session counters and rate-limits
// emission to at most one per second per session. Terminal reports bypass
// the limit and drop the session's rate-limit bookkeeping. One reporter
// serves every session kind; policy lives in the session it snapshots.
type ProgressReporter struct {
	publisher Publisher
	interval  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	lastEmit map[uuid.UUID]time.Time
}

// NewProgressReporter creates a reporter over the publisher.
func NewProgressReporter(publisher Publisher) *ProgressReporter {
	return &ProgressReporter{
		publisher: publisher,
		interval:  time.Second,
		now:       time.Now,
		lastEmit:  make(map[uuid.UUID]time.Time),
	}
}

// ProgressTopic names the per-session notification topic.
func ProgressTopic(sessionID uuid.UUID) string {
	return fmt.Sprintf("import.progress.%s", sessionID)
}

// Report emits a snapshot unless one was emitted for the session within the
// rate-limit interval.
func (r *ProgressReporter) Report(session domain.ImportSession) {
	if r.publisher == nil {
		return
	}
	now := r.now()

	r.mu.Lock()
	if last, ok := r.lastEmit[session.ID]; ok && now.Sub(last) < r.interval {
		r.mu.Unlock()
		return
	}
	r.lastEmit[session.ID] = now
	r.mu.Unlock()

	r.publisher.Publish(ProgressTopic(session.ID), r.snapshot(session, now))
}

// ReportTerminal always emits and clears the session's rate-limit state.
func (r *ProgressReporter) ReportTerminal(session domain.ImportSession) {
	if r.publisher == nil {
		return
	}
	r.mu.Lock()
	delete(r.lastEmit, session.ID)
	r.mu.Unlock()

	r.publisher.Publish(ProgressTopic(session.ID), r.snapshot(session, r.now()))
}

func (r *ProgressReporter) snapshot(session domain.ImportSession, now time.Time) ProgressSnapshot {
	snapshot := ProgressSnapshot{
		SessionID:        session.ID,
		Status:           session.Status,
		TotalRows:        session.TotalRows,
		ProcessedRows:    session.ProcessedRows,
		SuccessRows:      session.SuccessRows,
		ErrorRows:        session.ErrorRows,
		DuplicateRows:    session.DuplicateRows,
		ProgressPercent:  session.ProgressPercent(),
		CurrentOperation: currentOperation(session.Status),
		ErrorMessage:     session.ErrorMessage,
		Timestamp:        now,
	}
	if remaining := estimateRemaining(session, now); remaining != nil {
		snapshot.EstimatedRemaining = remaining
	}
	return snapshot
}

// estimateRemaining derives ETA seconds from elapsed time and current
// throughput; nil when there is not enough signal yet.
func estimateRemaining(session domain.ImportSession, now time.Time) *int64 {
	if session.Status.IsTerminal() || session.TotalRows <= 0 || session.ProcessedRows <= 0 {
		return nil
	}
	elapsed := now.Sub(session.StartedAt)
	if elapsed <= 0 {
		return nil
	}
	throughput := float64(session.ProcessedRows) / elapsed.Seconds()
	if throughput <= 0 {
		return nil
	}
	remainingRows := session.TotalRows - session.ProcessedRows
	if remainingRows < 0 {
		remainingRows = 0
	}
	seconds := int64(float64(remainingRows) / throughput)
	return &seconds
}

func currentOperation(status domain.SessionStatus) string {
	switch status {
	case domain.SessionStatusInitializing:
		return "Preparing import"
	case domain.SessionStatusAnalyzing:
		return "Analyzing file"
	case domain.SessionStatusValidating:
		return "Validating rows"
	case domain.SessionStatusProcessing:
		return "Importing rows"
	case domain.SessionStatusCompleting:
		return "Finalizing import"
	case domain.SessionStatusCompleted:
		return "Import completed"
	case domain.SessionStatusFailed:
		return "Import failed"
	case domain.SessionStatusCancelled:
		return "Import cancelled"
	default:
		return string(status)
	}
}
