package domain

import (
	"testing"

	"github.com/google/uuid"
)

func TestSessionStatusTransitions(t *testing.T) {
	allowed := []struct {
		from SessionStatus
		to   SessionStatus
	}{
		{SessionStatusInitializing, SessionStatusAnalyzing},
		{SessionStatusAnalyzing, SessionStatusValidating},
		{SessionStatusAnalyzing, SessionStatusProcessing},
		{SessionStatusValidating, SessionStatusCompleting},
		{SessionStatusProcessing, SessionStatusCompleting},
		{SessionStatusCompleting, SessionStatusCompleted},
		{SessionStatusCompleting, SessionStatusFailed},
		{SessionStatusInitializing, SessionStatusCancelled},
		{SessionStatusAnalyzing, SessionStatusCancelled},
		{SessionStatusProcessing, SessionStatusCancelled},
		{SessionStatusProcessing, SessionStatusFailed},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct {
		from SessionStatus
		to   SessionStatus
	}{
		{SessionStatusInitializing, SessionStatusProcessing},
		{SessionStatusProcessing, SessionStatusAnalyzing},
		{SessionStatusCompleting, SessionStatusCancelled},
		{SessionStatusCompleted, SessionStatusProcessing},
		{SessionStatusFailed, SessionStatusCompleted},
		{SessionStatusCancelled, SessionStatusProcessing},
		{SessionStatusCompleted, SessionStatusCancelled},
	}
	for _, tc := range forbidden {
		if tc.from.CanTransitionTo(tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestSessionStatusIsTerminal(t *testing.T) {
	for _, status := range []SessionStatus{SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled} {
		if !status.IsTerminal() {
			t.Errorf("expected %s to be terminal", status)
		}
	}
	for _, status := range []SessionStatus{SessionStatusInitializing, SessionStatusAnalyzing, SessionStatusValidating, SessionStatusProcessing, SessionStatusCompleting} {
		if status.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", status)
		}
	}
}

func TestApplyBatchOutcomeKeepsCountersConsistent(t *testing.T) {
	session := NewImportSession(uuid.New(), "data.csv", false)

	outcomes := []BatchOutcome{
		{Success: 10, Errors: 2, Duplicates: 1},
		{Success: 5},
		{Errors: 3, Duplicates: 4},
	}
	for _, outcome := range outcomes {
		session = session.ApplyBatchOutcome(outcome)
		sum := session.SuccessRows + session.ErrorRows + session.DuplicateRows
		if session.ProcessedRows != sum {
			t.Fatalf("processed %d != success+errors+duplicates %d", session.ProcessedRows, sum)
		}
	}
	if session.ProcessedRows != 25 {
		t.Fatalf("expected 25 processed rows, got %d", session.ProcessedRows)
	}
	if session.SuccessRows != 15 || session.ErrorRows != 5 || session.DuplicateRows != 5 {
		t.Fatalf("unexpected counters: %+v", session)
	}
}

func TestProgressPercent(t *testing.T) {
	session := ImportSession{TotalRows: 0, ProcessedRows: 10}
	if got := session.ProgressPercent(); got != 0 {
		t.Fatalf("expected 0%% for unknown total, got %f", got)
	}

	session = ImportSession{TotalRows: 200, ProcessedRows: 50}
	if got := session.ProgressPercent(); got != 25 {
		t.Fatalf("expected 25%%, got %f", got)
	}

	session = ImportSession{TotalRows: 10, ProcessedRows: 20}
	if got := session.ProgressPercent(); got != 100 {
		t.Fatalf("expected clamp at 100%%, got %f", got)
	}
}
