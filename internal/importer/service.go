package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/dimon1976/zoomos-v4-sub001/internal/domain"
	"github.com/dimon1976/zoomos-v4-sub001/internal/repository"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotCancellable is returned when cancellation is requested
	// for a session that already reached a terminal status.
	ErrSessionNotCancellable = errors.New("session is not cancellable")

	// ErrEmptyPayload is returned when the uploaded file has no content.
	ErrEmptyPayload = errors.New("file is empty")
)

const (
	defaultBatchSize  = 1000
	defaultPoolSize   = 4
	defaultQueueDepth = 16
)

// Service orchestrates import sessions: it creates them, drives the
// state machine on a worker, and answers snapshot queries.
type Service struct {
	templates repository.TemplateRepository
	sessions  repository.SessionRepository
	records   repository.RecordRepository
	errorRepo repository.ImportErrorRepository

	reporter  *ProgressReporter
	cancels   *CancelRegistry
	guard     *MemoryGuard
	pool      *WorkerPool
	batchSize int
}

// Option customizes the service.
type Option func(*Service)

// WithBatchSize overrides the batch capacity.
func WithBatchSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithMemoryGuard replaces the backpressure guard.
func WithMemoryGuard(guard *MemoryGuard) Option {
	return func(s *Service) {
		if guard != nil {
			s.guard = guard
		}
	}
}

// WithWorkerPool replaces the session worker pool.
func WithWorkerPool(pool *WorkerPool) Option {
	return func(s *Service) {
		if pool != nil {
			s.pool = pool
		}
	}
}

// NewService wires the orchestrator.
func NewService(
	templates repository.TemplateRepository,
	sessions repository.SessionRepository,
	records repository.RecordRepository,
	errorRepo repository.ImportErrorRepository,
	publisher Publisher,
	opts ...Option,
) *Service {
	service := &Service{
		templates: templates,
		sessions:  sessions,
		records:   records,
		errorRepo: errorRepo,
		reporter:  NewProgressReporter(publisher),
		cancels:   NewCancelRegistry(),
		guard:     NewMemoryGuard(0),
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(service)
	}
	if service.pool == nil {
		service.pool = NewWorkerPool(defaultPoolSize, defaultQueueDepth)
	}
	return service
}

// Shutdown drains the worker pool.
func (s *Service) Shutdown() {
	s.pool.Stop()
}

// StartRequest describes one import submission.
type StartRequest struct {
	TemplateID        uuid.UUID
	FileName          string
	Payload           []byte
	Metadata          domain.FileMetadata
	ValidateOnly      bool
	Synchronous       bool
	DelimiterOverride string
	EncodingOverride  string
}

// Start accepts a run and returns its session handle immediately. In
// asynchronous mode the run executes on the worker pool; in synchronous mode
// Start blocks until the run reaches a terminal status.
func (s *Service) Start(ctx context.Context, req StartRequest) (domain.ImportSession, error) {
	if req.TemplateID == uuid.Nil {
		return domain.ImportSession{}, errors.New("template id is required")
	}
	if len(req.Payload) == 0 {
		return domain.ImportSession{}, ErrEmptyPayload
	}

	template, err := s.templates.GetByID(ctx, req.TemplateID)
	if err != nil {
		return domain.ImportSession{}, fmt.Errorf("load template: %w", err)
	}
	meta := resolveMetadata(template, req.Metadata, req.DelimiterOverride, req.EncodingOverride)

	session, err := s.sessions.Create(ctx, domain.NewImportSession(template.ID, req.FileName, req.ValidateOnly))
	if err != nil {
		return domain.ImportSession{}, fmt.Errorf("create session: %w", err)
	}
	s.cancels.Register(session.ID)

	if req.Synchronous {
		s.run(ctx, session, template, meta, req.Payload)
		return s.sessions.GetByID(ctx, session.ID)
	}

	payload := req.Payload
	s.pool.Submit(func() {
		s.run(context.Background(), session, template, meta, payload)
	})
	return session, nil
}

// Cancel flags the session for cooperative cancellation. The run observes
// the flag at its next row or batch boundary, so the request may take up to
// one batch to take effect.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() {
		return fmt.Errorf("%w: status %s", ErrSessionNotCancellable, session.Status)
	}
	if !s.cancels.Request(id) {
		return fmt.Errorf("%w: session is not active", ErrSessionNotCancellable)
	}
	return nil
}

// GetSession returns the current persisted snapshot of a session.
func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (domain.ImportSession, error) {
	return s.sessions.GetByID(ctx, id)
}

// ListSessions returns recent sessions, optionally filtered by status.
func (s *Service) ListSessions(ctx context.Context, statuses []domain.SessionStatus, limit, offset int) ([]domain.ImportSession, error) {
	return s.sessions.List(ctx, statuses, limit, offset)
}

// ListErrors returns recorded row failures for a session.
func (s *Service) ListErrors(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]domain.ImportError, error) {
	return s.errorRepo.List(ctx, sessionID, limit, offset)
}

// run drives one session from INITIALIZING to a terminal status. It is the
// only writer of the session; readers observe the checkpoint committed after
// every batch.
func (s *Service) run(ctx context.Context, session domain.ImportSession, template domain.Template, meta domain.FileMetadata, payload []byte) {
	defer s.cancels.Clear(session.ID)
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[import] panic while processing session %s: %v", session.ID, rec)
			s.finishFailed(ctx, &session, fmt.Errorf("panic: %v", rec))
		}
	}()

	if s.cancels.IsCancelled(session.ID) {
		s.finishCancelled(ctx, &session)
		return
	}

	if err := s.transition(ctx, &session, domain.SessionStatusAnalyzing); err != nil {
		s.finishFailed(ctx, &session, err)
		return
	}
	s.reporter.Report(session)

	total, err := CountDataRows(payload, meta)
	if err != nil {
		s.finishFailed(ctx, &session, fmt.Errorf("analyze file: %w", err))
		return
	}
	if err := s.sessions.SetTotalRows(ctx, session.ID, total); err != nil {
		s.finishFailed(ctx, &session, err)
		return
	}
	session.TotalRows = total

	if s.cancels.IsCancelled(session.ID) {
		s.finishCancelled(ctx, &session)
		return
	}

	next := domain.SessionStatusProcessing
	if session.ValidateOnly {
		next = domain.SessionStatusValidating
	}
	if err := s.transition(ctx, &session, next); err != nil {
		s.finishFailed(ctx, &session, err)
		return
	}

	source, err := NewRowSource(payload, meta)
	if err != nil {
		s.finishFailed(ctx, &session, fmt.Errorf("open row source: %w", err))
		return
	}
	defer func() { _ = source.Close() }()

	transformer := NewTransformer()
	checker := NewDuplicateChecker(s.records)
	persister := NewBatchPersister(s.records)

	cancelled := false
	exhausted := false
	for !exhausted && !cancelled {
		rawRows := make([]Row, 0, s.batchSize)
		for len(rawRows) < s.batchSize {
			// A cancel observed here ends the fill early, but the rows
			// already read still transform and commit as a final partial
			// batch; the run stops at the batch boundary below.
			if s.cancels.IsCancelled(session.ID) {
				cancelled = true
				break
			}
			row, readErr := source.Next()
			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					exhausted = true
					break
				}
				s.finishFailed(ctx, &session, fmt.Errorf("read row: %w", readErr))
				return
			}
			rawRows = append(rawRows, row)
		}
		if len(rawRows) == 0 {
			break
		}

		outcome := domain.BatchOutcome{}
		accepted := make([]domain.ImportRecord, 0, len(rawRows))
		for _, row := range rawRows {
			fields, rowErr := transformer.Transform(row, source.Header(), template)
			if rowErr != nil {
				s.recordError(ctx, rowErr.ImportError(session.ID))
				outcome.Errors++
				if template.ErrorPolicy == domain.ErrorPolicyStop {
					session = session.ApplyBatchOutcome(outcome)
					s.checkpoint(ctx, session)
					s.finishFailed(ctx, &session, rowErr)
					return
				}
				continue
			}

			record := domain.NewImportRecord(session.ID, template.EntityType, row.Number, fields)
			if template.DuplicatePolicy == domain.DuplicatePolicySkipDuplicates {
				key := checker.Key(fields, template)
				fresh, checkErr := checker.CheckAndRegister(ctx, template.EntityType, key)
				if checkErr != nil {
					s.finishFailed(ctx, &session, checkErr)
					return
				}
				if !fresh {
					outcome.Duplicates++
					continue
				}
				record.DuplicateKey = key
			}
			accepted = append(accepted, record)
		}

		if session.ValidateOnly {
			// Dry run: rows that would have persisted count as successes,
			// nothing is committed.
			outcome.Success += len(accepted)
		} else if len(accepted) > 0 {
			result, persistErr := persister.Persist(ctx, accepted)
			if persistErr != nil {
				s.recordError(ctx, domain.ImportError{
					SessionID: session.ID,
					Kind:      domain.ErrorKindPersistence,
					Message:   truncateError(persistErr),
				})
				s.finishFailed(ctx, &session, persistErr)
				return
			}
			outcome.Success += result.Persisted
			for _, dup := range result.Duplicates {
				s.recordError(ctx, domain.ImportError{
					SessionID: session.ID,
					RowNumber: dup.RowNumber,
					Kind:      domain.ErrorKindDuplicate,
					Message:   fmt.Sprintf("key %s was persisted by a concurrent writer", dup.DuplicateKey),
				})
				outcome.Errors++
			}
		}

		session = session.ApplyBatchOutcome(outcome)
		if err := s.checkpoint(ctx, session); err != nil {
			s.finishFailed(ctx, &session, err)
			return
		}
		s.reporter.Report(session)

		if cancelled || s.cancels.IsCancelled(session.ID) {
			cancelled = true
			break
		}
		if !exhausted {
			if err := s.guard.WaitForHeadroom(ctx); err != nil {
				s.finishFailed(ctx, &session, fmt.Errorf("wait for memory headroom: %w", err))
				return
			}
		}
	}

	if cancelled {
		s.finishCancelled(ctx, &session)
		return
	}

	if err := s.transition(ctx, &session, domain.SessionStatusCompleting); err != nil {
		s.finishFailed(ctx, &session, err)
		return
	}
	if session.SuccessRows == 0 && session.ErrorRows > 0 {
		s.finishFailed(ctx, &session, fmt.Errorf("no rows imported: %d rows failed", session.ErrorRows))
		return
	}
	s.finishCompleted(ctx, &session)
}

// checkpoint flushes counters so concurrent readers observe a consistent
// snapshot after every batch.
func (s *Service) checkpoint(ctx context.Context, session domain.ImportSession) error {
	if err := s.sessions.UpdateCounters(ctx, session); err != nil {
		return fmt.Errorf("checkpoint counters: %w", err)
	}
	return nil
}

func (s *Service) transition(ctx context.Context, session *domain.ImportSession, to domain.SessionStatus) error {
	if !session.Status.CanTransitionTo(to) {
		return fmt.Errorf("illegal transition %s -> %s", session.Status, to)
	}
	if err := s.sessions.UpdateStatus(ctx, session.ID, session.Status, to); err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	session.Status = to
	return nil
}

func (s *Service) finishCompleted(ctx context.Context, session *domain.ImportSession) {
	if err := s.sessions.MarkCompleted(ctx, session.ID); err != nil {
		log.Printf("[import] failed to mark session %s completed: %v", session.ID, err)
	}
	session.Status = domain.SessionStatusCompleted
	session.ErrorMessage = nil
	s.reporter.ReportTerminal(*session)
	log.Printf("[import] session %s completed (total=%d success=%d errors=%d duplicates=%d)",
		session.ID, session.TotalRows, session.SuccessRows, session.ErrorRows, session.DuplicateRows)
}

func (s *Service) finishFailed(ctx context.Context, session *domain.ImportSession, cause error) {
	if session.Status.IsTerminal() {
		return
	}
	message := truncateError(cause)
	if err := s.sessions.MarkFailed(ctx, session.ID, message); err != nil {
		log.Printf("[import] failed to mark session %s failed: %v (original error: %v)", session.ID, err, cause)
	}
	session.Status = domain.SessionStatusFailed
	session.ErrorMessage = &message
	s.reporter.ReportTerminal(*session)
	log.Printf("[import] session %s failed: %v", session.ID, cause)
}

// finishCancelled finalizes a cancelled run. Compensation is best effort:
// rows committed by earlier batches stay in place, only further processing
// stops. Cancellation is not an error, so errorMessage is cleared.
func (s *Service) finishCancelled(ctx context.Context, session *domain.ImportSession) {
	if err := s.sessions.MarkCancelled(ctx, session.ID); err != nil {
		log.Printf("[import] failed to mark session %s cancelled: %v", session.ID, err)
	}
	session.Status = domain.SessionStatusCancelled
	session.IsCancelled = true
	session.ErrorMessage = nil
	s.reporter.ReportTerminal(*session)
	log.Printf("[import] session %s cancelled after %d rows", session.ID, session.ProcessedRows)
}

func (s *Service) recordError(ctx context.Context, entry domain.ImportError) {
	if s.errorRepo == nil {
		return
	}
	if err := s.errorRepo.Record(ctx, entry); err != nil {
		log.Printf("[import] failed to record error for session %s row %d: %v", entry.SessionID, entry.RowNumber, err)
	}
}

// resolveMetadata layers template hints and request overrides over the
// analyzer's detected metadata.
func resolveMetadata(template domain.Template, meta domain.FileMetadata, delimiterOverride, encodingOverride string) domain.FileMetadata {
	if template.Delimiter != "" {
		meta.Delimiter = firstRune(template.Delimiter)
	}
	if template.Encoding != "" {
		meta.Encoding = template.Encoding
	}
	if template.SkipRows > 0 {
		meta.SkipRows = template.SkipRows
	}
	if delimiterOverride != "" {
		meta.Delimiter = firstRune(delimiterOverride)
	}
	if encodingOverride != "" {
		meta.Encoding = encodingOverride
	}
	return meta
}

func firstRune(value string) rune {
	for _, r := range value {
		return r
	}
	return 0
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	const maxLen = 512
	msg := err.Error()
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
