package importer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dimon1976/zoomos-v4-sub001/internal/domain"
	"github.com/dimon1976/zoomos-v4-sub001/internal/repository"

	"github.com/google/uuid"
)

type memTemplateRepo struct {
	templates map[uuid.UUID]domain.Template
}

func newMemTemplateRepo(templates ...domain.Template) *memTemplateRepo {
	repo := &memTemplateRepo{templates: make(map[uuid.UUID]domain.Template)}
	for _, template := range templates {
		repo.templates[template.ID] = template
	}
	return repo
}

func (r *memTemplateRepo) Create(ctx context.Context, template domain.Template) (domain.Template, error) {
	r.templates[template.ID] = template
	return template, nil
}

func (r *memTemplateRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.Template, error) {
	template, ok := r.templates[id]
	if !ok {
		return domain.Template{}, repository.ErrTemplateNotFound
	}
	return template, nil
}

func (r *memTemplateRepo) List(ctx context.Context) ([]domain.Template, error) {
	out := make([]domain.Template, 0, len(r.templates))
	for _, template := range r.templates {
		out = append(out, template)
	}
	return out, nil
}

func (r *memTemplateRepo) Update(ctx context.Context, template domain.Template) (domain.Template, error) {
	r.templates[template.ID] = template
	return template, nil
}

func (r *memTemplateRepo) Delete(ctx context.Context, id uuid.UUID) error {
	delete(r.templates, id)
	return nil
}

type memSessionRepo struct {
	mu            sync.Mutex
	sessions      map[uuid.UUID]domain.ImportSession
	statuses      map[uuid.UUID][]domain.SessionStatus
	counterWrites int
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{
		sessions: make(map[uuid.UUID]domain.ImportSession),
		statuses: make(map[uuid.UUID][]domain.SessionStatus),
	}
}

func (r *memSessionRepo) Create(ctx context.Context, session domain.ImportSession) (domain.ImportSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session
	r.statuses[session.ID] = []domain.SessionStatus{session.Status}
	return session, nil
}

func (r *memSessionRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.ImportSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return domain.ImportSession{}, repository.ErrSessionNotFound
	}
	return session, nil
}

func (r *memSessionRepo) List(ctx context.Context, statuses []domain.SessionStatus, limit, offset int) ([]domain.ImportSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ImportSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session)
	}
	return out, nil
}

func (r *memSessionRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok || session.Status != from {
		return repository.ErrSessionStatusConflict
	}
	session.Status = to
	r.sessions[id] = session
	r.statuses[id] = append(r.statuses[id], to)
	return nil
}

func (r *memSessionRepo) SetTotalRows(ctx context.Context, id uuid.UUID, totalRows int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session := r.sessions[id]
	session.TotalRows = totalRows
	r.sessions[id] = session
	return nil
}

func (r *memSessionRepo) UpdateCounters(ctx context.Context, update domain.ImportSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counterWrites++
	session := r.sessions[update.ID]
	session.ProcessedRows = update.ProcessedRows
	session.SuccessRows = update.SuccessRows
	session.ErrorRows = update.ErrorRows
	session.DuplicateRows = update.DuplicateRows
	r.sessions[update.ID] = session
	return nil
}

func (r *memSessionRepo) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return r.finish(id, domain.SessionStatusCompleted, nil, false)
}

func (r *memSessionRepo) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	return r.finish(id, domain.SessionStatusFailed, &errorMessage, false)
}

func (r *memSessionRepo) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	return r.finish(id, domain.SessionStatusCancelled, nil, true)
}

func (r *memSessionRepo) finish(id uuid.UUID, status domain.SessionStatus, errorMessage *string, cancelled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session := r.sessions[id]
	session.Status = status
	session.ErrorMessage = errorMessage
	session.IsCancelled = cancelled
	now := time.Now()
	session.CompletedAt = &now
	r.sessions[id] = session
	r.statuses[id] = append(r.statuses[id], status)
	return nil
}

func (r *memSessionRepo) history(id uuid.UUID) []domain.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.SessionStatus(nil), r.statuses[id]...)
}

func (r *memSessionRepo) checkpoints() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counterWrites
}

type memRecordRepo struct {
	mu            sync.Mutex
	records       []domain.ImportRecord
	keys          map[string]struct{}
	batchErr      error
	hiddenKey     string
	batchCalls    int
	onCreateBatch func(records []domain.ImportRecord)
}

func newMemRecordRepo() *memRecordRepo {
	return &memRecordRepo{keys: make(map[string]struct{})}
}

func (r *memRecordRepo) keyFor(record domain.ImportRecord) string {
	return record.EntityType + "|" + record.DuplicateKey
}

func (r *memRecordRepo) CreateBatch(ctx context.Context, records []domain.ImportRecord) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batchCalls++
	if r.onCreateBatch != nil {
		r.onCreateBatch(records)
	}
	if r.batchErr != nil {
		return 0, r.batchErr
	}
	for _, record := range records {
		if record.DuplicateKey != "" {
			if _, exists := r.keys[r.keyFor(record)]; exists || record.DuplicateKey == r.hiddenKey {
				return 0, repository.ErrDuplicateKey
			}
		}
	}
	for _, record := range records {
		r.insertLocked(record)
	}
	return len(records), nil
}

func (r *memRecordRepo) CreateOne(ctx context.Context, record domain.ImportRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record.DuplicateKey != "" {
		if _, exists := r.keys[r.keyFor(record)]; exists || record.DuplicateKey == r.hiddenKey {
			return repository.ErrDuplicateKey
		}
	}
	r.insertLocked(record)
	return nil
}

func (r *memRecordRepo) insertLocked(record domain.ImportRecord) {
	r.records = append(r.records, record)
	if record.DuplicateKey != "" {
		r.keys[r.keyFor(record)] = struct{}{}
	}
}

func (r *memRecordRepo) ExistingKeys(ctx context.Context, entityType string, keys []string) (map[string]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// hiddenKey emulates a concurrent writer: invisible to the pre-check but
	// enforced by the uniqueness backstop on insert.
	found := make(map[string]struct{})
	for _, key := range keys {
		if _, ok := r.keys[entityType+"|"+key]; ok {
			found[key] = struct{}{}
		}
	}
	return found, nil
}

func (r *memRecordRepo) CountBySession(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, record := range r.records {
		if record.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

func (r *memRecordRepo) stored() []domain.ImportRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ImportRecord(nil), r.records...)
}

func (r *memRecordRepo) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batchCalls
}

type memErrorRepo struct {
	mu      sync.Mutex
	entries []domain.ImportError
}

func (r *memErrorRepo) Record(ctx context.Context, entry domain.ImportError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *memErrorRepo) List(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]domain.ImportError, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ImportError(nil), r.entries...), nil
}

func (r *memErrorRepo) CountBySession(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.entries)), nil
}

func (r *memErrorRepo) recorded() []domain.ImportError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ImportError(nil), r.entries...)
}

func productTemplate() domain.Template {
	template := domain.NewTemplate("products", "product", []domain.FieldMapping{
		{SourceIndex: 1, TargetField: "id", Type: domain.FieldTypeInteger, Required: true, Unique: true},
		{SourceIndex: 2, TargetField: "price", Type: domain.FieldTypeFloat},
	})
	template.DuplicatePolicy = domain.DuplicatePolicySkipDuplicates
	return template
}

type fixture struct {
	service   *Service
	templates *memTemplateRepo
	sessions  *memSessionRepo
	records   *memRecordRepo
	errors    *memErrorRepo
}

func newFixture(template domain.Template, opts ...Option) *fixture {
	templates := newMemTemplateRepo(template)
	sessions := newMemSessionRepo()
	records := newMemRecordRepo()
	errorRepo := &memErrorRepo{}

	opts = append([]Option{WithBatchSize(2)}, opts...)
	service := NewService(templates, sessions, records, errorRepo, NewHub(), opts...)
	return &fixture{
		service:   service,
		templates: templates,
		sessions:  sessions,
		records:   records,
		errors:    errorRepo,
	}
}

func startSync(t *testing.T, f *fixture, template domain.Template, payload string, validateOnly bool) domain.ImportSession {
	t.Helper()
	session, err := f.service.Start(context.Background(), StartRequest{
		TemplateID:   template.ID,
		FileName:     "data.csv",
		Payload:      []byte(payload),
		Metadata:     domain.FileMetadata{Format: domain.FileFormatCSV, Encoding: "UTF-8", Delimiter: ',', HasHeader: true},
		ValidateOnly: validateOnly,
		Synchronous:  true,
	})
	if err != nil {
		t.Fatalf("start returned error: %v", err)
	}
	return session
}

func TestImportRunMixedOutcome(t *testing.T) {
	template := productTemplate()
	f := newFixture(template)

	// Row 1 is valid, row 2 repeats the unique id, row 3 fails coercion.
	payload := "id,price\n1,9.99\n1,5.00\nx,3.00\n"
	session := startSync(t, f, template, payload, false)

	if session.Status != domain.SessionStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%v)", session.Status, session.ErrorMessage)
	}
	if session.TotalRows != 3 {
		t.Fatalf("expected total 3, got %d", session.TotalRows)
	}
	if session.SuccessRows != 1 || session.DuplicateRows != 1 || session.ErrorRows != 1 {
		t.Fatalf("unexpected counters: %+v", session)
	}
	if session.ProcessedRows != session.SuccessRows+session.ErrorRows+session.DuplicateRows {
		t.Fatalf("counter invariant broken: %+v", session)
	}

	stored := f.records.stored()
	if len(stored) != 1 {
		t.Fatalf("expected exactly 1 persisted record, got %d", len(stored))
	}
	if stored[0].DuplicateKey != "1" || stored[0].Fields["price"] != 9.99 {
		t.Fatalf("unexpected record: %+v", stored[0])
	}

	recorded := f.errors.recorded()
	if len(recorded) != 1 {
		t.Fatalf("expected 1 recorded error, got %d", len(recorded))
	}
	if recorded[0].Kind != domain.ErrorKindTypeCoercion || recorded[0].RowNumber != 4 {
		t.Fatalf("unexpected error record: %+v", recorded[0])
	}

	history := f.sessions.history(session.ID)
	want := []domain.SessionStatus{
		domain.SessionStatusInitializing,
		domain.SessionStatusAnalyzing,
		domain.SessionStatusProcessing,
		domain.SessionStatusCompleting,
		domain.SessionStatusCompleted,
	}
	if len(history) != len(want) {
		t.Fatalf("unexpected status history: %v", history)
	}
	for i := range want {
		if history[i] != want[i] {
			t.Fatalf("unexpected status history: %v", history)
		}
	}
}

func TestImportRunValidateOnlyPersistsNothing(t *testing.T) {
	template := productTemplate()
	f := newFixture(template)

	payload := "id,price\n1,9.99\n2,5.00\nx,3.00\n"
	session := startSync(t, f, template, payload, true)

	if session.Status != domain.SessionStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", session.Status)
	}
	if session.SuccessRows != 2 || session.ErrorRows != 1 {
		t.Fatalf("dry run must still track counters: %+v", session)
	}
	if len(f.records.stored()) != 0 {
		t.Fatalf("dry run must not persist records")
	}
	if len(f.errors.recorded()) != 1 {
		t.Fatalf("dry run must still record errors")
	}

	history := f.sessions.history(session.ID)
	sawValidating := false
	for _, status := range history {
		if status == domain.SessionStatusValidating {
			sawValidating = true
		}
		if status == domain.SessionStatusProcessing {
			t.Fatalf("dry run must not enter PROCESSING: %v", history)
		}
	}
	if !sawValidating {
		t.Fatalf("dry run must pass through VALIDATING: %v", history)
	}
}

func TestImportRunStopOnErrorFailsSession(t *testing.T) {
	template := productTemplate()
	template.ErrorPolicy = domain.ErrorPolicyStop
	f := newFixture(template)

	payload := "id,price\nx,9.99\n2,5.00\n"
	session := startSync(t, f, template, payload, false)

	if session.Status != domain.SessionStatusFailed {
		t.Fatalf("expected FAILED, got %s", session.Status)
	}
	if session.ErrorMessage == nil || !strings.Contains(*session.ErrorMessage, "row 2") {
		t.Fatalf("expected failure message naming the row, got %v", session.ErrorMessage)
	}
	if session.ErrorRows != 1 || session.ProcessedRows != 1 {
		t.Fatalf("failing row must still be counted: %+v", session)
	}
	if len(f.errors.recorded()) != 1 {
		t.Fatalf("expected the failure to be recorded")
	}
}

func TestImportRunAllRowsFailedFailsSession(t *testing.T) {
	template := productTemplate()
	f := newFixture(template)

	payload := "id,price\nx,1\ny,2\n"
	session := startSync(t, f, template, payload, false)

	if session.Status != domain.SessionStatusFailed {
		t.Fatalf("expected FAILED when no row succeeded, got %s", session.Status)
	}
	if session.ErrorMessage == nil || !strings.Contains(*session.ErrorMessage, "no rows imported") {
		t.Fatalf("unexpected error message: %v", session.ErrorMessage)
	}
	if session.ErrorRows != 2 {
		t.Fatalf("expected 2 error rows, got %d", session.ErrorRows)
	}
}

func TestImportRunEmptyFileCompletes(t *testing.T) {
	template := productTemplate()
	f := newFixture(template)

	session := startSync(t, f, template, "id,price\n", false)

	if session.Status != domain.SessionStatusCompleted {
		t.Fatalf("expected COMPLETED for empty file, got %s", session.Status)
	}
	if session.TotalRows != 0 || session.ProcessedRows != 0 {
		t.Fatalf("unexpected counters: %+v", session)
	}
}

func TestImportRunPersistenceFailureIsFatal(t *testing.T) {
	template := productTemplate()
	f := newFixture(template)
	f.records.batchErr = errors.New("connection reset")

	payload := "id,price\n1,9.99\n"
	session := startSync(t, f, template, payload, false)

	if session.Status != domain.SessionStatusFailed {
		t.Fatalf("expected FAILED, got %s", session.Status)
	}

	recorded := f.errors.recorded()
	if len(recorded) != 1 || recorded[0].Kind != domain.ErrorKindPersistence {
		t.Fatalf("expected a persistence error record, got %+v", recorded)
	}
}

func TestImportRunDemotesBackstopDuplicates(t *testing.T) {
	template := productTemplate()
	f := newFixture(template)
	// A concurrent writer owns key "2": the pre-check misses it, the insert
	// trips the uniqueness backstop.
	f.records.hiddenKey = "2"

	payload := "id,price\n1,9.99\n2,5.00\n"
	session := startSync(t, f, template, payload, false)

	if session.Status != domain.SessionStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%v)", session.Status, session.ErrorMessage)
	}
	if session.SuccessRows != 1 || session.ErrorRows != 1 || session.DuplicateRows != 0 {
		t.Fatalf("expected the raced row to be demoted to an error: %+v", session)
	}

	recorded := f.errors.recorded()
	if len(recorded) != 1 || recorded[0].Kind != domain.ErrorKindDuplicate {
		t.Fatalf("expected a duplicate error record, got %+v", recorded)
	}
	if recorded[0].RowNumber != 3 {
		t.Fatalf("expected row 3, got %d", recorded[0].RowNumber)
	}
}

func TestImportRunAllowAllKeepsDuplicateRows(t *testing.T) {
	template := productTemplate()
	template.DuplicatePolicy = domain.DuplicatePolicyAllowAll
	for i := range template.Mappings {
		template.Mappings[i].Unique = false
	}
	f := newFixture(template)

	payload := "id,price\n1,9.99\n1,5.00\n"
	session := startSync(t, f, template, payload, false)

	if session.Status != domain.SessionStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", session.Status)
	}
	if session.SuccessRows != 2 || session.DuplicateRows != 0 {
		t.Fatalf("ALLOW_ALL must keep repeated rows: %+v", session)
	}
	if len(f.records.stored()) != 2 {
		t.Fatalf("expected both rows persisted, got %d", len(f.records.stored()))
	}
}

func TestStartRejectsUnknownTemplate(t *testing.T) {
	f := newFixture(productTemplate())

	_, err := f.service.Start(context.Background(), StartRequest{
		TemplateID:  uuid.New(),
		FileName:    "data.csv",
		Payload:     []byte("id\n1\n"),
		Metadata:    domain.FileMetadata{Format: domain.FileFormatCSV, Delimiter: ',', HasHeader: true},
		Synchronous: true,
	})
	if !errors.Is(err, repository.ErrTemplateNotFound) {
		t.Fatalf("expected template not found, got %v", err)
	}
}

func TestStartRejectsEmptyPayload(t *testing.T) {
	template := productTemplate()
	f := newFixture(template)

	_, err := f.service.Start(context.Background(), StartRequest{
		TemplateID: template.ID,
		FileName:   "data.csv",
	})
	if !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected empty payload error, got %v", err)
	}
}

func TestCancelRejectsTerminalSession(t *testing.T) {
	template := productTemplate()
	f := newFixture(template)

	session := startSync(t, f, template, "id,price\n1,9.99\n", false)
	if session.Status != domain.SessionStatusCompleted {
		t.Fatalf("setup: expected COMPLETED, got %s", session.Status)
	}

	err := f.service.Cancel(context.Background(), session.ID)
	if !errors.Is(err, ErrSessionNotCancellable) {
		t.Fatalf("expected not cancellable, got %v", err)
	}
}

func TestCancelQueuedSessionBeforeProcessing(t *testing.T) {
	template := productTemplate()
	pool := NewWorkerPool(1, 4)
	f := newFixture(template, WithWorkerPool(pool))

	// Occupy the only worker so the import stays queued.
	blocker := make(chan struct{})
	pool.Submit(func() { <-blocker })

	session, err := f.service.Start(context.Background(), StartRequest{
		TemplateID: template.ID,
		FileName:   "data.csv",
		Payload:    []byte("id,price\n1,9.99\n2,5.00\n"),
		Metadata:   domain.FileMetadata{Format: domain.FileFormatCSV, Encoding: "UTF-8", Delimiter: ',', HasHeader: true},
	})
	if err != nil {
		t.Fatalf("start returned error: %v", err)
	}

	if err := f.service.Cancel(context.Background(), session.ID); err != nil {
		t.Fatalf("cancel returned error: %v", err)
	}
	close(blocker)

	final := waitForTerminal(t, f.sessions, session.ID)
	if final.Status != domain.SessionStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", final.Status)
	}
	if !final.IsCancelled {
		t.Fatalf("expected cancellation flag to be set")
	}
	if final.ErrorMessage != nil {
		t.Fatalf("cancellation must not set an error message")
	}
	if final.ProcessedRows != 0 || len(f.records.stored()) != 0 {
		t.Fatalf("cancel before processing must not touch rows: %+v", final)
	}
}

func TestCancelMidRunStopsFurtherBatches(t *testing.T) {
	template := productTemplate()
	f := newFixture(template)
	// Flag the session while the first batch is persisting, as a concurrent
	// cancel request would.
	f.records.onCreateBatch = func(records []domain.ImportRecord) {
		f.service.cancels.Request(records[0].SessionID)
	}

	payload := "id,price\n1,1.00\n2,2.00\n3,3.00\n4,4.00\n"
	session := startSync(t, f, template, payload, false)

	if session.Status != domain.SessionStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", session.Status)
	}
	if !session.IsCancelled {
		t.Fatalf("expected cancellation flag to be set")
	}
	if session.ErrorMessage != nil {
		t.Fatalf("cancellation must not set an error message, got %q", *session.ErrorMessage)
	}
	// The in-flight batch commits; nothing after it does.
	if calls := f.records.batchCount(); calls != 1 {
		t.Fatalf("expected exactly 1 batch commit, got %d", calls)
	}
	if stored := f.records.stored(); len(stored) != 2 {
		t.Fatalf("expected 2 persisted records, got %d", len(stored))
	}
	if session.ProcessedRows != 2 || session.SuccessRows != 2 {
		t.Fatalf("unexpected counters after mid-run cancel: %+v", session)
	}
}

func TestCheckpointOncePerBatch(t *testing.T) {
	template := productTemplate()
	f := newFixture(template) // batch size 2

	// 5 rows at capacity 2: batches of 2, 2 and 1.
	payload := "id,price\n1,1\n2,2\n3,3\n4,4\n5,5\n"
	session := startSync(t, f, template, payload, false)

	if session.Status != domain.SessionStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", session.Status)
	}
	if session.TotalRows != 5 || session.ProcessedRows != 5 {
		t.Fatalf("unexpected counters: %+v", session)
	}
	if checkpoints := f.sessions.checkpoints(); checkpoints != 3 {
		t.Fatalf("expected 3 counter checkpoints for 5 rows at batch size 2, got %d", checkpoints)
	}
}

func waitForTerminal(t *testing.T, sessions *memSessionRepo, id uuid.UUID) domain.ImportSession {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		session, err := sessions.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if session.Status.IsTerminal() {
			return session
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached a terminal status", id)
	return domain.ImportSession{}
}
