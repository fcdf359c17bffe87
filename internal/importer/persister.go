package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dimon1976/zoomos-v4-sub001/internal/domain"
	"github.com/dimon1976/zoomos-v4-sub001/internal/repository"
)

// PersistResult reports how a batch landed in the store.
type PersistResult struct {
	Persisted int
	// Duplicates holds rows the store rejected on its uniqueness backstop
	// despite the duplicate check (race with another writer). They are
	// demoted to DUPLICATE_ERROR records by the caller.
	Duplicates []domain.ImportRecord
}

// BatchPersister writes accepted records in fixed-size atomic batches.
type BatchPersister struct {
	records repository.RecordRepository
}

// NewBatchPersister creates a persister over the record store.
func NewBatchPersister(records repository.RecordRepository) *BatchPersister {
	return &BatchPersister{records: records}
}

// Persist writes the batch as one atomic operation. When the bulk insert
// trips the store's uniqueness constraint the batch is retried row by row so
// only the offending rows are lost; any other failure is a batch-level
// persistence error.
func (p *BatchPersister) Persist(ctx context.Context, batch []domain.ImportRecord) (PersistResult, error) {
	result := PersistResult{}
	if len(batch) == 0 {
		return result, nil
	}

	count, err := p.records.CreateBatch(ctx, batch)
	if err == nil {
		result.Persisted = count
		return result, nil
	}
	if !errors.Is(err, repository.ErrDuplicateKey) {
		return result, fmt.Errorf("persist batch: %w", err)
	}

	// Bulk insert lost a race on the uniqueness backstop; retry per row.
	for _, record := range batch {
		if rowErr := p.records.CreateOne(ctx, record); rowErr != nil {
			if errors.Is(rowErr, repository.ErrDuplicateKey) {
				result.Duplicates = append(result.Duplicates, record)
				continue
			}
			return result, fmt.Errorf("persist row %d: %w", record.RowNumber, rowErr)
		}
		result.Persisted++
	}
	return result, nil
}
