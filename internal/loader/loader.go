// Package loader writes parsed records into the canonical store in committed
// batches, reporting one LoadResult per attempted write.
package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"iptv-ingest/internal/domain"
	"iptv-ingest/internal/store"
)

// ErrCancelled is returned when the task was cancelled mid-load. Batches
// committed before the checkpoint stay committed.
var ErrCancelled = errors.New("load cancelled")

// BatchRecordID marks a result that describes a whole batch.
const BatchRecordID = "BATCH"

const defaultBatchSize = 200

type Transactor interface {
	WithinTx(ctx context.Context, fn func(store.Tx) error) error
}

type Canceller interface {
	IsCancelled(id string) bool
}

type Options struct {
	TaskID    string
	BatchSize int
	// OnResult receives results in record order once their batch committed.
	OnResult func(domain.LoadResult)
}

type Summary struct {
	Upserted int
	Skipped  int
	Errors   int
	Batches  int
}

func (s Summary) Total() int { return s.Upserted + s.Skipped + s.Errors }

func (s *Summary) add(r domain.LoadResult) {
	switch r.Outcome {
	case domain.OutcomeUpserted:
		s.Upserted++
	case domain.OutcomeSkipped:
		s.Skipped++
	default:
		s.Errors++
	}
}

type Loader struct {
	store     Transactor
	canceller Canceller
	logger    *logrus.Logger
}

// New builds a loader. canceller may be nil when loads are never cancelled.
func New(store Transactor, canceller Canceller, logger *logrus.Logger) *Loader {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loader{store: store, canceller: canceller, logger: logger}
}

// Load upserts records batch by batch. A record-level failure is reported and
// the batch continues; a failure to begin or commit a batch aborts the load.
func (l *Loader) Load(ctx context.Context, records []Record, opts Options) (Summary, error) {
	size := opts.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	logger := l.logger.WithField("task_id", opts.TaskID)

	var summary Summary
	emit := func(r domain.LoadResult) {
		summary.add(r)
		if opts.OnResult != nil {
			opts.OnResult(r)
		}
	}

	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))

		var (
			results   []domain.LoadResult
			cancelled bool
		)
		err := l.store.WithinTx(ctx, func(tx store.Tx) error {
			for _, rec := range records[start:end] {
				if err := ctx.Err(); err != nil {
					return err
				}
				if l.isCancelled(opts.TaskID) {
					cancelled = true
					return nil
				}
				results = append(results, upsert(ctx, tx, rec))
			}
			return nil
		})
		if err != nil {
			emit(domain.LoadResult{
				RecordType: records[start].RecordType(),
				RecordID:   BatchRecordID,
				Outcome:    domain.OutcomeError,
				Message:    err.Error(),
			})
			return summary, fmt.Errorf("load batch %d-%d: %w", start, end, err)
		}

		summary.Batches++
		for _, r := range results {
			emit(r)
		}
		if cancelled {
			logger.Infof("load cancelled after %d records", summary.Total())
			return summary, ErrCancelled
		}
		logger.Debugf("committed batch %d-%d", start, end)
	}
	return summary, nil
}

func (l *Loader) isCancelled(taskID string) bool {
	return l.canceller != nil && taskID != "" && l.canceller.IsCancelled(taskID)
}

func upsert(ctx context.Context, tx store.Tx, rec Record) domain.LoadResult {
	result := domain.LoadResult{RecordType: rec.RecordType(), RecordID: rec.RecordID()}
	changed, err := tx.Upsert(ctx, rec.Table(), rec.Keys(), rec.Row())
	switch {
	case err != nil:
		result.Outcome = domain.OutcomeError
		result.Message = err.Error()
	case changed:
		result.Outcome = domain.OutcomeUpserted
	default:
		result.Outcome = domain.OutcomeSkipped
	}
	return result
}
