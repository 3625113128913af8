package repository

import (
	"context"
	"errors"
	"time"

	"iptv-ingest/internal/domain"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// SourceRepository persists the source registry.
type SourceRepository interface {
	Init(ctx context.Context) error
	List(ctx context.Context) ([]domain.Source, error)
	Get(ctx context.Context, name string) (*domain.Source, error)
	// Save writes the given sources and their file metadata in one
	// transaction. Sources missing from the call are left untouched.
	Save(ctx context.Context, sources ...domain.Source) error
}

// TaskHistoryRepository keeps finished tasks after the coordinator prunes them.
type TaskHistoryRepository interface {
	Init(ctx context.Context) error
	Record(ctx context.Context, task domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context, limit int) ([]domain.Task, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
