package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"iptv-ingest/internal/domain"
	"iptv-ingest/internal/repository"
)

const createSourcesTable = `
CREATE TABLE IF NOT EXISTS sources (
	name TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL DEFAULT 1,
	refresh_every_hours INTEGER NOT NULL DEFAULT 0,
	timezone TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

type SourceRepository struct {
	db    *sql.DB
	files *sourceFiles
}

func NewSourceRepository(db *sql.DB) repository.SourceRepository {
	return &SourceRepository{db: db, files: &sourceFiles{db: db}}
}

func (r *SourceRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createSourcesTable); err != nil {
		return fmt.Errorf("create sources table: %w", err)
	}
	return r.files.init(ctx)
}

func (r *SourceRepository) List(ctx context.Context) ([]domain.Source, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT name, enabled, refresh_every_hours, timezone, created_at, updated_at
FROM sources
ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	var sources []domain.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sources = append(sources, *src)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}

	files, err := r.files.listAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sources {
		sources[i].Files = files[sources[i].Name]
	}
	return sources, nil
}

func (r *SourceRepository) Get(ctx context.Context, name string) (*domain.Source, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT name, enabled, refresh_every_hours, timezone, created_at, updated_at
FROM sources
WHERE name=?`, name)
	src, err := scanSource(row)
	if err != nil {
		return nil, err
	}
	files, err := r.files.listBySource(ctx, name)
	if err != nil {
		return nil, err
	}
	src.Files = files
	return src, nil
}

func (r *SourceRepository) Save(ctx context.Context, sources ...domain.Source) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, src := range sources {
		if src.Name == "" {
			return errors.New("save source: empty name")
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO sources (name, enabled, refresh_every_hours, timezone, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	enabled=excluded.enabled,
	refresh_every_hours=excluded.refresh_every_hours,
	timezone=excluded.timezone,
	updated_at=excluded.updated_at`,
			src.Name,
			src.Enabled,
			src.RefreshEveryHours,
			src.Timezone,
			now,
			now,
		); err != nil {
			return fmt.Errorf("upsert source %s: %w", src.Name, err)
		}
		if err := r.files.replaceForSource(ctx, tx, src.Name, src.Files); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sources: %w", err)
	}
	return nil
}

func scanSource(scanner interface {
	Scan(dest ...any) error
}) (*domain.Source, error) {
	var (
		src       domain.Source
		createdAt time.Time
		updatedAt time.Time
	)
	if err := scanner.Scan(
		&src.Name,
		&src.Enabled,
		&src.RefreshEveryHours,
		&src.Timezone,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("source: %w", repository.ErrNotFound)
		}
		return nil, fmt.Errorf("scan source: %w", err)
	}
	src.CreatedAt = createdAt.UTC()
	src.UpdatedAt = updatedAt.UTC()
	return &src, nil
}
