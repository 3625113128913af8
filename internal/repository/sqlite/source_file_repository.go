package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"iptv-ingest/internal/domain"
)

const createSourceFilesTable = `
CREATE TABLE IF NOT EXISTS source_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_name TEXT NOT NULL,
	kind TEXT NOT NULL,
	remote_url TEXT NOT NULL,
	last_refresh_started DATETIME NULL,
	last_refresh_finished DATETIME NULL,
	last_status TEXT NOT NULL DEFAULT '',
	last_size_bytes INTEGER NOT NULL DEFAULT 0,
	local_path TEXT NOT NULL DEFAULT '',
	FOREIGN KEY(source_name) REFERENCES sources(name) ON DELETE CASCADE,
	UNIQUE(source_name, kind)
);
CREATE INDEX IF NOT EXISTS idx_source_files_source ON source_files(source_name);
`

// sourceFiles manages per-kind file metadata rows of the source registry.
type sourceFiles struct {
	db *sql.DB
}

func (r *sourceFiles) init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createSourceFilesTable); err != nil {
		return fmt.Errorf("create source_files table: %w", err)
	}
	return r.ensureColumns(ctx)
}

// ensureColumns adds the record total columns when an existing source_files
// table lacks them. CREATE TABLE IF NOT EXISTS leaves such a table untouched.
func (r *sourceFiles) ensureColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(source_files)`)
	if err != nil {
		return fmt.Errorf("describe source_files table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}

	addColumn := func(name, statement string) error {
		if _, exists := columns[name]; exists {
			return nil
		}
		if _, err := r.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
		return nil
	}

	if err := addColumn("total_channels", `ALTER TABLE source_files ADD COLUMN total_channels INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	if err := addColumn("total_programs", `ALTER TABLE source_files ADD COLUMN total_programs INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	return nil
}

func (r *sourceFiles) replaceForSource(ctx context.Context, tx *sql.Tx, name string, files map[domain.Kind]domain.FileMetadata) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM source_files WHERE source_name=?`, name); err != nil {
		return fmt.Errorf("delete source files: %w", err)
	}

	for _, kind := range domain.Kinds() {
		meta, ok := files[kind]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO source_files (source_name, kind, remote_url, last_refresh_started, last_refresh_finished, last_status, last_size_bytes, local_path, total_channels, total_programs)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			name,
			string(kind),
			meta.RemoteURL,
			nullTime(meta.LastRefreshStarted),
			nullTime(meta.LastRefreshFinished),
			string(meta.LastStatus),
			meta.LastSizeBytes,
			meta.LocalPath,
			meta.TotalRecords.Channels,
			meta.TotalRecords.Programs,
		); err != nil {
			return fmt.Errorf("insert source file: %w", err)
		}
	}
	return nil
}

const selectSourceFiles = `
SELECT source_name, kind, remote_url, last_refresh_started, last_refresh_finished, last_status, last_size_bytes, local_path, total_channels, total_programs
FROM source_files`

func (r *sourceFiles) listBySource(ctx context.Context, name string) (map[domain.Kind]domain.FileMetadata, error) {
	all, err := r.query(ctx, selectSourceFiles+` WHERE source_name=? ORDER BY id ASC`, name)
	if err != nil {
		return nil, err
	}
	return all[name], nil
}

func (r *sourceFiles) listAll(ctx context.Context) (map[string]map[domain.Kind]domain.FileMetadata, error) {
	return r.query(ctx, selectSourceFiles+` ORDER BY id ASC`)
}

func (r *sourceFiles) query(ctx context.Context, query string, args ...any) (map[string]map[domain.Kind]domain.FileMetadata, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query source files: %w", err)
	}
	defer rows.Close()

	out := map[string]map[domain.Kind]domain.FileMetadata{}
	for rows.Next() {
		var (
			name, kind, status string
			meta               domain.FileMetadata
			started, finished  sql.NullTime
		)
		if err := rows.Scan(
			&name,
			&kind,
			&meta.RemoteURL,
			&started,
			&finished,
			&status,
			&meta.LastSizeBytes,
			&meta.LocalPath,
			&meta.TotalRecords.Channels,
			&meta.TotalRecords.Programs,
		); err != nil {
			return nil, fmt.Errorf("scan source file: %w", err)
		}
		meta.LastStatus = domain.RefreshStatus(status)
		meta.LastRefreshStarted = timePtr(started)
		meta.LastRefreshFinished = timePtr(finished)
		if out[name] == nil {
			out[name] = map[domain.Kind]domain.FileMetadata{}
		}
		out[name][domain.Kind(kind)] = meta
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
