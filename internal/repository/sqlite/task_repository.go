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

const createTaskHistoryTable = `
CREATE TABLE IF NOT EXISTS task_history (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	kind TEXT NOT NULL,
	source TEXT NOT NULL,
	status TEXT NOT NULL,
	current_item TEXT NOT NULL DEFAULT '',
	total_items INTEGER NOT NULL DEFAULT 0,
	completed_items INTEGER NOT NULL DEFAULT 0,
	bytes_downloaded INTEGER NOT NULL DEFAULT 0,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	overall_progress REAL NOT NULL DEFAULT 0,
	download_task_id TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_task_history_started ON task_history(started_at);
`

const selectTaskHistory = `
SELECT id, type, kind, source, status, current_item, total_items, completed_items, bytes_downloaded, total_bytes, error_message, overall_progress, download_task_id, started_at, updated_at, completed_at
FROM task_history`

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) repository.TaskHistoryRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTaskHistoryTable); err != nil {
		return fmt.Errorf("create task_history table: %w", err)
	}
	return nil
}

// Record stores a finished task, replacing any earlier row with the same id.
func (r *TaskRepository) Record(ctx context.Context, task domain.Task) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_history (id, type, kind, source, status, current_item, total_items, completed_items, bytes_downloaded, total_bytes, error_message, overall_progress, download_task_id, started_at, updated_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status=excluded.status,
	current_item=excluded.current_item,
	total_items=excluded.total_items,
	completed_items=excluded.completed_items,
	bytes_downloaded=excluded.bytes_downloaded,
	total_bytes=excluded.total_bytes,
	error_message=excluded.error_message,
	overall_progress=excluded.overall_progress,
	updated_at=excluded.updated_at,
	completed_at=excluded.completed_at`,
		task.ID,
		string(task.Type),
		string(task.Kind),
		task.Source,
		string(task.Status),
		task.CurrentItem,
		task.TotalItems,
		task.CompletedItems,
		task.BytesDownloaded,
		task.TotalBytes,
		task.ErrorMessage,
		task.OverallProgress,
		task.DownloadTaskID,
		task.StartedAt.UTC(),
		task.UpdatedAt.UTC(),
		nullTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("record task: %w", err)
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, selectTaskHistory+` WHERE id=?`, id)
	return scanTask(row)
}

// List returns the most recently started tasks first. limit <= 0 means all.
func (r *TaskRepository) List(ctx context.Context, limit int) ([]domain.Task, error) {
	query := selectTaskHistory + ` ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task history: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func (r *TaskRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM task_history WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete task history: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("task history rows affected: %w", err)
	}
	return aff, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*domain.Task, error) {
	var (
		task                 domain.Task
		typ, kind, status    string
		startedAt, updatedAt time.Time
		completedAt          sql.NullTime
	)

	if err := scanner.Scan(
		&task.ID,
		&typ,
		&kind,
		&task.Source,
		&status,
		&task.CurrentItem,
		&task.TotalItems,
		&task.CompletedItems,
		&task.BytesDownloaded,
		&task.TotalBytes,
		&task.ErrorMessage,
		&task.OverallProgress,
		&task.DownloadTaskID,
		&startedAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task: %w", repository.ErrNotFound)
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.Type = domain.TaskType(typ)
	task.Kind = domain.Kind(kind)
	task.Status = domain.TaskStatus(status)
	task.StartedAt = startedAt.UTC()
	task.UpdatedAt = updatedAt.UTC()
	task.CompletedAt = timePtr(completedAt)
	return &task, nil
}
