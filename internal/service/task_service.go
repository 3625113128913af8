package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"iptv-ingest/internal/domain"
	"iptv-ingest/internal/repository"
	"iptv-ingest/internal/tasks"
)

// ErrTaskNotFound indicates that neither the live registries nor the history
// know the id.
var ErrTaskNotFound = errors.New("task not found")

// TaskService persists finished tasks and answers lookups that outlive the
// in-memory registries.
type TaskService interface {
	Record(ctx context.Context, task domain.Task) error
	Lookup(ctx context.Context, id string) (*domain.Task, error)
	History(ctx context.Context, limit int) ([]domain.Task, error)
	Prune(ctx context.Context, retention time.Duration) (int, int64, error)
}

type taskService struct {
	history repository.TaskHistoryRepository
	coord   *tasks.Coordinator
	logger  *logrus.Logger
}

func NewTaskService(history repository.TaskHistoryRepository, coord *tasks.Coordinator, logger *logrus.Logger) TaskService {
	if logger == nil {
		logger = logrus.New()
	}
	return &taskService{
		history: history,
		coord:   coord,
		logger:  logger,
	}
}

func (s *taskService) Record(ctx context.Context, task domain.Task) error {
	if !task.Status.IsTerminal() {
		return fmt.Errorf("record task %s: status %s is not terminal", task.ID, task.Status)
	}
	if err := s.history.Record(ctx, task); err != nil {
		return fmt.Errorf("record task %s: %w", task.ID, err)
	}
	return nil
}

// Lookup prefers the live registries and falls back to the history table.
func (s *taskService) Lookup(ctx context.Context, id string) (*domain.Task, error) {
	if task, ok := s.coord.Find(id); ok {
		return &task, nil
	}
	task, err := s.history.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *taskService) History(ctx context.Context, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.history.List(ctx, limit)
}

// Prune drops finished tasks older than retention from memory and from the
// history table.
func (s *taskService) Prune(ctx context.Context, retention time.Duration) (int, int64, error) {
	live := s.coord.Prune(retention)
	stored, err := s.history.DeleteBefore(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return live, 0, fmt.Errorf("prune task history: %w", err)
	}
	if live > 0 || stored > 0 {
		s.logger.Infof("pruned %d live tasks and %d history rows", live, stored)
	}
	return live, stored, nil
}
