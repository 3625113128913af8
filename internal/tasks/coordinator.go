// Package tasks tracks in-flight download and ingest operations.
//
// A Coordinator owns two registries keyed by task id plus a shared
// cancellation set. Stages never hold a task; they report progress and
// observe cancellation through the Coordinator by id. Every mutation happens
// under the registry lock, so concurrent stages cannot lose updates.
package tasks

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"iptv-ingest/internal/domain"
)

var (
	// ErrTaskNotFound is returned when no registry holds the given id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned by Start when the task is not pending.
	ErrInvalidTransition = errors.New("invalid task transition")
)

const idTimeLayout = "20060102T150405.000000000"

// Coordinator is safe for concurrent use. Construct one per process (or per test).
type Coordinator struct {
	mu         sync.RWMutex
	registries map[domain.TaskType]map[string]*domain.Task
	cancelled  map[string]struct{}
	hooks      []func(domain.Task)
	now        func() time.Time
	logger     *logrus.Logger
}

func NewCoordinator(logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		registries: map[domain.TaskType]map[string]*domain.Task{
			domain.TaskTypeDownload: {},
			domain.TaskTypeIngest:   {},
		},
		cancelled: make(map[string]struct{}),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// OnFinish registers a hook called with a snapshot of every task reaching a
// terminal status. Hooks run outside the registry lock.
func (c *Coordinator) OnFinish(fn func(domain.Task)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Create registers a pending task and returns a snapshot of it.
func (c *Coordinator) Create(typ domain.TaskType, kind domain.Kind, source string) domain.Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	base := fmt.Sprintf("%s_%s_%s_%s", typ, kind, source, now.Format(idTimeLayout))
	id := base
	for n := 2; c.lookup(id) != nil; n++ {
		id = fmt.Sprintf("%s_%d", base, n)
	}

	task := &domain.Task{
		ID:        id,
		Type:      typ,
		Kind:      kind,
		Source:    source,
		Status:    domain.TaskStatusPending,
		StartedAt: now,
		UpdatedAt: now,
	}
	c.registries[typ][id] = task
	return snapshot(task)
}

// Start moves a pending task to its running status.
func (c *Coordinator) Start(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task := c.lookup(id)
	if task == nil {
		return ErrTaskNotFound
	}
	if task.Status != domain.TaskStatusPending {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, task.Status)
	}
	task.Status = task.Type.RunningStatus()
	task.UpdatedAt = c.now()
	return nil
}

// Update merges changes into a live task. It is a no-op (returning false) when
// the task is unknown or already terminal. Identity, status and timestamps are
// owned by the state machine and cannot be changed here, and progress counters
// never move backwards.
func (c *Coordinator) Update(id string, fn func(t *domain.Task)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	task := c.lookup(id)
	if task == nil || task.Status.IsTerminal() {
		return false
	}
	prev := *task
	fn(task)

	task.ID, task.Type, task.Status = prev.ID, prev.Type, prev.Status
	task.StartedAt, task.CompletedAt = prev.StartedAt, prev.CompletedAt
	if task.BytesDownloaded < prev.BytesDownloaded {
		task.BytesDownloaded = prev.BytesDownloaded
	}
	if task.CompletedItems < prev.CompletedItems {
		task.CompletedItems = prev.CompletedItems
	}
	task.OverallProgress = domain.OverallProgress(task.CurrentStep, task.StepProgress)
	task.UpdatedAt = c.now()
	return true
}

// SetStep advances an ingest task to the given step and resets its step progress.
// Steps only move forward.
func (c *Coordinator) SetStep(id string, step domain.Step) bool {
	return c.Update(id, func(t *domain.Task) {
		if step <= t.CurrentStep {
			return
		}
		t.CurrentStep = step
		t.StepProgress = 0
		t.Phase = step.String()
	})
}

// SetStepProgress records the percentage of the current step.
func (c *Coordinator) SetStepProgress(id string, pct float64) bool {
	return c.Update(id, func(t *domain.Task) {
		if pct > 100 {
			pct = 100
		}
		if pct > t.StepProgress {
			t.StepProgress = pct
		}
	})
}

// Cancel requests cooperative cancellation. Only running tasks accept it; the
// owning stage finalizes the task at its next checkpoint. Cancelling an ingest
// also cancels the download it is waiting on.
func (c *Coordinator) Cancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	task := c.lookup(id)
	if task == nil || !task.Status.IsRunning() {
		return false
	}
	c.requestCancel(task)
	if task.DownloadTaskID != "" {
		if child := c.lookup(task.DownloadTaskID); child != nil && child.Status.IsRunning() {
			c.requestCancel(child)
		}
	}
	c.logger.WithField("task_id", id).Info("cancellation requested")
	return true
}

func (c *Coordinator) requestCancel(task *domain.Task) {
	c.cancelled[task.ID] = struct{}{}
	task.Status = domain.TaskStatusCancelling
	task.UpdatedAt = c.now()
}

// IsCancelled is the checkpoint stages poll between chunks and records.
func (c *Coordinator) IsCancelled(id string) bool {
	c.mu.RLock()
	_, ok := c.cancelled[id]
	c.mu.RUnlock()
	return ok
}

// Complete finalizes a task successfully with a summary message. A task whose
// cancellation was accepted ends cancelled even when its stage ran to the end.
func (c *Coordinator) Complete(id, message string) bool {
	return c.finish(id, domain.TaskStatusCompleted, func(t *domain.Task) {
		t.CurrentItem = message
		if t.Type == domain.TaskTypeIngest {
			t.CurrentStep = domain.StepLoad
			t.StepProgress = 100
		}
	})
}

// Fail finalizes a task with the causing error.
func (c *Coordinator) Fail(id string, cause error) bool {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return c.finish(id, domain.TaskStatusFailed, func(t *domain.Task) {
		t.ErrorMessage = msg
	})
}

// MarkCancelled is called by the stage that observed a cancellation.
func (c *Coordinator) MarkCancelled(id, message string) bool {
	return c.finish(id, domain.TaskStatusCancelled, func(t *domain.Task) {
		t.ErrorMessage = message
	})
}

func (c *Coordinator) finish(id string, status domain.TaskStatus, fn func(t *domain.Task)) bool {
	c.mu.Lock()
	task := c.lookup(id)
	if task == nil || task.Status.IsTerminal() {
		c.mu.Unlock()
		return false
	}
	fn(task)
	if status == domain.TaskStatusCompleted && task.Status == domain.TaskStatusCancelling {
		status = domain.TaskStatusCancelled
		if task.ErrorMessage == "" {
			task.ErrorMessage = "cancelled by user"
		}
	}
	now := c.now()
	if now.Before(task.StartedAt) {
		now = task.StartedAt
	}
	task.Status = status
	task.CompletedAt = &now
	task.UpdatedAt = now
	task.OverallProgress = domain.OverallProgress(task.CurrentStep, task.StepProgress)
	delete(c.cancelled, id)

	snap := snapshot(task)
	hooks := append([]func(domain.Task){}, c.hooks...)
	c.mu.Unlock()

	for _, hook := range hooks {
		hook(snap)
	}
	return true
}

// Get returns a snapshot of a task from the given registry.
func (c *Coordinator) Get(typ domain.TaskType, id string) (domain.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	task, ok := c.registries[typ][id]
	if !ok {
		return domain.Task{}, false
	}
	return snapshot(task), true
}

// Find looks the id up in both registries.
func (c *Coordinator) Find(id string) (domain.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	task := c.lookup(id)
	if task == nil {
		return domain.Task{}, false
	}
	return snapshot(task), true
}

// List returns snapshots of every task in a registry.
func (c *Coordinator) List(typ domain.TaskType) map[string]domain.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.Task, len(c.registries[typ]))
	for id, task := range c.registries[typ] {
		out[id] = snapshot(task)
	}
	return out
}

// Prune drops terminal tasks that finished more than retention ago.
func (c *Coordinator) Prune(retention time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-retention)
	removed := 0
	for _, registry := range c.registries {
		for id, task := range registry {
			if task.Status.IsTerminal() && task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
				delete(registry, id)
				removed++
			}
		}
	}
	return removed
}

func (c *Coordinator) lookup(id string) *domain.Task {
	for _, registry := range c.registries {
		if task, ok := registry[id]; ok {
			return task
		}
	}
	return nil
}

func snapshot(task *domain.Task) domain.Task {
	out := *task
	if task.CompletedAt != nil {
		t := *task.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
