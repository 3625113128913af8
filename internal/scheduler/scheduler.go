// Package scheduler triggers periodic refreshes of every source per feed kind.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"iptv-ingest/internal/domain"
)

type Refresher interface {
	RefreshAll(ctx context.Context, kind domain.Kind) ([]string, error)
}

// Pruner drops finished tasks older than the retention window.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int, int64, error)
}

type Config struct {
	// Intervals maps a kind to its refresh period. Zero or missing disables it.
	Intervals map[domain.Kind]time.Duration
	// RunOnStart fires one refresh per enabled kind before the first tick.
	RunOnStart bool
	Pruner     Pruner
	PruneEvery time.Duration
	Retention  time.Duration
	Logger     *logrus.Logger
}

type Scheduler struct {
	refresher Refresher
	cfg       Config
}

func New(refresher Refresher, cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Scheduler{refresher: refresher, cfg: cfg}
}

// Run blocks until ctx is done. Failed refreshes are logged and retried on the
// next tick.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, kind := range domain.Kinds() {
		every := s.cfg.Intervals[kind]
		if every <= 0 {
			s.cfg.Logger.WithField("kind", kind).Info("scheduled refresh disabled")
			continue
		}
		wg.Add(1)
		go func(kind domain.Kind, every time.Duration) {
			defer wg.Done()
			s.loop(ctx, every, s.cfg.RunOnStart, func() { s.refresh(ctx, kind) })
		}(kind, every)
	}
	if s.cfg.Pruner != nil && s.cfg.PruneEvery > 0 && s.cfg.Retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, s.cfg.PruneEvery, false, func() { s.prune(ctx) })
		}()
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, immediate bool, fn func()) {
	if immediate {
		fn()
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *Scheduler) refresh(ctx context.Context, kind domain.Kind) {
	logger := s.cfg.Logger.WithField("kind", kind)
	ids, err := s.refresher.RefreshAll(ctx, kind)
	if err != nil {
		logger.Errorf("scheduled refresh: %v", err)
		return
	}
	logger.Infof("scheduled refresh started %d tasks", len(ids))
}

func (s *Scheduler) prune(ctx context.Context) {
	if _, _, err := s.cfg.Pruner.Prune(ctx, s.cfg.Retention); err != nil {
		s.cfg.Logger.Errorf("scheduled prune: %v", err)
	}
}
