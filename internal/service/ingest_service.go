package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"iptv-ingest/internal/domain"
	"iptv-ingest/internal/downloader"
	"iptv-ingest/internal/loader"
	"iptv-ingest/internal/metrics"
	"iptv-ingest/internal/parser/guide"
	"iptv-ingest/internal/parser/playlist"
	"iptv-ingest/internal/repository"
	"iptv-ingest/internal/storage"
	"iptv-ingest/internal/tasks"
)

var (
	ErrSourceNotFound    = errors.New("source not found")
	ErrKindNotConfigured = errors.New("source has no url for this feed kind")
	ErrShuttingDown      = errors.New("ingest service is shutting down")
)

// IngestService sequences download, parse and load for (source, kind) pairs.
// Every operation returns a task id immediately; the work runs in the
// background and is observed through the task coordinator.
type IngestService interface {
	CreateAndRunDownload(ctx context.Context, source string, kind domain.Kind) (string, error)
	CreateAndRunIngest(ctx context.Context, source string, kind domain.Kind) (string, error)
	RefreshAll(ctx context.Context, kind domain.Kind) ([]string, error)
	GetTask(typ domain.TaskType, id string) (domain.Task, bool)
	ListTasks(typ domain.TaskType) map[string]domain.Task
	CancelTask(id string) bool
	ListSources(ctx context.Context) ([]domain.Source, error)
	Shutdown()
}

type IngestConfig struct {
	DataDir       string
	MaxConcurrent int
	// ArchiveKeep is how many raw archives per source and kind survive pruning.
	ArchiveKeep int
	Logger      *logrus.Logger
}

type IngestDeps struct {
	Sources     repository.SourceRepository
	Coordinator *tasks.Coordinator
	Downloader  *downloader.Downloader
	Loader      *loader.Loader
	// Archiver and Metrics are optional.
	Archiver storage.Archiver
	Metrics  *metrics.Metrics
}

type ingestService struct {
	cfg IngestConfig
	IngestDeps

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	// metaMu serializes read-modify-write of source file metadata.
	metaMu sync.Mutex
}

func NewIngestService(cfg IngestConfig, deps IngestDeps) IngestService {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ingestService{
		cfg:        cfg,
		IngestDeps: deps,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *ingestService) CreateAndRunDownload(ctx context.Context, name string, kind domain.Kind) (string, error) {
	meta, err := s.resolve(ctx, name, kind)
	if err != nil {
		return "", err
	}
	task := s.Coordinator.Create(domain.TaskTypeDownload, kind, name)
	s.spawn(task.ID, func(ctx context.Context) {
		s.runDownload(ctx, task.ID, name, kind, meta, nil)
	})
	return task.ID, nil
}

func (s *ingestService) CreateAndRunIngest(ctx context.Context, name string, kind domain.Kind) (string, error) {
	meta, err := s.resolve(ctx, name, kind)
	if err != nil {
		return "", err
	}
	task := s.Coordinator.Create(domain.TaskTypeIngest, kind, name)
	s.spawn(task.ID, func(ctx context.Context) {
		s.runIngest(ctx, task.ID, name, kind, meta)
	})
	return task.ID, nil
}

// RefreshAll starts one independent ingest per enabled source that has a URL
// for kind.
func (s *ingestService) RefreshAll(ctx context.Context, kind domain.Kind) ([]string, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("refresh all: unsupported kind %q", kind)
	}
	sources, err := s.Sources.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	var ids []string
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		if _, ok := src.File(kind); !ok {
			continue
		}
		id, err := s.CreateAndRunIngest(ctx, src.Name, kind)
		if err != nil {
			s.cfg.Logger.WithFields(logrus.Fields{"source": src.Name, "kind": kind}).Warnf("skip refresh: %v", err)
			continue
		}
		ids = append(ids, id)
	}
	s.cfg.Logger.WithField("kind", kind).Infof("refresh all started %d ingest tasks", len(ids))
	return ids, nil
}

func (s *ingestService) GetTask(typ domain.TaskType, id string) (domain.Task, bool) {
	return s.Coordinator.Get(typ, id)
}

func (s *ingestService) ListTasks(typ domain.TaskType) map[string]domain.Task {
	return s.Coordinator.List(typ)
}

func (s *ingestService) CancelTask(id string) bool {
	return s.Coordinator.Cancel(id)
}

func (s *ingestService) ListSources(ctx context.Context) ([]domain.Source, error) {
	return s.Sources.List(ctx)
}

// Shutdown stops accepting work and waits for running tasks to observe the
// cancelled context.
func (s *ingestService) Shutdown() {
	s.cancel()
	s.wg.Wait()
	s.cfg.Logger.Info("ingest service stopped")
}

func (s *ingestService) resolve(ctx context.Context, name string, kind domain.Kind) (domain.FileMetadata, error) {
	if !kind.Valid() {
		return domain.FileMetadata{}, fmt.Errorf("unsupported kind %q", kind)
	}
	if s.ctx.Err() != nil {
		return domain.FileMetadata{}, ErrShuttingDown
	}
	src, err := s.Sources.Get(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.FileMetadata{}, fmt.Errorf("%w: %s", ErrSourceNotFound, name)
		}
		return domain.FileMetadata{}, fmt.Errorf("load source %s: %w", name, err)
	}
	meta, ok := src.File(kind)
	if !ok {
		return domain.FileMetadata{}, fmt.Errorf("%w: %s has no %s", ErrKindNotConfigured, name, kind)
	}
	return meta, nil
}

func (s *ingestService) spawn(taskID string, run func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.ctx.Done():
			s.Coordinator.Fail(taskID, ErrShuttingDown)
			return
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
			run(s.ctx)
		}
	}()
}

// runDownload fetches one feed for an already created download task and
// records the outcome on the source's file metadata.
func (s *ingestService) runDownload(ctx context.Context, taskID, source string, kind domain.Kind, meta domain.FileMetadata, onProgress func(done, total int64)) (string, downloader.Outcome, error) {
	logger := s.cfg.Logger.WithField("task_id", taskID)
	if err := s.Coordinator.Start(taskID); err != nil {
		logger.Errorf("start download: %v", err)
		return "", downloader.OutcomeFailed, err
	}

	started := time.Now().UTC()
	s.updateFile(ctx, source, kind, func(m *domain.FileMetadata) {
		m.LastRefreshStarted = &started
	})

	dest := filepath.Join(s.cfg.DataDir, source, string(kind)+kind.Info().Extension)
	written, outcome, err := s.Downloader.Download(ctx, downloader.Request{
		URL:          meta.RemoteURL,
		Destination:  dest,
		TaskID:       taskID,
		FallbackSize: meta.LastSizeBytes,
		OnProgress:   onProgress,
	})

	finished := time.Now().UTC()
	s.updateFile(ctx, source, kind, func(m *domain.FileMetadata) {
		m.LastRefreshFinished = &finished
		switch outcome {
		case downloader.OutcomeCompleted:
			m.LastStatus = domain.RefreshSuccess
			m.LastSizeBytes = written
			m.LocalPath = dest
		case downloader.OutcomeCancelled:
			m.LastStatus = domain.RefreshCancelled
		default:
			m.LastStatus = domain.RefreshFailed
		}
	})

	if outcome == downloader.OutcomeCompleted {
		s.archive(ctx, logger, dest, source, kind, finished)
	}
	return dest, outcome, err
}

func (s *ingestService) archive(ctx context.Context, logger *logrus.Entry, path, source string, kind domain.Kind, fetched time.Time) {
	if s.Archiver == nil {
		return
	}
	location, err := s.Archiver.ArchiveFeed(ctx, path, storage.FeedRef{
		Source:    source,
		Kind:      string(kind),
		Extension: kind.Info().Extension,
		FetchedAt: fetched,
	})
	if err != nil {
		logger.Warnf("archive raw feed: %v", err)
		return
	}
	logger.Infof("raw feed archived to %s", location)
	if s.cfg.ArchiveKeep > 0 {
		if n, err := s.Archiver.Prune(ctx, source, string(kind), s.cfg.ArchiveKeep); err != nil {
			logger.Warnf("prune archives: %v", err)
		} else if n > 0 {
			logger.Infof("pruned %d old archives", n)
		}
	}
}

type loadSet struct {
	records   []loader.Record
	batchSize int
	// totals receives the number of records stored by this set.
	totals func(t *domain.RecordTotals, stored int)
}

func (s *ingestService) runIngest(ctx context.Context, taskID, source string, kind domain.Kind, meta domain.FileMetadata) {
	logger := s.cfg.Logger.WithFields(logrus.Fields{"task_id": taskID, "source": source, "kind": kind})
	if err := s.Coordinator.Start(taskID); err != nil {
		logger.Errorf("start ingest: %v", err)
		return
	}

	// step 1: download
	s.Coordinator.SetStep(taskID, domain.StepDownload)
	sub := s.Coordinator.Create(domain.TaskTypeDownload, kind, source)
	s.Coordinator.Update(taskID, func(t *domain.Task) {
		t.DownloadTaskID = sub.ID
		t.CurrentItem = "downloading " + meta.RemoteURL
	})
	path, outcome, err := s.runDownload(ctx, sub.ID, source, kind, meta, func(done, total int64) {
		if total > 0 {
			s.Coordinator.SetStepProgress(taskID, float64(done)/float64(total)*100)
		}
	})
	switch outcome {
	case downloader.OutcomeCancelled:
		s.Coordinator.MarkCancelled(taskID, "ingest cancelled during download")
		return
	case downloader.OutcomeFailed:
		s.failIngest(logger, taskID, fmt.Errorf("download: %w", err))
		return
	}
	if s.cancelled(logger, taskID) {
		return
	}

	// step 2: parse
	s.Coordinator.SetStep(taskID, domain.StepParse)
	s.Coordinator.Update(taskID, func(t *domain.Task) { t.CurrentItem = "parsing " + filepath.Base(path) })
	sets, rejected, err := s.parse(logger, path, source, kind)
	if err != nil {
		s.failIngest(logger, taskID, fmt.Errorf("parse: %w", err))
		return
	}
	s.Metrics.Rejections(kind, rejected)
	s.Coordinator.SetStepProgress(taskID, 100)
	if s.cancelled(logger, taskID) {
		return
	}

	// step 3: load
	s.Coordinator.SetStep(taskID, domain.StepLoad)
	total := 0
	for _, set := range sets {
		total += len(set.records)
	}
	s.Coordinator.Update(taskID, func(t *domain.Task) {
		t.TotalItems = total
		t.CurrentItem = fmt.Sprintf("loading %d records", total)
	})

	var (
		done    int
		summary loader.Summary
		totals  domain.RecordTotals
	)
	for _, set := range sets {
		sum, err := s.Loader.Load(ctx, set.records, loader.Options{
			TaskID:    taskID,
			BatchSize: set.batchSize,
			OnResult: func(r domain.LoadResult) {
				done++
				n := done
				s.Metrics.LoadResult(kind, r)
				s.Coordinator.Update(taskID, func(t *domain.Task) {
					t.CompletedItems = n
					if total > 0 {
						t.StepProgress = float64(n) / float64(total) * 100
					}
				})
			},
		})
		summary.Upserted += sum.Upserted
		summary.Skipped += sum.Skipped
		summary.Errors += sum.Errors
		if errors.Is(err, loader.ErrCancelled) {
			s.Coordinator.MarkCancelled(taskID, "ingest cancelled by user")
			logger.Infof("ingest cancelled after %d of %d records", done, total)
			return
		}
		if err != nil {
			s.failIngest(logger, taskID, fmt.Errorf("load: %w", err))
			return
		}
		set.totals(&totals, sum.Upserted+sum.Skipped)
	}

	s.updateFile(ctx, source, kind, func(m *domain.FileMetadata) { m.TotalRecords = totals })
	msg := fmt.Sprintf("loaded %d records (%d upserted, %d skipped, %d errors, %d rejected)",
		summary.Upserted+summary.Skipped, summary.Upserted, summary.Skipped, summary.Errors, len(rejected))
	s.Coordinator.Complete(taskID, msg)
	logger.Info(msg)
}

func (s *ingestService) parse(logger *logrus.Entry, path, source string, kind domain.Kind) ([]loadSet, []domain.Rejection, error) {
	info := kind.Info()
	switch kind {
	case domain.KindPlaylist:
		res, err := playlist.ParseFile(path, source)
		if err != nil {
			return nil, nil, err
		}
		logPlaylistReport(logger, res)
		return []loadSet{{
			records:   loader.Channels(res.Channels),
			batchSize: info.ChannelBatch,
			totals:    func(t *domain.RecordTotals, n int) { t.Channels = n },
		}}, res.Report.Rejected, nil

	case domain.KindGuide:
		doc, err := guide.ParseFile(path)
		if err != nil {
			return nil, nil, err
		}
		channels, chReport := doc.Channels(source)
		programs, prReport := doc.Programs(source)
		logGuideReport(logger, "structure", doc.Structure)
		logGuideReport(logger, "channels", chReport)
		logGuideReport(logger, "programs", prReport)
		logger.Infof("parsed %d guide channels and %d programs", len(channels), len(programs))
		return []loadSet{
			{
				records:   loader.EpgChannels(channels),
				batchSize: info.ChannelBatch,
				totals:    func(t *domain.RecordTotals, n int) { t.Channels = n },
			},
			{
				records:   loader.Programs(programs),
				batchSize: info.ProgramBatch,
				totals:    func(t *domain.RecordTotals, n int) { t.Programs = n },
			},
		}, append(chReport.Rejected, prReport.Rejected...), nil
	}
	return nil, nil, fmt.Errorf("unsupported kind %q", kind)
}

func (s *ingestService) cancelled(logger *logrus.Entry, taskID string) bool {
	if !s.Coordinator.IsCancelled(taskID) {
		return false
	}
	s.Coordinator.MarkCancelled(taskID, "ingest cancelled by user")
	logger.Info("ingest cancelled between steps")
	return true
}

func (s *ingestService) failIngest(logger *logrus.Entry, taskID string, failErr error) {
	s.Coordinator.Fail(taskID, failErr)
	logger.Error(failErr.Error())
}

func (s *ingestService) updateFile(ctx context.Context, source string, kind domain.Kind, fn func(m *domain.FileMetadata)) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	logger := s.cfg.Logger.WithFields(logrus.Fields{"source": source, "kind": kind})
	src, err := s.Sources.Get(ctx, source)
	if err != nil {
		logger.Errorf("load source metadata: %v", err)
		return
	}
	meta := src.Files[kind]
	fn(&meta)
	src.SetFile(kind, meta)
	if err := s.Sources.Save(ctx, *src); err != nil {
		logger.Errorf("save source metadata: %v", err)
	}
}

func logPlaylistReport(logger *logrus.Entry, res *playlist.Result) {
	r := res.Report
	logger.Infof("parsed %d channels from %d blocks (%d rejected)", len(res.Channels), r.Blocks, len(r.Rejected))
	if len(r.UnhandledTags) > 0 {
		logger.Warnf("unhandled playlist tags: %s", strings.Join(domain.SortedCounts(r.UnhandledTags), ", "))
	}
	if len(r.UnknownAttributes) > 0 {
		logger.Warnf("unknown #EXTINF keys: %s", strings.Join(domain.SortedCounts(r.UnknownAttributes), ", "))
	}
	if len(r.WithoutURL) > 0 {
		logger.Warnf("%d entries without a stream url dropped", len(r.WithoutURL))
	}
	if len(r.Rejected) > 0 {
		logger.Warnf("rejected entries: %s", strings.Join(domain.SortedCounts(domain.CountByReason(r.Rejected)), ", "))
	}
}

func logGuideReport(logger *logrus.Entry, pass string, r guide.Report) {
	entry := logger.WithField("pass", pass)
	if len(r.UnknownAttributes) > 0 {
		entry.Warnf("unknown attributes: %s", strings.Join(domain.SortedCounts(r.UnknownAttributes), ", "))
	}
	if len(r.UnknownTags) > 0 {
		entry.Warnf("unknown tags: %s", strings.Join(domain.SortedCounts(r.UnknownTags), ", "))
	}
	if len(r.Duplicates) > 0 {
		entry.Warnf("%d duplicate channel entries", len(r.Duplicates))
	}
	if len(r.Rejected) > 0 {
		entry.Warnf("rejected entries: %s", strings.Join(domain.SortedCounts(domain.CountByReason(r.Rejected)), ", "))
	}
}
