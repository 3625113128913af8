package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"iptv-ingest/internal/domain"
)

// ChunkSize is the read granularity and therefore the cancellation checkpoint
// interval of a transfer.
const ChunkSize = 8192

// ErrUnreachable is returned when the probe fails before any file is opened.
var ErrUnreachable = errors.New("remote file unreachable")

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Tracker receives progress for a download task and answers cancellation
// checkpoints. *tasks.Coordinator implements it.
type Tracker interface {
	Update(id string, fn func(t *domain.Task)) bool
	IsCancelled(id string) bool
	Complete(id, message string) bool
	Fail(id string, cause error) bool
	MarkCancelled(id, message string) bool
}

type Request struct {
	URL         string
	Destination string
	TaskID      string
	// FallbackSize is reported as the total when the server sends no length.
	FallbackSize int64
	// OnProgress, when set, is called after every chunk is written.
	OnProgress func(done, total int64)
}

type Config struct {
	Client       *http.Client
	ProbeTimeout time.Duration
	Logger       *logrus.Logger
}

type Downloader struct {
	cfg     Config
	tracker Tracker
}

func New(cfg Config, tracker Tracker) *Downloader {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Downloader{cfg: cfg, tracker: tracker}
}

// Download streams req.URL into req.Destination, reporting bytes on the task
// and checking for cancellation before every chunk. The task must already be
// running; Download finalizes it. On any outcome other than completed the
// destination does not exist afterwards.
func (d *Downloader) Download(ctx context.Context, req Request) (int64, Outcome, error) {
	logger := d.cfg.Logger.WithField("task_id", req.TaskID)

	if err := d.probe(ctx, req.URL); err != nil {
		return 0, OutcomeFailed, d.failEarly(logger, req, err)
	}

	if err := os.MkdirAll(filepath.Dir(req.Destination), 0o755); err != nil {
		return 0, OutcomeFailed, d.failEarly(logger, req, fmt.Errorf("create download dir: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, OutcomeFailed, d.failEarly(logger, req, fmt.Errorf("build request: %w", err))
	}
	resp, err := d.cfg.Client.Do(httpReq)
	if err != nil {
		return 0, OutcomeFailed, d.failEarly(logger, req, fmt.Errorf("fetch %s: %w", req.URL, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, OutcomeFailed, d.failEarly(logger, req, fmt.Errorf("fetch %s: unexpected status %s", req.URL, resp.Status))
	}

	total := resp.ContentLength
	if total <= 0 {
		total = req.FallbackSize
	}
	d.tracker.Update(req.TaskID, func(t *domain.Task) {
		t.TotalBytes = total
		t.CurrentItem = req.URL
	})

	// Each task streams into its own temp file so concurrent downloads of one
	// destination never share bytes; the rename makes the last finisher win.
	out, err := os.CreateTemp(filepath.Dir(req.Destination), filepath.Base(req.Destination)+".*.part")
	if err != nil {
		return 0, OutcomeFailed, d.failEarly(logger, req, fmt.Errorf("create destination: %w", err))
	}
	partPath := out.Name()
	discard := func() {
		_ = out.Close()
		_ = os.Remove(partPath)
		removeDestination(logger, req.Destination)
	}
	cancelled := func(written int64) (int64, Outcome, error) {
		discard()
		d.tracker.MarkCancelled(req.TaskID, "download cancelled by user")
		logger.Info("download cancelled")
		return written, OutcomeCancelled, nil
	}

	logProgress := newProgressLogger(logger)
	buf := make([]byte, ChunkSize)
	var written int64
	for {
		if d.tracker.IsCancelled(req.TaskID) {
			return cancelled(written)
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				discard()
				return written, OutcomeFailed, d.failTask(logger, req.TaskID, fmt.Errorf("write destination: %w", err))
			}
			written += int64(n)
			done := written
			d.tracker.Update(req.TaskID, func(t *domain.Task) { t.BytesDownloaded = done })
			if req.OnProgress != nil {
				req.OnProgress(done, total)
			}
			logProgress(done, total)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			discard()
			return written, OutcomeFailed, d.failTask(logger, req.TaskID, fmt.Errorf("read body: %w", readErr))
		}
	}

	if err := out.Close(); err != nil {
		discard()
		return written, OutcomeFailed, d.failTask(logger, req.TaskID, fmt.Errorf("close destination: %w", err))
	}
	if d.tracker.IsCancelled(req.TaskID) {
		return cancelled(written)
	}
	if err := os.Chmod(partPath, 0o644); err != nil {
		discard()
		return written, OutcomeFailed, d.failTask(logger, req.TaskID, fmt.Errorf("chmod destination: %w", err))
	}
	if err := os.Rename(partPath, req.Destination); err != nil {
		discard()
		return written, OutcomeFailed, d.failTask(logger, req.TaskID, fmt.Errorf("finalize destination: %w", err))
	}

	d.tracker.Complete(req.TaskID, fmt.Sprintf("downloaded %s", formatBytes(written)))
	logger.Infof("download completed: %s -> %s", formatBytes(written), req.Destination)
	return written, OutcomeCompleted, nil
}

// failEarly fails the task before any bytes were streamed. The previous file
// at the destination is removed as on every other unsuccessful outcome.
func (d *Downloader) failEarly(logger *logrus.Entry, req Request, failErr error) error {
	removeDestination(logger, req.Destination)
	return d.failTask(logger, req.TaskID, failErr)
}

// removeDestination deletes the file an earlier download left at dest.
func removeDestination(logger *logrus.Entry, dest string) {
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		logger.Warnf("remove stale destination: %v", err)
	}
}

// probe checks reachability with HEAD, retrying as a one-byte ranged GET for
// servers that reject HEAD.
func (d *Downloader) probe(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()

	headErr := d.probeWith(ctx, http.MethodHead, url)
	if headErr == nil {
		return nil
	}
	if err := d.probeWith(ctx, http.MethodGet, url); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, url, err)
	}
	return nil
}

func (d *Downloader) probeWith(ctx context.Context, method, url string) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	resp, err := d.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, ChunkSize))
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned %s", method, resp.Status)
	}
	return nil
}

func (d *Downloader) failTask(logger *logrus.Entry, taskID string, failErr error) error {
	d.tracker.Fail(taskID, failErr)
	logger.Error(failErr.Error())
	return failErr
}

func newProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(lastLog) < 2*time.Second && done != total {
			return
		}
		lastLog = now
		if total <= 0 {
			logger.Debugf("download progress: %s", formatBytes(done))
			return
		}
		percent := float64(done) / float64(total) * 100
		logger.Debugf("download progress: %.1f%% (%s/%s)", percent, formatBytes(done), formatBytes(total))
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB",
		float64(b)/float64(div),
		"KMGTPE"[exp],
	)
}
