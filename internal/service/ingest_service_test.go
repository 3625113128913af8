package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"iptv-ingest/internal/domain"
	"iptv-ingest/internal/downloader"
	"iptv-ingest/internal/loader"
	"iptv-ingest/internal/repository"
	"iptv-ingest/internal/repository/sqlite"
	"iptv-ingest/internal/storage"
	"iptv-ingest/internal/store"
	"iptv-ingest/internal/tasks"
)

const testPlaylist = `#EXTM3U
#EXTINF:-1 tvg-id="news.us" tvg-name="News" group-title="News",News HD
http://streams.example.com/news
#EXTINF:-1 tvg-id="sport.us",Sport One
http://streams.example.com/sport
#EXTINF:-1 tvg-name="Nameless",Nameless
http://streams.example.com/nameless
`

const testGuide = `<?xml version="1.0" encoding="utf-8"?>
<tv>
	<channel id="news.us"><display-name>News One</display-name></channel>
	<channel id="news.us"><display-name>News 1 HD</display-name></channel>
	<programme start="20250702070000 +0000" stop="20250702080000 +0000" channel="news.us">
		<title>Morning News</title>
	</programme>
	<programme start="20250702080000 +0000" stop="20250702090000 +0000" channel="news.us">
		<title>Late Morning</title>
	</programme>
	<programme start="bad" stop="20250702090000 +0000" channel="news.us">
		<title>Broken</title>
	</programme>
</tv>
`

type fakeArchiver struct {
	mu       sync.Mutex
	archived []storage.FeedRef
	pruned   int
}

func (f *fakeArchiver) ArchiveFeed(_ context.Context, _ string, ref storage.FeedRef) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, ref)
	return "s3://archive/" + ref.Source + "/" + ref.Kind, nil
}

func (f *fakeArchiver) ListObjects(context.Context, string) ([]storage.ObjectInfo, error) {
	return nil, nil
}

func (f *fakeArchiver) Prune(context.Context, string, string, int) (int, error) {
	f.mu.Lock()
	f.pruned++
	f.mu.Unlock()
	return 0, nil
}

type harness struct {
	svc      IngestService
	coord    *tasks.Coordinator
	sources  repository.SourceRepository
	store    *store.Store
	archiver *fakeArchiver
}

func newHarness(t *testing.T, sources ...domain.Source) *harness {
	t.Helper()
	ctx := context.Background()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dir := t.TempDir()
	db, err := sqlite.Open(filepath.Join(dir, "app.db"))
	if err != nil {
		t.Fatalf("open app db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := sqlite.NewSourceRepository(db)
	if err := repo.Init(ctx); err != nil {
		t.Fatalf("init sources: %v", err)
	}
	if len(sources) > 0 {
		if err := repo.Save(ctx, sources...); err != nil {
			t.Fatalf("seed sources: %v", err)
		}
	}

	st, err := store.Open("sqlite", filepath.Join(dir, "canonical.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Init(ctx); err != nil {
		t.Fatalf("init store: %v", err)
	}

	coord := tasks.NewCoordinator(logger)
	archiver := &fakeArchiver{}
	svc := NewIngestService(IngestConfig{
		DataDir:       filepath.Join(dir, "data"),
		MaxConcurrent: 2,
		ArchiveKeep:   3,
		Logger:        logger,
	}, IngestDeps{
		Sources:     repo,
		Coordinator: coord,
		Downloader:  downloader.New(downloader.Config{Logger: logger}, coord),
		Loader:      loader.New(st, coord, logger),
		Archiver:    archiver,
	})
	t.Cleanup(svc.Shutdown)
	return &harness{svc: svc, coord: coord, sources: repo, store: st, archiver: archiver}
}

func serve(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func source(name string, kind domain.Kind, url string) domain.Source {
	src := domain.Source{Name: name, Enabled: true, RefreshEveryHours: 24, Timezone: "UTC"}
	src.SetFile(kind, domain.FileMetadata{RemoteURL: url})
	return src
}

func waitTerminal(t *testing.T, coord *tasks.Coordinator, id string) domain.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if task, ok := coord.Find(id); ok && task.Status.IsTerminal() {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := coord.Find(id)
	t.Fatalf("task %s did not finish, status %s", id, task.Status)
	return task
}

func TestIngestPlaylistEndToEnd(t *testing.T) {
	srv := serve(t, testPlaylist)
	h := newHarness(t, source("acme", domain.KindPlaylist, srv.URL+"/list.m3u"))
	ctx := context.Background()

	id, err := h.svc.CreateAndRunIngest(ctx, "acme", domain.KindPlaylist)
	if err != nil {
		t.Fatalf("create ingest: %v", err)
	}
	task := waitTerminal(t, h.coord, id)
	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", task.Status, task.ErrorMessage)
	}
	if task.OverallProgress != 100 || task.CompletedItems != 2 || task.TotalItems != 2 {
		t.Errorf("progress=%v items=%d/%d", task.OverallProgress, task.CompletedItems, task.TotalItems)
	}
	if want := "loaded 2 records (2 upserted, 0 skipped, 0 errors, 1 rejected)"; task.CurrentItem != want {
		t.Errorf("message = %q, want %q", task.CurrentItem, want)
	}

	sub, ok := h.svc.GetTask(domain.TaskTypeDownload, task.DownloadTaskID)
	if !ok || sub.Status != domain.TaskStatusCompleted {
		t.Errorf("download sub-task: ok=%v status=%s", ok, sub.Status)
	}

	n, err := h.store.Count(ctx, store.TablePlaylistChannels, "acme")
	if err != nil || n != 2 {
		t.Errorf("stored channels = %d (err=%v)", n, err)
	}

	src, err := h.sources.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	meta := src.Files[domain.KindPlaylist]
	if meta.LastStatus != domain.RefreshSuccess || meta.LastSizeBytes != int64(len(testPlaylist)) {
		t.Errorf("metadata status=%s size=%d", meta.LastStatus, meta.LastSizeBytes)
	}
	if meta.TotalRecords.Channels != 2 || meta.LocalPath == "" || meta.LastRefreshFinished == nil {
		t.Errorf("metadata %+v", meta)
	}
	if len(h.archiver.archived) != 1 || h.archiver.archived[0].Extension != ".m3u" {
		t.Errorf("archived %+v", h.archiver.archived)
	}

	again, err := h.svc.CreateAndRunIngest(ctx, "acme", domain.KindPlaylist)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	second := waitTerminal(t, h.coord, again)
	if want := "loaded 2 records (0 upserted, 2 skipped, 0 errors, 1 rejected)"; second.CurrentItem != want {
		t.Errorf("re-ingest message = %q, want %q", second.CurrentItem, want)
	}
}

func TestIngestGuideLoadsChannelsAndPrograms(t *testing.T) {
	srv := serve(t, testGuide)
	h := newHarness(t, source("acme", domain.KindGuide, srv.URL+"/guide.xml"))
	ctx := context.Background()

	id, err := h.svc.CreateAndRunIngest(ctx, "acme", domain.KindGuide)
	if err != nil {
		t.Fatalf("create ingest: %v", err)
	}
	task := waitTerminal(t, h.coord, id)
	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", task.Status, task.ErrorMessage)
	}
	if task.TotalItems != 4 {
		t.Errorf("expected 4 records to load, got %d", task.TotalItems)
	}

	channels, _ := h.store.Count(ctx, store.TableEpgChannels, "acme")
	programs, _ := h.store.Count(ctx, store.TablePrograms, "acme")
	if channels != 2 || programs != 2 {
		t.Errorf("channels=%d programs=%d", channels, programs)
	}

	src, _ := h.sources.Get(ctx, "acme")
	totals := src.Files[domain.KindGuide].TotalRecords
	if totals.Channels != 2 || totals.Programs != 2 {
		t.Errorf("totals %+v", totals)
	}
}

func TestIngestRejectsUnknownSourceOrKind(t *testing.T) {
	h := newHarness(t, source("acme", domain.KindPlaylist, "http://127.0.0.1:1/list.m3u"))
	ctx := context.Background()

	if _, err := h.svc.CreateAndRunIngest(ctx, "missing", domain.KindPlaylist); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("expected ErrSourceNotFound, got %v", err)
	}
	if _, err := h.svc.CreateAndRunDownload(ctx, "acme", domain.KindGuide); !errors.Is(err, ErrKindNotConfigured) {
		t.Errorf("expected ErrKindNotConfigured, got %v", err)
	}
	if len(h.svc.ListTasks(domain.TaskTypeIngest)) != 0 || len(h.svc.ListTasks(domain.TaskTypeDownload)) != 0 {
		t.Error("no task should be registered for rejected requests")
	}
}

func TestIngestFailsWhenFeedUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	h := newHarness(t, source("acme", domain.KindPlaylist, srv.URL+"/gone.m3u"))
	ctx := context.Background()

	id, err := h.svc.CreateAndRunIngest(ctx, "acme", domain.KindPlaylist)
	if err != nil {
		t.Fatalf("create ingest: %v", err)
	}
	task := waitTerminal(t, h.coord, id)
	if task.Status != domain.TaskStatusFailed || !strings.Contains(task.ErrorMessage, "download") {
		t.Errorf("status=%s error=%q", task.Status, task.ErrorMessage)
	}
	src, _ := h.sources.Get(ctx, "acme")
	if got := src.Files[domain.KindPlaylist].LastStatus; got != domain.RefreshFailed {
		t.Errorf("expected failed refresh status, got %s", got)
	}
	if len(h.archiver.archived) != 0 {
		t.Error("failed download must not be archived")
	}
}

func TestCancelIngestDuringDownload(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte(strings.Repeat("#EXTINF:-1,x\n", 3000)))
		w.(http.Flusher).Flush()
		<-release
		w.Write([]byte(strings.Repeat("#EXTINF:-1,x\n", 3000)))
	}))
	defer srv.Close()
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	h := newHarness(t, source("acme", domain.KindPlaylist, srv.URL))
	id, err := h.svc.CreateAndRunIngest(context.Background(), "acme", domain.KindPlaylist)
	if err != nil {
		t.Fatalf("create ingest: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var subID string
	for time.Now().Before(deadline) {
		task, _ := h.coord.Find(id)
		if sub, ok := h.coord.Find(task.DownloadTaskID); ok && sub.BytesDownloaded > 0 {
			subID = sub.ID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if subID == "" {
		t.Fatal("download never started")
	}

	if !h.svc.CancelTask(id) {
		t.Fatal("cancel should be accepted for a running ingest")
	}
	close(release)

	task := waitTerminal(t, h.coord, id)
	if task.Status != domain.TaskStatusCancelled {
		t.Errorf("ingest status = %s", task.Status)
	}
	if sub := waitTerminal(t, h.coord, subID); sub.Status != domain.TaskStatusCancelled {
		t.Errorf("download status = %s", sub.Status)
	}
	if h.svc.CancelTask(id) {
		t.Error("cancel of a finished task must be refused")
	}
	src, _ := h.sources.Get(context.Background(), "acme")
	if got := src.Files[domain.KindPlaylist].LastStatus; got != domain.RefreshCancelled {
		t.Errorf("expected cancelled refresh status, got %s", got)
	}
}

func TestRefreshAllSkipsDisabledSources(t *testing.T) {
	srv := serve(t, testPlaylist)
	disabled := source("beta", domain.KindPlaylist, srv.URL)
	disabled.Enabled = false
	h := newHarness(t,
		source("acme", domain.KindPlaylist, srv.URL),
		disabled,
		source("gamma", domain.KindGuide, srv.URL),
	)

	ids, err := h.svc.RefreshAll(context.Background(), domain.KindPlaylist)
	if err != nil {
		t.Fatalf("refresh all: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 ingest, got %v", ids)
	}
	if task := waitTerminal(t, h.coord, ids[0]); task.Source != "acme" || task.Status != domain.TaskStatusCompleted {
		t.Errorf("task %s status %s", task.Source, task.Status)
	}
}

func TestDownloadOnlyTask(t *testing.T) {
	srv := serve(t, testPlaylist)
	h := newHarness(t, source("acme", domain.KindPlaylist, srv.URL))

	id, err := h.svc.CreateAndRunDownload(context.Background(), "acme", domain.KindPlaylist)
	if err != nil {
		t.Fatalf("create download: %v", err)
	}
	task := waitTerminal(t, h.coord, id)
	if task.Type != domain.TaskTypeDownload || task.Status != domain.TaskStatusCompleted {
		t.Errorf("type=%s status=%s", task.Type, task.Status)
	}
	if n, _ := h.store.Count(context.Background(), store.TablePlaylistChannels, "acme"); n != 0 {
		t.Errorf("download must not load records, found %d", n)
	}
}
