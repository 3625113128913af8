package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"iptv-ingest/internal/domain"
	"iptv-ingest/internal/repository"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "app.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSourceRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewSourceRepository(openTestDB(t))
	if err := repo.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := repo.Init(ctx); err != nil {
		t.Fatalf("second init must be idempotent: %v", err)
	}

	started := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)
	src := domain.Source{Name: "acme", Enabled: true, RefreshEveryHours: 12, Timezone: "UTC"}
	src.SetFile(domain.KindPlaylist, domain.FileMetadata{
		RemoteURL:           "http://acme/list.m3u",
		LastRefreshStarted:  &started,
		LastRefreshFinished: &finished,
		LastStatus:          domain.RefreshSuccess,
		LastSizeBytes:       2048,
		LocalPath:           "/data/acme/playlist.m3u",
		TotalRecords:        domain.RecordTotals{Channels: 42},
	})
	src.SetFile(domain.KindGuide, domain.FileMetadata{RemoteURL: "http://acme/guide.xml"})

	if err := repo.Save(ctx, src, domain.Source{Name: "beta"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := repo.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Enabled || got.RefreshEveryHours != 12 {
		t.Errorf("unexpected source fields: %+v", got)
	}
	pl, ok := got.File(domain.KindPlaylist)
	if !ok {
		t.Fatal("playlist file missing")
	}
	if pl.LastStatus != domain.RefreshSuccess || pl.LastSizeBytes != 2048 || pl.TotalRecords.Channels != 42 {
		t.Errorf("unexpected playlist metadata: %+v", pl)
	}
	if pl.LastRefreshFinished == nil || !pl.LastRefreshFinished.Equal(finished) {
		t.Errorf("finished time not preserved: %v", pl.LastRefreshFinished)
	}
	guide, _ := got.File(domain.KindGuide)
	if guide.LastRefreshStarted != nil || guide.LastStatus != "" {
		t.Errorf("guide metadata should be empty: %+v", guide)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Name != "acme" || list[1].Name != "beta" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if _, ok := list[1].File(domain.KindPlaylist); ok {
		t.Error("beta has no playlist configured")
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSourceSaveReplacesFiles(t *testing.T) {
	ctx := context.Background()
	repo := NewSourceRepository(openTestDB(t))
	if err := repo.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	src := domain.Source{Name: "acme", Enabled: true}
	src.SetFile(domain.KindPlaylist, domain.FileMetadata{RemoteURL: "http://a/1.m3u"})
	if err := repo.Save(ctx, src); err != nil {
		t.Fatalf("save: %v", err)
	}

	src.SetFile(domain.KindPlaylist, domain.FileMetadata{RemoteURL: "http://a/2.m3u", LastStatus: domain.RefreshFailed})
	if err := repo.Save(ctx, src); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, _ := repo.Get(ctx, "acme")
	if meta := got.Files[domain.KindPlaylist]; meta.RemoteURL != "http://a/2.m3u" || meta.LastStatus != domain.RefreshFailed {
		t.Errorf("unexpected metadata after resave: %+v", meta)
	}
	if len(got.Files) != 1 {
		t.Errorf("expected a single file row, got %d", len(got.Files))
	}
}

func TestInitAddsMissingTotalColumns(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	if _, err := db.ExecContext(ctx, createSourcesTable); err != nil {
		t.Fatalf("create sources: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
CREATE TABLE source_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_name TEXT NOT NULL,
	kind TEXT NOT NULL,
	remote_url TEXT NOT NULL,
	last_refresh_started DATETIME NULL,
	last_refresh_finished DATETIME NULL,
	last_status TEXT NOT NULL DEFAULT '',
	last_size_bytes INTEGER NOT NULL DEFAULT 0,
	local_path TEXT NOT NULL DEFAULT '',
	UNIQUE(source_name, kind)
)`); err != nil {
		t.Fatalf("create narrow source_files: %v", err)
	}

	repo := NewSourceRepository(db)
	if err := repo.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	src := domain.Source{Name: "acme", Enabled: true}
	src.SetFile(domain.KindGuide, domain.FileMetadata{
		RemoteURL:    "http://a/guide.xml",
		TotalRecords: domain.RecordTotals{Channels: 4, Programs: 120},
	})
	if err := repo.Save(ctx, src); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := repo.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if totals := got.Files[domain.KindGuide].TotalRecords; totals.Channels != 4 || totals.Programs != 120 {
		t.Errorf("totals not stored: %+v", totals)
	}
}

func TestTaskHistory(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepository(openTestDB(t))
	if err := repo.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	done := base.Add(time.Minute)
	older := domain.Task{
		ID: "download_playlist_acme_1", Type: domain.TaskTypeDownload, Kind: domain.KindPlaylist, Source: "acme",
		Status: domain.TaskStatusCompleted, BytesDownloaded: 10, TotalBytes: 10,
		StartedAt: base, UpdatedAt: done, CompletedAt: &done,
	}
	laterDone := base.Add(2 * time.Hour)
	newer := domain.Task{
		ID: "ingest_guide_acme_2", Type: domain.TaskTypeIngest, Kind: domain.KindGuide, Source: "acme",
		Status: domain.TaskStatusFailed, ErrorMessage: "boom", OverallProgress: 33.3,
		StartedAt: base.Add(time.Hour), UpdatedAt: laterDone, CompletedAt: &laterDone,
	}
	for _, task := range []domain.Task{older, newer} {
		if err := repo.Record(ctx, task); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	list, err := repo.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != newer.ID {
		t.Fatalf("expected newest first, got %+v", list)
	}
	if list[0].ErrorMessage != "boom" || list[0].Kind != domain.KindGuide {
		t.Errorf("unexpected fields: %+v", list[0])
	}
	if limited, _ := repo.List(ctx, 1); len(limited) != 1 {
		t.Errorf("limit not applied: %d", len(limited))
	}

	got, err := repo.Get(ctx, older.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("completed_at not preserved: %v", got.CompletedAt)
	}

	removed, err := repo.DeleteBefore(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("delete before: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed row, got %d", removed)
	}
	if _, err := repo.Get(ctx, older.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
