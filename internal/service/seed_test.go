package service

import (
	"context"
	"testing"
	"time"

	"iptv-ingest/internal/domain"
)

func TestSeedSourcesKeepsRefreshMetadata(t *testing.T) {
	ctx := context.Background()
	finished := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	stored := source("acme", domain.KindPlaylist, "http://acme/list.m3u")
	stored.SetFile(domain.KindGuide, domain.FileMetadata{
		RemoteURL:           "http://acme/old-guide.xml",
		LastStatus:          domain.RefreshSuccess,
		LastRefreshFinished: &finished,
	})
	meta := stored.Files[domain.KindPlaylist]
	meta.LastStatus = domain.RefreshSuccess
	meta.LastSizeBytes = 1234
	meta.LastRefreshFinished = &finished
	stored.SetFile(domain.KindPlaylist, meta)
	h := newHarness(t, stored)

	seed := source("acme", domain.KindPlaylist, "http://acme/list.m3u")
	seed.RefreshEveryHours = 6
	seed.SetFile(domain.KindGuide, domain.FileMetadata{RemoteURL: "http://acme/new-guide.xml"})
	fresh := source("beta", domain.KindGuide, "http://beta/guide.xml")

	if err := SeedSources(ctx, h.sources, []domain.Source{seed, fresh}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := h.sources.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("get acme: %v", err)
	}
	if got.RefreshEveryHours != 6 {
		t.Errorf("operator settings not applied: %+v", got)
	}
	if pl := got.Files[domain.KindPlaylist]; pl.LastSizeBytes != 1234 || pl.LastStatus != domain.RefreshSuccess {
		t.Errorf("playlist metadata lost: %+v", pl)
	}
	if g := got.Files[domain.KindGuide]; g.RemoteURL != "http://acme/new-guide.xml" || g.LastStatus != "" {
		t.Errorf("changed guide url should reset metadata: %+v", g)
	}
	if _, err := h.sources.Get(ctx, "beta"); err != nil {
		t.Errorf("new source not stored: %v", err)
	}
}
