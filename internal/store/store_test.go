package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "canonical.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return s
}

func channelRow(id, name string) Row {
	return Row{
		{Name: "source", Value: "acme"},
		{Name: "natural_id", Value: id},
		{Name: "display_name", Value: name},
		{Name: "stream_url", Value: "http://example.com/" + id},
		{Name: "logo_url", Value: ""},
		{Name: "group_title", Value: "News"},
	}
}

var channelKeys = []string{"source", "natural_id"}

func TestUpsertReportsChange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	steps := []struct {
		name    string
		row     Row
		changed bool
	}{
		{"insert", channelRow("c1", "One"), true},
		{"identical", channelRow("c1", "One"), false},
		{"modified", channelRow("c1", "One HD"), true},
		{"identical after modify", channelRow("c1", "One HD"), false},
	}
	for _, step := range steps {
		var changed bool
		err := s.WithinTx(ctx, func(tx Tx) error {
			var err error
			changed, err = tx.Upsert(ctx, TablePlaylistChannels, channelKeys, step.row)
			return err
		})
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if changed != step.changed {
			t.Errorf("%s: changed = %v, want %v", step.name, changed, step.changed)
		}
	}

	n, err := s.Count(ctx, TablePlaylistChannels, "acme")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row, got %d", n)
	}
}

func TestFailingRecordDoesNotAbortTransaction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	program := func(id string, end time.Time) Row {
		return Row{
			{Name: "source", Value: "acme"},
			{Name: "program_id", Value: id},
			{Name: "channel_id", Value: "c1"},
			{Name: "start_time", Value: start},
			{Name: "end_time", Value: end},
			{Name: "title", Value: "News"},
			{Name: "description", Value: ""},
			{Name: "category", Value: "uncategorized"},
		}
	}
	keys := []string{"source", "program_id"}

	var recordErr error
	err := s.WithinTx(ctx, func(tx Tx) error {
		if _, err := tx.Upsert(ctx, TablePrograms, keys, program("p1", start.Add(time.Hour))); err != nil {
			return err
		}
		_, recordErr = tx.Upsert(ctx, TablePrograms, keys, program("bad", start.Add(-time.Hour)))
		_, err := tx.Upsert(ctx, TablePrograms, keys, program("p2", start.Add(2*time.Hour)))
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if recordErr == nil {
		t.Fatal("expected the check constraint to reject the inverted programme")
	}
	if msg := recordErr.Error(); !strings.HasPrefix(msg, "upsert programs") || strings.Contains(msg, "savepoint") {
		t.Errorf("record error should come from the upsert with the savepoint released cleanly: %q", msg)
	}
	n, _ := s.Count(ctx, TablePrograms, "acme")
	if n != 2 {
		t.Errorf("expected 2 committed programmes, got %d", n)
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sentinel := errors.New("stop")

	err := s.WithinTx(ctx, func(tx Tx) error {
		if _, err := tx.Upsert(ctx, TablePlaylistChannels, channelKeys, channelRow("c1", "One")); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if n, _ := s.Count(ctx, TablePlaylistChannels, "acme"); n != 0 {
		t.Errorf("expected rollback, found %d rows", n)
	}
}

func TestPostgresUpsertSQL(t *testing.T) {
	query, args := Postgres.UpsertSQL("playlist_channels", []string{"source", "natural_id"}, Row{
		{Name: "source", Value: "acme"},
		{Name: "natural_id", Value: "c1"},
		{Name: "display_name", Value: "One"},
	})

	want := "INSERT INTO playlist_channels (source, natural_id, display_name, created_at, updated_at) " +
		"VALUES ($1, $2, $3, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP) ON CONFLICT (source, natural_id) " +
		"DO UPDATE SET display_name = excluded.display_name, updated_at = excluded.updated_at " +
		"WHERE playlist_channels.display_name IS DISTINCT FROM excluded.display_name"
	if query != want {
		t.Errorf("unexpected sql:\n got: %s\nwant: %s", query, want)
	}
	if len(args) != 3 {
		t.Errorf("expected 3 args, got %d", len(args))
	}
}

func TestDialectFor(t *testing.T) {
	cases := map[string]string{"": "sqlite", "sqlite": "sqlite", "postgres": "postgres", "PQ": "postgres"}
	for in, want := range cases {
		d, err := DialectFor(in)
		if err != nil || d.Name != want {
			t.Errorf("DialectFor(%q) = %q, %v", in, d.Name, err)
		}
	}
	if _, err := DialectFor("mysql"); err == nil || !strings.Contains(err.Error(), "mysql") {
		t.Errorf("expected unsupported driver error, got %v", err)
	}
}
