package store

import (
	"context"
	"fmt"
	"strings"
)

const (
	TablePlaylistChannels = "playlist_channels"
	TableEpgChannels      = "epg_channels"
	TablePrograms         = "programs"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS playlist_channels (
	source TEXT NOT NULL,
	natural_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	stream_url TEXT NOT NULL,
	logo_url TEXT NOT NULL DEFAULT '',
	group_title TEXT NOT NULL DEFAULT '',
	created_at {{ts}} NOT NULL,
	updated_at {{ts}} NOT NULL,
	PRIMARY KEY (source, natural_id)
);
CREATE TABLE IF NOT EXISTS epg_channels (
	source TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	icon_url TEXT NOT NULL DEFAULT '',
	is_primary {{bool}} NOT NULL,
	created_at {{ts}} NOT NULL,
	updated_at {{ts}} NOT NULL,
	PRIMARY KEY (source, channel_id, display_name)
);
CREATE TABLE IF NOT EXISTS programs (
	source TEXT NOT NULL,
	program_id TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	start_time {{ts}} NOT NULL,
	end_time {{ts}} NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL,
	created_at {{ts}} NOT NULL,
	updated_at {{ts}} NOT NULL,
	PRIMARY KEY (source, program_id),
	CHECK (start_time < end_time)
);
CREATE INDEX IF NOT EXISTS idx_programs_channel ON programs (source, channel_id, start_time);
`

func (d Dialect) schema() []string {
	ddl := strings.NewReplacer("{{ts}}", d.TimestampType, "{{bool}}", d.BoolType).Replace(schemaTemplate)
	var stmts []string
	for _, stmt := range strings.Split(ddl, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

// Init creates the canonical tables if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create canonical schema: %w", err)
		}
	}
	return nil
}
