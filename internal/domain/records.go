package domain

import "time"

// UncategorizedCategory is stored for programmes without a <category>.
const UncategorizedCategory = "uncategorized"

// ParsedChannel is a playlist entry keyed by (Source, NaturalID).
type ParsedChannel struct {
	Source      string
	NaturalID   string
	DisplayName string
	StreamURL   string
	LogoURL     string
	Group       string
}

// EpgChannel is a guide channel. A channel id may appear several times with
// alternate display names; only the first occurrence is primary.
type EpgChannel struct {
	Source      string
	ChannelID   string
	DisplayName string
	IconURL     string
	IsPrimary   bool
}

// Program is a scheduled guide entry keyed by (Source, ProgramID).
type Program struct {
	Source      string
	ProgramID   string
	ChannelID   string
	StartTime   time.Time
	EndTime     time.Time
	Title       string
	Description string
	Category    string
}

type LoadOutcome string

const (
	OutcomeUpserted LoadOutcome = "upserted"
	OutcomeSkipped  LoadOutcome = "skipped"
	OutcomeError    LoadOutcome = "error"
)

// LoadResult reports one attempted write. It is streamed, never persisted.
type LoadResult struct {
	RecordType string
	RecordID   string
	Outcome    LoadOutcome
	Message    string
}
