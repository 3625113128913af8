package domain

import "time"

// RefreshStatus is the terminal outcome recorded on FileMetadata.
type RefreshStatus string

const (
	RefreshSuccess   RefreshStatus = "success"
	RefreshFailed    RefreshStatus = "failed"
	RefreshCancelled RefreshStatus = "cancelled"
)

// RecordTotals counts what the last completed load stored for a file.
type RecordTotals struct {
	Channels int
	Programs int
}

// FileMetadata tracks one remote file of a source.
type FileMetadata struct {
	RemoteURL           string
	LastRefreshStarted  *time.Time
	LastRefreshFinished *time.Time
	LastStatus          RefreshStatus
	LastSizeBytes       int64
	LocalPath           string
	TotalRecords        RecordTotals
}

// Source is an operator-configured feed provider. Name is unique and partitions
// every record loaded from it.
type Source struct {
	Name              string
	Enabled           bool
	RefreshEveryHours int
	Timezone          string
	Files             map[Kind]FileMetadata
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// File returns the metadata for kind k and whether the source has a URL for it.
func (s Source) File(k Kind) (FileMetadata, bool) {
	meta, ok := s.Files[k]
	if !ok || meta.RemoteURL == "" {
		return meta, false
	}
	return meta, true
}

// SetFile replaces the metadata for kind k.
func (s *Source) SetFile(k Kind, meta FileMetadata) {
	if s.Files == nil {
		s.Files = make(map[Kind]FileMetadata)
	}
	s.Files[k] = meta
}
