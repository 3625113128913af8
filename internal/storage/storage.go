package storage

import (
	"context"
	"time"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// FeedRef identifies the raw feed being archived.
type FeedRef struct {
	Source    string
	Kind      string
	Extension string
	FetchedAt time.Time
}

// Archiver keeps copies of downloaded raw feeds in remote object storage.
type Archiver interface {
	ArchiveFeed(ctx context.Context, localPath string, ref FeedRef) (string, error)
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Prune deletes all but the newest keep archives of one source and kind.
	Prune(ctx context.Context, source, kind string, keep int) (int, error)
}
