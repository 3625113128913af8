package service

import (
	"context"
	"errors"
	"fmt"

	"iptv-ingest/internal/domain"
	"iptv-ingest/internal/repository"
)

// SeedSources merges configured sources into the registry. Operator settings
// and remote URLs come from the seeds; refresh metadata already stored for a
// URL that did not change is kept.
func SeedSources(ctx context.Context, repo repository.SourceRepository, seeds []domain.Source) error {
	merged := make([]domain.Source, 0, len(seeds))
	for _, seed := range seeds {
		existing, err := repo.Get(ctx, seed.Name)
		if errors.Is(err, repository.ErrNotFound) {
			merged = append(merged, seed)
			continue
		}
		if err != nil {
			return fmt.Errorf("load source %s: %w", seed.Name, err)
		}

		src := seed
		src.Files = nil
		for kind, meta := range seed.Files {
			if prev, ok := existing.Files[kind]; ok && prev.RemoteURL == meta.RemoteURL {
				meta = prev
			}
			src.SetFile(kind, meta)
		}
		merged = append(merged, src)
	}
	if len(merged) == 0 {
		return nil
	}
	if err := repo.Save(ctx, merged...); err != nil {
		return fmt.Errorf("save sources: %w", err)
	}
	return nil
}
