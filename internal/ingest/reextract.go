package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-case-harvester/internal/metrics"
)

// DefaultReextractBatch is the page size used when walking stored posts.
const DefaultReextractBatch = 200

// ReextractStats tallies a re-extraction pass.
type ReextractStats struct {
	Examined int
	Upserted int
	Removed  int
}

// Reextract re-runs the extractor over stored posts whose case is missing or
// was produced by another extractor version. Accepted results are upserted,
// others remove any stale case.
func (p *Pipeline) Reextract(ctx context.Context, batchSize int) (ReextractStats, error) {
	var stats ReextractStats
	if p.repo == nil {
		return stats, fmt.Errorf("repository is required")
	}
	if batchSize <= 0 {
		batchSize = DefaultReextractBatch
	}
	version := p.extractor.Version()
	logger := p.logger.With(zap.String("extractor_version", version))
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("reextract stopped after post %d: %w", afterID, err)
		}
		posts, err := p.repo.ListPostsForReextraction(ctx, version, afterID, batchSize)
		if err != nil {
			return stats, fmt.Errorf("list posts after %d: %w", afterID, err)
		}
		if len(posts) == 0 {
			break
		}
		for _, post := range posts {
			afterID = post.ID
			stats.Examined++
			result := p.extractor.Extract(post.Body)
			if p.cfg.DryRun {
				continue
			}
			if !result.Accepted {
				if post.ExtractorVersion == "" {
					continue
				}
				err = p.retryWrite(ctx, "delete_case", func(ctx context.Context) error {
					return p.repo.DeleteExtractedCase(ctx, post.ID)
				})
				if err != nil {
					return stats, fmt.Errorf("delete case for post %d: %w", post.ID, err)
				}
				stats.Removed++
				continue
			}
			err = p.retryWrite(ctx, "upsert_case", func(ctx context.Context) error {
				return p.repo.UpsertExtractedCase(ctx, post.ID, result.Case)
			})
			if err != nil {
				return stats, fmt.Errorf("upsert case for post %d: %w", post.ID, err)
			}
			stats.Upserted++
			metrics.ObserveCase(p.cfg.SourceID, result.Case.Confidence)
		}
		if len(posts) < batchSize {
			break
		}
	}
	logger.Info("reextraction finished",
		zap.Int("examined", stats.Examined),
		zap.Int("upserted", stats.Upserted),
		zap.Int("removed", stats.Removed),
	)
	return stats, nil
}
