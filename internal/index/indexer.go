package index

import (
	"context"
	"fmt"
	"time"

	"vulnverify/internal/crawler"
	"vulnverify/internal/extractor"
	"vulnverify/internal/logging"

	"go.uber.org/zap"
)

// Store is the subset of the vector store the indexer writes to.
type Store interface {
	Build(ctx context.Context, units []extractor.CodeUnit) error
	UnitIDs(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, ids []string) error
}

// Stats summarizes one indexing pass.
type Stats struct {
	Scan    crawler.Stats
	Units   int
	Removed int
	Elapsed time.Duration
}

// Indexer crawls a project and keeps the vector store in step with it.
type Indexer struct {
	crawler *crawler.Crawler
	store   Store
	log     *zap.Logger
}

func NewIndexer(c *crawler.Crawler, store Store, logger *zap.Logger) *Indexer {
	return &Indexer{crawler: c, store: store, log: logging.OrNop(logger)}
}

// Scan collects every code unit under root in crawl order.
func (i *Indexer) Scan(ctx context.Context, root string) ([]extractor.CodeUnit, crawler.Stats, error) {
	var units []extractor.CodeUnit
	stats, err := i.crawler.ScanProject(ctx, root, func(unit *extractor.CodeUnit) {
		units = append(units, *unit)
	})
	if err != nil {
		return nil, stats, fmt.Errorf("scan failed: %w", err)
	}
	return units, stats, nil
}

// Build embeds every unit under root and removes stored units that no longer
// exist in the project.
func (i *Indexer) Build(ctx context.Context, root string) (Stats, error) {
	start := time.Now()
	units, scan, err := i.Scan(ctx, root)
	if err != nil {
		return Stats{}, err
	}
	i.log.Info("project scanned",
		zap.String("root", root),
		zap.Int("files", scan.Files),
		zap.Int("skipped", scan.Skipped),
		zap.Int("units", len(units)),
		zap.Int("collisions", len(scan.Collisions)))

	if err := i.store.Build(ctx, units); err != nil {
		return Stats{}, fmt.Errorf("build vector store: %w", err)
	}

	stored, err := i.store.UnitIDs(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list stored units: %w", err)
	}
	current := make(map[string]struct{}, len(units))
	for _, u := range units {
		current[u.ID] = struct{}{}
	}
	var stale []string
	for _, id := range stored {
		if _, ok := current[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := i.store.Delete(ctx, stale); err != nil {
		return Stats{}, fmt.Errorf("remove stale units: %w", err)
	}
	if len(stale) > 0 {
		i.log.Info("removed stale units", zap.Int("count", len(stale)))
	}

	return Stats{Scan: scan, Units: len(current), Removed: len(stale), Elapsed: time.Since(start)}, nil
}
