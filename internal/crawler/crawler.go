package crawler

import (
	"context"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"vulnverify/internal/extractor"
	"vulnverify/internal/logging"

	"go.uber.org/zap"
)

var defaultIgnored = []string{".git", "vendor", "node_modules", "testdata"}

// Options tunes which files a crawl visits.
type Options struct {
	// Ignore lists directory names that are never entered. Nil means the
	// defaults (.git, vendor, node_modules, testdata).
	Ignore []string
	// IncludeTests also extracts _test.go files.
	IncludeTests bool
	Logger       *zap.Logger
}

// Stats summarizes one crawl.
type Stats struct {
	Files   int
	Skipped int // files that could not be read or parsed
	Units   int
	// Collisions lists unit ids produced more than once. Only the first
	// occurrence reaches the callback, so evidence never silently switches
	// between two bodies with the same name.
	Collisions []string
}

// Crawler walks a project and streams the code units it finds.
type Crawler struct {
	extractor *extractor.Extractor
	opts      Options
	logger    *zap.Logger
}

func NewCrawler(ext *extractor.Extractor, opts Options) *Crawler {
	if opts.Ignore == nil {
		opts.Ignore = defaultIgnored
	}
	return &Crawler{extractor: ext, opts: opts, logger: logging.OrNop(opts.Logger)}
}

// ScanProject walks root and calls onUnit once per distinct unit id, in walk
// order. It stops early when ctx is cancelled.
func (c *Crawler) ScanProject(ctx context.Context, root string, onUnit func(*extractor.CodeUnit)) (Stats, error) {
	var stats Stats
	seen := make(map[string]string) // unit id -> file it came from

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if path != root && slices.Contains(c.opts.Ignore, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !c.wants(d.Name()) {
			return nil
		}

		stats.Files++
		units, err := c.extractor.ExtractFromFile(ctx, path)
		if err != nil {
			// one unparsable file must not fail the whole scan
			stats.Skipped++
			c.logger.Warn("skipping file", zap.String("path", path), zap.Error(err))
			return nil
		}

		rel, _ := filepath.Rel(root, path)
		for _, unit := range units {
			if first, dup := seen[unit.ID]; dup {
				stats.Collisions = append(stats.Collisions, unit.ID)
				c.logger.Warn("duplicate unit id, keeping first",
					zap.String("unit_id", unit.ID), zap.String("first", first), zap.String("path", rel))
				continue
			}
			seen[unit.ID] = rel
			stats.Units++
			onUnit(unit)
		}
		return nil
	})
	return stats, err
}

func (c *Crawler) wants(name string) bool {
	if !strings.HasSuffix(name, ".go") {
		return false
	}
	return c.opts.IncludeTests || !strings.HasSuffix(name, "_test.go")
}
