package core

import (
	"context"
	iofs "io/fs"
	"path/filepath"
	"sort"

	"github.com/butter-bot-machines/scribe/pkg/events"
	"github.com/butter-bot-machines/scribe/pkg/fs"
	"github.com/butter-bot-machines/scribe/pkg/security"
)

// ScanReport summarizes a Scan
type ScanReport struct {
	Files     int `json:"files"`
	Submitted int `json:"submitted"`
	Filtered  int `json:"filtered"`
}

// Scan walks the watch paths and submits a Modified event for every file
// the watch patterns admit, as if each had just been edited. Files are
// submitted in lexical order; Submit blocking on a full shard throttles
// the walk. Call Stop afterwards to wait for the events to finish.
func (c *Core) Scan(ctx context.Context) (ScanReport, error) {
	var report ScanReport
	gen := c.store.Current()
	globs, err := fs.CompileGlobs(gen.Config.Patterns())
	if err != nil {
		return report, err
	}
	exclude := excludedDirs(gen)

	var paths []string
	for _, root := range gen.Config.EngineSettings.WatchPaths {
		err := filepath.WalkDir(root, func(path string, d iofs.DirEntry, err error) error {
			if err != nil {
				c.logger.Warn("Scan skipped unreadable path", "path", path, "error", err)
				return nil
			}
			for _, ex := range exclude {
				if security.IsSubPath(path, ex) {
					if d.IsDir() {
						return filepath.SkipDir
					}
					return nil
				}
			}
			if !d.Type().IsRegular() || fs.IsTemp(d.Name()) {
				return nil
			}
			report.Files++
			rel, err := filepath.Rel(root, path)
			if err != nil || !globs.Match(filepath.ToSlash(rel)) {
				report.Filtered++
				return nil
			}
			paths = append(paths, path)
			return nil
		})
		if err != nil {
			return report, err
		}
	}
	sort.Strings(paths)

	for _, path := range paths {
		ev := events.NewFileEvent(events.Modified, path, "", c.clock.Now())
		if err := c.pool.Submit(ctx, c.runner.NewJob(ev)); err != nil {
			return report, err
		}
		report.Submitted++
	}
	c.logger.Info("Scan submitted", "files", report.Files, "submitted", report.Submitted)
	return report, nil
}
