package watcher

import (
	"time"
)

// Debouncer coalesces rapid events
type Debouncer interface {
	// Debounce delays execution of fn until events for key settle
	Debounce(key string, fn func())
	// Cancel drops a pending call for key
	Cancel(key string)
	// Stop stops the debouncer
	Stop()
}

// PathManager manages watched paths
type PathManager interface {
	// AddPath watches a directory and everything below it
	AddPath(path string) error
	// RemovePath stops watching a directory
	RemovePath(path string) error
	// IsWatched checks if a path is being watched
	IsWatched(path string) bool
}

// FileWatcher monitors files for changes and publishes them as
// events.FileEvent on the file topic
type FileWatcher interface {
	PathManager

	// SetPatterns replaces the glob filter
	SetPatterns(patterns []string) error
	// Stats returns the watcher's counters
	Stats() Stats
	// Stop stops the watcher
	Stop() error
}

// Stats are the watcher's counters
type Stats struct {
	Published uint64 `json:"published"`
	Filtered  uint64 `json:"filtered"`
	Dropped   uint64 `json:"dropped"`
	SelfWrite uint64 `json:"self_writes"`
	Gaps      uint64 `json:"gaps"`
	Watched   int    `json:"watched_dirs"`
}

// Config configures a watcher
type Config struct {
	// Roots are watched recursively; each must exist
	Roots []string
	// Patterns filter events by glob; empty admits every file
	Patterns []string
	// Exclude lists directories that are never watched
	Exclude []string
	// Debounce is the quiet period per path; MaxDelay caps how long a busy
	// path can be held back
	Debounce time.Duration
	MaxDelay time.Duration
}
