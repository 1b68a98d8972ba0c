//go:build !windows

package fs

import "os"

// replace renames src over dst. Same-directory rename is atomic on POSIX.
func replace(src, dst string) error {
	return os.Rename(src, dst)
}
