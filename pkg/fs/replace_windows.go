//go:build windows

package fs

import (
	"os"
	"time"
)

// replace renames src over dst. os.Rename uses MoveFileEx with
// MOVEFILE_REPLACE_EXISTING, which can fail transiently while another
// process holds dst open; retry, then fall back to delete-then-rename.
// The fallback leaves a brief window in which dst does not exist.
func replace(src, dst string) error {
	var err error
	for i := 0; i < 5; i++ {
		if err = os.Rename(src, dst); err == nil {
			return nil
		}
		time.Sleep(time.Duration(i+1) * 10 * time.Millisecond)
	}
	if rmErr := os.Remove(dst); rmErr != nil && !os.IsNotExist(rmErr) {
		return err
	}
	return os.Rename(src, dst)
}
