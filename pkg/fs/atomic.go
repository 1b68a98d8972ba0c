package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/butter-bot-machines/scribe/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AtomicWriter writes through a temp file in the target's directory which is
// fsynced and renamed over the target.
type AtomicWriter struct {
	// Perm is used for files that do not exist yet
	Perm os.FileMode
	// OnCommit, when set, is called after each successful replace
	OnCommit func(path string, data []byte)
}

// NewAtomicWriter creates a writer creating new files with mode 0644
func NewAtomicWriter() *AtomicWriter {
	return &AtomicWriter{Perm: 0o644}
}

// WriteFile atomically replaces path with data. The mode of an existing
// target is preserved. On failure the target is left untouched and the temp
// file is removed.
func (w *AtomicWriter) WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	perm := w.Perm
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return errors.Wrap(errors.AtomicWriteFailed, err, "create temp file in %s", dir)
	}
	tmpName := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return errors.Wrap(errors.AtomicWriteFailed, err, "write temp file")
	}
	if err := tmp.Chmod(perm); err != nil {
		return errors.Wrap(errors.AtomicWriteFailed, err, "chmod temp file")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(errors.AtomicWriteFailed, err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(errors.AtomicWriteFailed, err, "close temp file")
	}

	if err := replace(tmpName, path); err != nil {
		return errors.Wrap(errors.AtomicWriteFailed, err, "rename %s", filepath.Base(path))
	}
	committed = true

	syncDir(dir)
	if w.OnCommit != nil {
		w.OnCommit(path, data)
	}
	return nil
}

// WriteJSON serializes v as indented JSON and writes it atomically
func (w *AtomicWriter) WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(errors.AtomicWriteFailed, err, "marshal json")
	}
	return w.WriteFile(path, append(data, '\n'))
}

// WriteYAML serializes v as YAML and writes it atomically
func (w *AtomicWriter) WriteYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrap(errors.AtomicWriteFailed, err, "marshal yaml")
	}
	return w.WriteFile(path, data)
}

// IsTemp reports whether name is an AtomicWriter temp file
func IsTemp(name string) bool {
	return strings.HasPrefix(filepath.Base(name), TempPrefix)
}

// IsSymlink reports whether path itself is a symbolic link
func IsSymlink(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}

// syncDir flushes the rename to disk where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// OSReader implements Reader on the local filesystem
type OSReader struct{}

// ReadFile implements Reader. Symlinks are refused, not followed.
func (OSReader) ReadFile(path string, limit int64) ([]byte, error) {
	if IsSymlink(path) {
		return nil, fmt.Errorf("%w: %s is a symlink", ErrInvalidPath, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidPath, path)
	}
	if limit > 0 && info.Size() > limit {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, info.Size(), limit)
	}

	data := make([]byte, info.Size())
	n, err := readFull(f, data)
	if err != nil {
		return nil, err
	}
	return data[:n], nil
}
