package fs

import (
	"errors"
	"io/fs"
)

// Writer replaces file contents without ever exposing a partial file.
type Writer interface {
	// WriteFile atomically replaces path with data
	WriteFile(path string, data []byte) error

	// WriteJSON serializes v as indented JSON and writes it atomically
	WriteJSON(path string, v interface{}) error

	// WriteYAML serializes v as YAML and writes it atomically
	WriteYAML(path string, v interface{}) error
}

// Reader reads files with an upper size bound.
type Reader interface {
	// ReadFile returns the contents of path, or ErrTooLarge when the file
	// exceeds limit bytes. A limit <= 0 disables the check.
	ReadFile(path string, limit int64) ([]byte, error)
}

// TempPrefix starts the name of every temp file created by AtomicWriter.
const TempPrefix = ".scribe-tmp-"

// Error types for filesystem operations
var (
	ErrNotExist    = fs.ErrNotExist
	ErrPermission  = fs.ErrPermission
	ErrInvalidPath = fs.ErrInvalid
	ErrTooLarge    = errors.New("file exceeds size limit")
)
