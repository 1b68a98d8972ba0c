package plugin

import (
	"github.com/butter-bot-machines/scribe/pkg/fs"
)

// PathValidator resolves repository-relative paths under the security
// policy
type PathValidator interface {
	ValidatePath(rel string) (string, error)
}

// Files gives plugins repository-relative file access. Every path is
// validated before use and writes go through the atomic writer.
type Files struct {
	paths  PathValidator
	writer fs.Writer
	reader fs.Reader
	limit  int64
}

var (
	_ fs.Writer  = (*Files)(nil)
	_ FileReader = (*Files)(nil)
)

// NewFiles creates a Files bounded to reads of at most limit bytes
func NewFiles(paths PathValidator, writer fs.Writer, reader fs.Reader, limit int64) *Files {
	if reader == nil {
		reader = fs.OSReader{}
	}
	return &Files{paths: paths, writer: writer, reader: reader, limit: limit}
}

// ReadFile implements FileReader
func (f *Files) ReadFile(rel string) ([]byte, error) {
	abs, err := f.paths.ValidatePath(rel)
	if err != nil {
		return nil, err
	}
	return f.reader.ReadFile(abs, f.limit)
}

// WriteFile implements fs.Writer for repository-relative paths
func (f *Files) WriteFile(rel string, data []byte) error {
	abs, err := f.paths.ValidatePath(rel)
	if err != nil {
		return err
	}
	return f.writer.WriteFile(abs, data)
}

// WriteJSON implements fs.Writer for repository-relative paths
func (f *Files) WriteJSON(rel string, v interface{}) error {
	abs, err := f.paths.ValidatePath(rel)
	if err != nil {
		return err
	}
	return f.writer.WriteJSON(abs, v)
}

// WriteYAML implements fs.Writer for repository-relative paths
func (f *Files) WriteYAML(rel string, v interface{}) error {
	abs, err := f.paths.ValidatePath(rel)
	if err != nil {
		return err
	}
	return f.writer.WriteYAML(abs, v)
}
