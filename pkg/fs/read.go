package fs

import (
	"errors"
	"io"
	"os"
)

// readFull reads until buf is full or EOF. A file that shrank while being
// read yields the shorter content.
func readFull(f *os.File, buf []byte) (int, error) {
	n, err := io.ReadFull(f, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}
