//go:build !unix && !windows

package mmap

import (
	"errors"
	"io"
	"os"
)

// mmap falls back to reading the file into memory on platforms without
// mapping support. Writable mappings cannot be emulated this way.
func mmap(f *os.File, size int, opt Options) ([]byte, error) {
	if opt.Has(Writable) {
		return nil, errors.ErrUnsupported
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, int64(size)), b); err != nil {
		return nil, err
	}
	return b, nil
}

func munmap(b []byte) error {
	return nil
}
