package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Filesystem reads logs laid out as <root>/<YYYY-MM>/<YYYY-MM-DD>.log,
// falling back to a gzip-compressed <YYYY-MM-DD>.log.gz.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem source rooted at root
func NewFilesystem(root string) *Filesystem {
	return &Filesystem{root: root}
}

// Locate returns the path of the log file for day
func (f *Filesystem) Locate(_ context.Context, day time.Time) (string, error) {
	for _, ext := range []string{plainExt, gzipExt} {
		p := filepath.Join(f.root, filepath.FromSlash(DayPath(day, ext)))
		info, err := os.Stat(p)
		if err == nil && info.Mode().IsRegular() {
			return p, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to stat %s: %w", p, err)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, day.Format(dayLayout))
}

// Open opens the file at name positioned at offset
func (f *Filesystem) Open(_ context.Context, name string, offset int64) (io.ReadCloser, error) {
	file, err := os.Open(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}

	if !strings.HasSuffix(name, ".gz") {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to seek %s to %d: %w", name, offset, err)
		}
		return file, nil
	}

	gz, err := gzip.NewReader(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to read gzip header of %s: %w", name, err)
	}
	if err := skip(gz, offset); err != nil {
		_ = gz.Close()
		_ = file.Close()
		return nil, fmt.Errorf("failed to skip to %d in %s: %w", offset, name, err)
	}

	return &readCloser{Reader: gz, closers: []io.Closer{file, gz}}, nil
}

// skip discards n bytes; reaching the end of the stream first is not an error
func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, n)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
