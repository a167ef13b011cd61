// Package source locates and opens the daily access log files of a log root.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when no log file exists for a day
var ErrNotFound = errors.New("log file not found")

const (
	monthLayout = "2006-01"
	dayLayout   = "2006-01-02"
	plainExt    = ".log"
	gzipExt     = ".log.gz"
)

// Source gives access to the log files of one log root
type Source interface {
	// Locate returns the name of the log file for day, or ErrNotFound
	Locate(ctx context.Context, day time.Time) (string, error)
	// Open returns the content of the named file starting at byte offset
	// (an offset in the decompressed stream for compressed files)
	Open(ctx context.Context, name string, offset int64) (io.ReadCloser, error)
}

// DayPath returns <YYYY-MM>/<YYYY-MM-DD><ext> for day
func DayPath(day time.Time, ext string) string {
	return path.Join(day.Format(monthLayout), day.Format(dayLayout)+ext)
}

// Name returns the logical source name of a file: its base name without extensions
func Name(file string) string {
	base := path.Base(strings.ReplaceAll(file, "\\", "/"))
	if i := strings.Index(base, "."); i > 0 {
		return base[:i]
	}
	return base
}

// New returns the Source for root: an S3 source for s3://bucket/prefix
// roots, the local filesystem otherwise.
func New(ctx context.Context, root string, cfg S3Config) (Source, error) {
	if root == "" {
		return nil, errors.New("log root cannot be empty")
	}

	if rest, ok := strings.CutPrefix(root, "s3://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, fmt.Errorf("invalid S3 log root %q", root)
		}
		client, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3(client, bucket, prefix), nil
	}

	return NewFilesystem(root), nil
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
