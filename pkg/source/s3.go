package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/klauspost/compress/gzip"
)

// S3API is the subset of the S3 client used by the S3 source
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 reads logs stored as <prefix>/<YYYY-MM>/<YYYY-MM-DD>.log[.gz] in a bucket
type S3 struct {
	client S3API
	bucket string
	prefix string
}

// NewS3 creates an S3 source
func NewS3(client S3API, bucket, prefix string) *S3 {
	return &S3{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Locate returns the object key of the log file for day
func (s *S3) Locate(ctx context.Context, day time.Time) (string, error) {
	for _, ext := range []string{plainExt, gzipExt} {
		key := path.Join(s.prefix, DayPath(day, ext))

		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			return key, nil
		}
		if !isNotFound(err) {
			return "", fmt.Errorf("failed to look up s3://%s/%s: %w", s.bucket, key, err)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, day.Format(dayLayout))
}

// Open reads the object at key from offset. Plain objects are fetched
// with a ranged GET; compressed objects are decompressed from the start.
func (s *S3) Open(ctx context.Context, key string, offset int64) (io.ReadCloser, error) {
	compressed := strings.HasSuffix(key, ".gz")

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if offset > 0 && !compressed {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	output, err := s.client.GetObject(ctx, input)
	if err != nil {
		if isInvalidRange(err) {
			return io.NopCloser(strings.NewReader("")), nil
		}
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, s.bucket, key)
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", s.bucket, key, err)
	}

	if !compressed {
		return output.Body, nil
	}

	gz, err := gzip.NewReader(output.Body)
	if err != nil {
		_ = output.Body.Close()
		return nil, fmt.Errorf("failed to read gzip header of s3://%s/%s: %w", s.bucket, key, err)
	}
	if err := skip(gz, offset); err != nil {
		_ = gz.Close()
		_ = output.Body.Close()
		return nil, fmt.Errorf("failed to skip to %d in s3://%s/%s: %w", offset, s.bucket, key, err)
	}
	return &readCloser{Reader: gz, closers: []io.Closer{output.Body, gz}}, nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func isInvalidRange(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange"
}
