package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/gzip"

	"github.com/scality/log-index/pkg/source"
)

// S3TestHelper stores day log files in a bucket used as an s3:// log root
type S3TestHelper struct {
	client *awss3.Client
}

// NewS3TestHelper creates a helper talking to the S3 service described by cfg
func NewS3TestHelper(ctx context.Context, cfg source.S3Config) (*S3TestHelper, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("S3 credentials not configured")
	}

	client, err := source.NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3TestHelper{client: client}, nil
}

// Client returns the underlying S3 client
func (h *S3TestHelper) Client() *awss3.Client {
	return h.client
}

// CreateBucket creates a test bucket
func (h *S3TestHelper) CreateBucket(ctx context.Context, bucketName string) error {
	_, err := h.client.CreateBucket(ctx, &awss3.CreateBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		var bucketAlreadyExists *types.BucketAlreadyExists
		var bucketAlreadyOwnedByYou *types.BucketAlreadyOwnedByYou
		if !errors.As(err, &bucketAlreadyExists) && !errors.As(err, &bucketAlreadyOwnedByYou) {
			return fmt.Errorf("failed to create test bucket: %w", err)
		}
	}
	return nil
}

// DeleteBucket deletes a test bucket and all its objects
func (h *S3TestHelper) DeleteBucket(ctx context.Context, bucketName string) error {
	listOutput, err := h.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		var noSuchBucket *types.NoSuchBucket
		if errors.As(err, &noSuchBucket) {
			return nil
		}
		return fmt.Errorf("failed to list objects: %w", err)
	}

	if len(listOutput.Contents) > 0 {
		objectsToDelete := make([]types.ObjectIdentifier, len(listOutput.Contents))
		for i, obj := range listOutput.Contents {
			objectsToDelete[i] = types.ObjectIdentifier{
				Key: obj.Key,
			}
		}

		_, err = h.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(bucketName),
			Delete: &types.Delete{
				Objects: objectsToDelete,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects: %w", err)
		}
	}

	_, err = h.client.DeleteBucket(ctx, &awss3.DeleteBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		var noSuchBucket *types.NoSuchBucket
		if errors.As(err, &noSuchBucket) {
			return nil
		}
		return fmt.Errorf("failed to delete bucket: %w", err)
	}

	return nil
}

// PutDayLog stores the log file of a day under prefix, gzip-compressed
// when compress is set, and returns its key.
func (h *S3TestHelper) PutDayLog(ctx context.Context, bucketName, prefix string, day time.Time, content []byte, compress bool) (string, error) {
	key := path.Join(prefix, source.DayPath(day, ".log"))
	if compress {
		key += ".gz"

		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(content); err != nil {
			return "", err
		}
		if err := zw.Close(); err != nil {
			return "", err
		}
		content = buf.Bytes()
	}

	_, err := h.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put %s: %w", key, err)
	}
	return key, nil
}
