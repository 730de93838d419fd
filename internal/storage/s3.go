package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Storage reads query logs from, and writes run reports to, an S3 or
// S3-compatible bucket.
type S3Storage struct {
	client  *s3.Client
	bucket  string
	retries int
	backoff time.Duration
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	Region string
	// Endpoint overrides the AWS endpoint, e.g. for MinIO or LocalStack.
	Endpoint     string
	UsePathStyle bool
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{Region: "us-east-1", MaxRetries: 3}
}

// NewS3Storage builds a client from the default AWS credential chain.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StorageWithClient(client, bucket, cfg), nil
}

// NewS3StorageWithClient wraps an existing client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config) *S3Storage {
	return &S3Storage{
		client:  client,
		bucket:  bucket,
		retries: max(cfg.MaxRetries, 0),
		backoff: 100 * time.Millisecond,
	}
}

// Get opens a log object for streaming.
func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var out *s3.GetObjectOutput
	err := s.attempt(ctx, func() (err error) {
		out, err = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return ErrObjectNotFound
		}
		return err
	})
	switch {
	case err == nil:
		return out.Body, nil
	case errors.Is(err, ErrObjectNotFound):
		return nil, ErrObjectNotFound
	default:
		return nil, fmt.Errorf("%w: s3://%s/%s: %v", ErrDownloadFailed, s.bucket, key, err)
	}
}

// Put uploads a report body, replacing any previous object at key.
func (s *S3Storage) Put(ctx context.Context, key string, body []byte) error {
	err := s.attempt(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: s3://%s/%s: %v", ErrUploadFailed, s.bucket, key, err)
	}
	return nil
}

// ListObjects returns every key under prefix, sorted.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for pages.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := s.attempt(ctx, func() (err error) {
			page, err = pages.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	// MinIO and friends do not always list in byte order
	sort.Strings(keys)
	return keys, nil
}

// attempt runs fn up to retries+1 times, doubling the pause between tries.
func (s *S3Storage) attempt(ctx context.Context, fn func() error) error {
	pause := s.backoff
	for try := 0; ; try++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil || permanent(err) || try >= s.retries {
			return err
		}

		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		pause *= 2
	}
}

func permanent(err error) bool {
	return errors.Is(err, ErrObjectNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
