package s3

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/fmaxsweep/pkg/archive"
)

// putObjectAPI is the subset of the S3 client the store uses.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store implements archive.Store on an S3 bucket.
type Store struct {
	client putObjectAPI
	bucket string
	prefix string
}

var _ archive.Store = (*Store)(nil)

// New creates a Store. It resolves credentials but does not contact the
// bucket.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &archive.StoreError{Op: "New", Store: archive.TypeS3, Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newStore(client, cfg), nil
}

func newStore(client putObjectAPI, cfg Config) *Store {
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Put uploads body under key.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	full := s.fullKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(full),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return s.wrapError("Put", full, err)
	}
	return nil
}

// Close is a no-op; the S3 client holds no resources that need releasing.
func (s *Store) Close() error {
	return nil
}

func (s *Store) fullKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// wrapError maps S3 failures onto archive sentinels.
func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &archive.StoreError{Op: op, Store: archive.TypeS3, Bucket: s.bucket, Key: key, Err: err}

	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &noSuchKey):
		wrapped.Err = archive.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = archive.ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = archive.ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = archive.ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = archive.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = archive.ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = archive.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = archive.ErrUnavailable
		}
	}
	return wrapped
}

// resolveRegion applies the us-east-1 fallback for AWS S3. The SDK already
// resolved explicit, environment and profile regions into sdkRegion.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
