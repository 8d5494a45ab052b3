// Package archive publishes the results of finished jobs to a report store.
//
// A Store is a flat key/value object sink: a local mirror directory or an
// S3 bucket. Publishing is best-effort; the job directory stays the source
// of truth.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Type identifies a store implementation.
type Type string

const (
	TypeFile Type = "file"
	TypeS3   Type = "s3"
)

// Sentinel errors for store operations.
var (
	ErrNotFound           = errors.New("object not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnavailable        = errors.New("store unavailable")
	ErrThrottled          = errors.New("request throttled")
	ErrInvalidKey         = errors.New("invalid key")
)

// Store receives published objects.
type Store interface {
	// Put writes body under key, replacing any existing object.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Close releases resources held by the store.
	Close() error
}

// StoreError wraps a store failure with its context.
type StoreError struct {
	Op     string
	Store  Type
	Bucket string
	Key    string
	Err    error
}

func (e *StoreError) Error() string {
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Store, e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Store, e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsAccessDenied reports whether err indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsThrottled reports whether err indicates rate limiting.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}
