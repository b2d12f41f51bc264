// Package archive keeps a durable copy of every batch handed to the backend:
// the recordings go to an object store and a row per batch and item goes to a
// PostgreSQL ledger.
package archive

import (
	"context"
	"errors"
	"net/http"
)

// ObjectStore is the subset of object storage the archiver needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, opts PutOptions) error
	Exists(ctx context.Context, key string) (bool, error)
	HealthCheck(ctx context.Context) error
	Bucket() string
}

// PutOptions describes a stored object.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// StorageError represents a storage operation error
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotExist reports whether err means the object or bucket is missing.
func IsNotExist(err error) bool {
	var serr *StorageError
	return errors.As(err, &serr) && serr.StatusCode == http.StatusNotFound
}

// IsAccessDenied reports whether the store refused the credentials.
func IsAccessDenied(err error) bool {
	var serr *StorageError
	return errors.As(err, &serr) && serr.StatusCode == http.StatusForbidden
}
