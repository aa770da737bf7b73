package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable indicates the underlying storage engine cannot serve
	// the request. Callers degrade to network-only operation instead of failing.
	ErrStorageUnavailable = errors.New("cache: storage unavailable")
	// ErrInvalidArgument indicates caller misuse such as an unknown index name
	// or a malformed primary key.
	ErrInvalidArgument = errors.New("cache: invalid argument")
)

// StoreError carries a dotted operation code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code, e.g. "cache.put.engine_write_failed".
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func storageUnavailable(operation, reason string, cause error) error {
	return newStoreError(operation, reason, fmt.Errorf("%w: %w", ErrStorageUnavailable, cause))
}

func invalidArgument(operation, reason string, cause error) error {
	if cause == nil {
		return newStoreError(operation, reason, ErrInvalidArgument)
	}
	return newStoreError(operation, reason, fmt.Errorf("%w: %w", ErrInvalidArgument, cause))
}
