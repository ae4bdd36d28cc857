package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageFailure matches any error caused by local persistence being
	// unavailable or corrupt. A mutation that fails with it was not persisted.
	ErrStorageFailure = errors.New("local storage failure")

	// ErrNotFound is returned when a record does not exist locally.
	ErrNotFound = errors.New("not found")

	// ErrInvariant is returned when a write would break a record invariant.
	ErrInvariant = errors.New("invariant violation")
)

// StorageError wraps a driver error with the store operation that produced it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is makes every StorageError match ErrStorageFailure.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}
