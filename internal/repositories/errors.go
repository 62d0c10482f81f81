package repositories

import (
	"errors"
	"fmt"
)

type errorKind int

const (
	kindUnknown errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// StoreError implements RepositoryError for the in-process and SQL backends.
type StoreError struct {
	op   string
	kind errorKind
	err  error
}

var _ RepositoryError = (*StoreError)(nil)

func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *StoreError) IsNotFound() bool    { return e != nil && e.kind == kindNotFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.kind == kindConflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// NewNotFoundError reports a missing record.
func NewNotFoundError(op, format string, args ...any) error {
	return &StoreError{op: op, kind: kindNotFound, err: fmt.Errorf(format, args...)}
}

// NewConflictError reports a uniqueness or precondition violation.
func NewConflictError(op string, err error) error {
	return &StoreError{op: op, kind: kindConflict, err: err}
}

// NewUnavailableError reports a transient backend failure.
func NewUnavailableError(op string, err error) error {
	return &StoreError{op: op, kind: kindUnavailable, err: err}
}

// WrapStoreError annotates err without classifying it.
func WrapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	return &StoreError{op: op, kind: kindUnknown, err: err}
}

// IsNotFound reports whether err is a RepositoryError flagged as not found.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a RepositoryError flagged as a conflict.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err is a RepositoryError flagged as unavailable.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
