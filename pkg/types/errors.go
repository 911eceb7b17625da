package types

import (
	"errors"
	"fmt"
)

// Sentinel kinds, matched with errors.Is against the typed errors below
var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrExternalService = errors.New("external service error")
	ErrInternal        = errors.New("internal error")
	ErrConflict        = errors.New("conflict")
)

// ValidationError reports malformed input to a public operation
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid input: %s", e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports a missing project, session or container
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFound returns a NotFoundError for the given kind and id
func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ExternalServiceError wraps a failed runtime, proxy or persistence call
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

func (e *ExternalServiceError) Is(target error) bool { return target == ErrExternalService }

// External wraps err as an ExternalServiceError; nil stays nil
func External(service, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalServiceError{Service: service, Op: op, Err: err}
}

// StatusConflictError reports a conditional status change that found the
// record in another state
type StatusConflictError struct {
	Kind string
	ID   string
	Want string
	Got  string
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("%s %s is %s, not %s", e.Kind, e.ID, e.Got, e.Want)
}

func (e *StatusConflictError) Is(target error) bool { return target == ErrConflict }

// InternalError reports an invariant violation
type InternalError struct {
	Reason string
}

func (e *InternalError) Error() string {
	return "internal error: " + e.Reason
}

func (e *InternalError) Is(target error) bool { return target == ErrInternal }

// IsNotFound reports whether err is, or wraps, a NotFoundError
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is, or wraps, a StatusConflictError
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
