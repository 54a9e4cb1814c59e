package domain

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Runner Errors
// =============================================================================

var (
	// ErrClaimConflict is returned when another instance claimed the request
	// first. It is benign.
	ErrClaimConflict = errors.New("request was claimed by another instance")

	// ErrStoreUnavailable is returned when the request or result store cannot
	// be reached. Callers retry with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrTimeoutExceeded is returned when a target or stage exceeds its deadline.
	ErrTimeoutExceeded = errors.New("timeout exceeded")

	// ErrAllTargetsFailed describes a request where no target succeeded.
	ErrAllTargetsFailed = errors.New("all targets failed")

	// ErrTargetMissing marks a target index that produced no outcome.
	ErrTargetMissing = errors.New("target produced no result")
)

// =============================================================================
// Stage Errors
// =============================================================================

// ErrorKind classifies a stage failure.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindFatal     ErrorKind = "fatal"
	KindTimeout   ErrorKind = "timeout"
)

// StageError is a failure raised while running a pipeline stage.
type StageError struct {
	Stage Stage
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Transient returns a retryable stage error.
func Transient(stage Stage, err error) *StageError {
	return &StageError{Stage: stage, Kind: KindTransient, Err: err}
}

// Fatal returns a non-retryable stage error.
func Fatal(stage Stage, err error) *StageError {
	return &StageError{Stage: stage, Kind: KindFatal, Err: err}
}

// Timeout returns a stage error for a deadline that fired during stage.
func Timeout(stage Stage, err error) *StageError {
	if err == nil {
		err = ErrTimeoutExceeded
	} else if !errors.Is(err, ErrTimeoutExceeded) {
		err = fmt.Errorf("%w: %v", ErrTimeoutExceeded, err)
	}
	return &StageError{Stage: stage, Kind: KindTimeout, Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind == KindTransient
	}
	return false
}

// KindOf returns the classification of err. Unclassified errors are fatal;
// deadline errors are timeouts.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, ErrTimeoutExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindFatal
}

// StageOf returns the stage recorded on err, if any.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
