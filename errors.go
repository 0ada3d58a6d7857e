package main

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures so the run record and the caller
// can tell infrastructure problems apart from contract violations.
type ErrorKind string

const (
	ErrInvalidEvent       ErrorKind = "InvalidEvent"
	ErrBackendUnreachable ErrorKind = "BackendUnreachable"
	ErrBackendTimeout     ErrorKind = "BackendTimeout"
	ErrBackendError       ErrorKind = "BackendError"
	ErrMalformedResponse  ErrorKind = "MalformedResponse"
	ErrInvalidResult      ErrorKind = "InvalidResult"
	ErrStoreUnavailable   ErrorKind = "StoreUnavailable"
	ErrStoreRejected      ErrorKind = "StoreRejected"
)

// PipelineError is the error type every pipeline stage returns. The Kind
// is terminal for the run; no stage retries internally.
type PipelineError struct {
	Kind ErrorKind
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// pipelineErrf wraps an underlying error with a kind, keeping the usual
// fmt.Errorf formatting for the detail message.
func pipelineErrf(kind ErrorKind, format string, args ...interface{}) *PipelineError {
	return &PipelineError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from err, or "" when err is not a
// pipeline error.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
