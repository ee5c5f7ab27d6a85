package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies why a job could not be completed.
type ErrorKind string

const (
	// ErrorKindTimeout means execution exceeded its deadline.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindExecution means the executor (or workspace setup) failed.
	ErrorKindExecution ErrorKind = "execution_failure"
	// ErrorKindValidation means the job payload was malformed.
	ErrorKindValidation ErrorKind = "validation_failure"
	// ErrorKindTransport means the coordinator could not be reached or rejected a request.
	ErrorKindTransport ErrorKind = "transport_failure"
)

// Valid returns true if the kind is a known value.
func (k ErrorKind) Valid() bool {
	switch k {
	case ErrorKindTimeout, ErrorKindExecution, ErrorKindValidation, ErrorKindTransport:
		return true
	default:
		return false
	}
}

// JobError is the tagged failure value carried from executors to the
// failure report. Category is a free-form refinement supplied by the
// executor (for example "timeout" or "rate_limited"); PartialOutput is
// whatever output was produced before the failure.
type JobError struct {
	Kind          ErrorKind
	Message       string
	Category      string
	PartialOutput string
	Err           error
}

// Error implements the error interface.
func (e *JobError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Category, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *JobError) Unwrap() error {
	return e.Err
}

// NewJobError builds a JobError wrapping err.
func NewJobError(kind ErrorKind, category string, err error) *JobError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &JobError{Kind: kind, Message: msg, Category: category, Err: err}
}

// AsJobError normalises any error into a JobError.
// Context deadline errors become timeouts; everything else that is not
// already a JobError is treated as an execution failure.
func AsJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &JobError{Kind: ErrorKindTimeout, Message: err.Error(), Category: "timeout", Err: err}
	}
	return &JobError{Kind: ErrorKindExecution, Message: err.Error(), Err: err}
}
