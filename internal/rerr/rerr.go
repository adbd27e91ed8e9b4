// Package rerr defines the error taxonomy shared by the research core.
package rerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and persistence decisions.
type Kind string

const (
	// KindInvalidContinuation marks a continuation precondition violation.
	// Reported synchronously, before any work is enqueued.
	KindInvalidContinuation Kind = "invalid_continuation_state"
	// KindAgentExecution marks an agent failure or timeout. Surfaced
	// asynchronously as a failed session.
	KindAgentExecution Kind = "agent_execution_error"
	// KindDocumentExtraction marks a per-document extraction failure. It never
	// fails the owning session.
	KindDocumentExtraction Kind = "document_extraction_error"
	// KindPersistence marks a storage failure, fatal to the execution unit.
	KindPersistence Kind = "persistence_error"
)

// Error carries a taxonomy kind alongside a wrapped cause.
type Error struct {
	Kind    Kind
	Timeout bool
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind with a plain message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Timeout creates an agent execution error with the timeout subkind set.
func Timeout(msg string, err error) error {
	return &Error{Kind: KindAgentExecution, Timeout: true, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or "" when err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTimeout reports whether err is an agent execution timeout.
func IsTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Timeout
}
