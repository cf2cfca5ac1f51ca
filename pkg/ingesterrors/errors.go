// Package ingesterrors provides the structured error taxonomy of the
// ingestion pipeline. Every failure surfaced by a pipeline component is an
// *Error carrying a Kind, a human-readable message, the underlying cause and
// optional key-value details.
//
// # Kinds and scope
//
// Kinds decide how the orchestrator reacts to a failure:
//   - Fatal kinds abort the whole run (provisioning, readiness, schema, config)
//   - Page-scoped kinds fail one page and the run moves on to the next one
//   - KindInsertFailed is record-scoped: it stops the remainder of the page
//
// # Basic Usage
//
//	if err := conn.Ping(ctx); err != nil {
//	    return ingesterrors.Wrap(err, ingesterrors.KindConnectionFailed, "database ping failed").
//	        WithDetail("host", host).
//	        WithDetail("port", port)
//	}
//
// Errors are compatible with errors.Is and errors.As; IsTimeout reports
// whether a deadline expired anywhere in the chain regardless of kind.
package ingesterrors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
)

// Kind represents the category of a pipeline failure.
type Kind string

const (
	// KindInfrastructureUnavailable means the provisioning backend (Docker) could not be reached
	KindInfrastructureUnavailable Kind = "infrastructure_unavailable"
	// KindServiceStartFailed means the backing service could not be pulled, created or started
	KindServiceStartFailed Kind = "service_start_failed"
	// KindServiceNotReady means the service never began accepting connections
	KindServiceNotReady Kind = "service_not_ready"
	// KindFetchFailed represents network failures and non-success HTTP statuses
	KindFetchFailed Kind = "fetch_failed"
	// KindMalformedResponse represents an unexpected response envelope
	KindMalformedResponse Kind = "malformed_response"
	// KindInvalidRecord represents an item missing a required field
	KindInvalidRecord Kind = "invalid_record"
	// KindConnectionFailed represents a failure to open a database session
	KindConnectionFailed Kind = "connection_failed"
	// KindSchemaConflict means the destination table already exists
	KindSchemaConflict Kind = "schema_conflict"
	// KindSchemaFailed represents any other failure of the table creation statement
	KindSchemaFailed Kind = "schema_failed"
	// KindInsertFailed represents a failure to insert a single record
	KindInsertFailed Kind = "insert_failed"
	// KindConfig represents invalid configuration
	KindConfig Kind = "config"
)

// Fatal returns true if a failure of this kind must abort the run.
func (k Kind) Fatal() bool {
	switch k {
	case KindInfrastructureUnavailable, KindServiceStartFailed, KindServiceNotReady,
		KindSchemaConflict, KindSchemaFailed, KindConfig:
		return true
	default:
		return false
	}
}

// Error is a structured pipeline error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack captured at the
// point the error was created.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface. The cause is always included so the
// real failure detail reaches the log.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail and returns the receiver for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Detail returns a previously attached detail.
func (e *Error) Detail(key string) (interface{}, bool) {
	v, ok := e.Details[key]
	return v, ok
}

// New creates an error of the given kind, capturing the call stack.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf is New with a format string.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps err with a kind and message. If err is already an *Error its
// stack is preserved. Returns nil if err is nil.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return &Error{
			Kind:    kind,
			Message: message,
			Cause:   err,
			Stack:   existing.Stack,
		}
	}

	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// KindOf returns the kind of the outermost *Error in the chain, or "" if
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// IsKind reports whether the outermost *Error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsFatal reports whether err must abort the run. Errors outside the
// taxonomy are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	kind := KindOf(err)
	if kind == "" {
		return true
	}
	return kind.Fatal()
}

// IsTimeout reports whether a deadline expired anywhere in the chain.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// IsRetryable reports whether the failure is transient. Fetch and
// connection failures are retryable; every other kind is not.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindFetchFailed, KindConnectionFailed:
		return true
	default:
		return false
	}
}

func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
