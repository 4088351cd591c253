// Package errors provides the structured error taxonomy shared by every component
// below the VFS dispatch table. Components return *VFSError values carrying a Kind;
// only the dispatch table translates kinds into engine result codes.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failure independently of the engine's status vocabulary.
type Kind string

const (
	// KindNotFound means a path or slot is absent.
	KindNotFound Kind = "NOT_FOUND"
	// KindResourceExhausted means a pool or backend quota was exceeded.
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED"
	// KindBusy is a lock conflict. It is the only kind callers are expected to retry.
	KindBusy Kind = "BUSY"
	// KindIO is a backend read, write or flush failure.
	KindIO Kind = "IO"
	// KindInvalidState is an operation on a VFS that is not installed or on a closed handle.
	KindInvalidState Kind = "INVALID_STATE"
	// KindUnsupported is an operation that is not meaningful for the backend.
	KindUnsupported Kind = "UNSUPPORTED"
	// KindInvalidConfig is a configuration validation failure.
	KindInvalidConfig Kind = "INVALID_CONFIG"
)

// Sentinels for use with errors.Is. Matching compares kinds only.
var (
	ErrNotFound          = &VFSError{Kind: KindNotFound, Message: "not found"}
	ErrResourceExhausted = &VFSError{Kind: KindResourceExhausted, Message: "resource exhausted"}
	ErrBusy              = &VFSError{Kind: KindBusy, Message: "busy"}
	ErrIO                = &VFSError{Kind: KindIO, Message: "i/o failure"}
	ErrInvalidState      = &VFSError{Kind: KindInvalidState, Message: "invalid state"}
	ErrUnsupported       = &VFSError{Kind: KindUnsupported, Message: "unsupported"}
	ErrInvalidConfig     = &VFSError{Kind: KindInvalidConfig, Message: "invalid configuration"}
)

// VFSError represents a structured error with context and metadata.
type VFSError struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	Path      string `json:"path,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Retryable bool      `json:"retryable"`
}

// Error implements the error interface.
func (e *VFSError) Error() string {
	var b strings.Builder

	switch {
	case e.Component != "" && e.Operation != "":
		fmt.Fprintf(&b, "[%s:%s] ", e.Component, e.Operation)
	case e.Component != "":
		fmt.Fprintf(&b, "[%s] ", e.Component)
	}
	fmt.Fprintf(&b, "%s: %s", e.Kind, e.Message)

	if e.Path != "" {
		fmt.Fprintf(&b, " (path %q)", e.Path)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *VFSError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *VFSError of the same kind.
func (e *VFSError) Is(target error) bool {
	if t, ok := target.(*VFSError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, message string) *VFSError {
	return &VFSError{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(kind),
	}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *VFSError {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches cause to a new error of the given kind. A nil cause yields nil.
func Wrap(kind Kind, cause error, message string) *VFSError {
	if cause == nil {
		return nil
	}
	return New(kind, message).WithCause(cause)
}

// IsRetryableByDefault reports whether errors of kind are designed to be retried.
func IsRetryableByDefault(kind Kind) bool {
	return kind == KindBusy
}

// KindOf returns the kind of err. Errors that carry no kind are treated as KindIO,
// since they can only originate from a backend.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var vfsErr *VFSError
	if stderrors.As(err, &vfsErr) {
		return vfsErr.Kind
	}
	return KindIO
}

// IsKind reports whether err is of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// WithComponent sets the component for an error
func (e *VFSError) WithComponent(component string) *VFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *VFSError) WithOperation(operation string) *VFSError {
	e.Operation = operation
	return e
}

// WithPath sets the virtual file path for an error
func (e *VFSError) WithPath(path string) *VFSError {
	e.Path = path
	return e
}

// WithCause sets the underlying cause
func (e *VFSError) WithCause(cause error) *VFSError {
	e.Cause = cause
	return e
}

// WithDetail adds detailed information to an error
func (e *VFSError) WithDetail(key string, value interface{}) *VFSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}
