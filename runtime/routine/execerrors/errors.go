// Package execerrors provides structured error types for routine execution
// failures. Error carries a stable classification alongside the failing node
// so errors survive activity boundaries (JSON round-trips) while still
// supporting errors.Is/As through Unwrap.
package execerrors

import (
	"errors"
	"fmt"
)

// Kind classifies execution failures into a small set of categories suitable
// for retry and status decisions.
type Kind string

const (
	// KindValidation indicates the routine graph failed structural checks and
	// the execution never started.
	KindValidation Kind = "validation"

	// KindPluginNotFound indicates a node references a plugin that is not in
	// the registry.
	KindPluginNotFound Kind = "plugin_not_found"

	// KindInvalidInput indicates the resolved node inputs did not satisfy the
	// plugin's input schema.
	KindInvalidInput Kind = "invalid_input"

	// KindInvalidOutput indicates the plugin produced outputs that did not
	// satisfy its declared output schema.
	KindInvalidOutput Kind = "invalid_output"

	// KindMissingCredentials indicates a credential the plugin requires was
	// absent from the credential store.
	KindMissingCredentials Kind = "missing_credentials"

	// KindPluginRetryable indicates the plugin signaled a transient failure;
	// the invocation is subject to the retry policy.
	KindPluginRetryable Kind = "plugin_error_retryable"

	// KindPluginFatal indicates the plugin signaled a permanent failure;
	// retrying without changing the routine will not succeed.
	KindPluginFatal Kind = "plugin_error_fatal"

	// KindStalled indicates an internal scheduler inconsistency: no task is
	// running yet the iterator still lists waiting work.
	KindStalled Kind = "stalled"

	// KindCancelled indicates the execution was cancelled by an external
	// signal.
	KindCancelled Kind = "cancelled"

	// KindTimeout indicates the execution exceeded its deadline.
	KindTimeout Kind = "timeout"

	// KindAborted indicates an in-flight activity was discarded after its
	// per-activity deadline expired.
	KindAborted Kind = "aborted"
)

// Retryable reports whether failures of this kind may succeed when the
// invocation is retried without changing the routine.
func (k Kind) Retryable() bool {
	return k == KindPluginRetryable
}

// Valid reports whether k is one of the declared classifications. Boundary
// decoders use it to tell classified errors apart from arbitrary error type
// names.
func (k Kind) Valid() bool {
	switch k {
	case KindValidation, KindPluginNotFound, KindInvalidInput, KindInvalidOutput,
		KindMissingCredentials, KindPluginRetryable, KindPluginFatal,
		KindStalled, KindCancelled, KindTimeout, KindAborted:
		return true
	}
	return false
}

// Error describes a routine execution failure. Fields are exported so the
// error serializes across activity and workflow boundaries; Cause links to
// the underlying failure as an Error chain so diagnostics survive the trip.
type Error struct {
	// Kind is the stable failure classification.
	Kind Kind `json:"kind"`
	// Message is the human-readable summary of the failure.
	Message string `json:"message"`
	// NodeID identifies the failing node when the failure is attributable to
	// one. Empty for execution-level failures.
	NodeID string `json:"nodeId,omitempty"`
	// Cause links to the underlying error, enabling error chains with
	// errors.Is/As.
	Cause *Error `json:"cause,omitempty"`
}

// New constructs an Error with the provided kind and message.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = "execution error"
	}
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// ForNode constructs an Error attributed to a specific node.
func ForNode(kind Kind, nodeID, message string) *Error {
	e := New(kind, message)
	e.NodeID = nodeID
	return e
}

// Wrap constructs an Error that wraps an underlying error. The cause is
// converted into an Error chain so metadata survives serialization while
// still supporting errors.Is/As through Unwrap.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	e := New(kind, message)
	e.Cause = FromError(cause)
	return e
}

// WrapForNode constructs a node-attributed Error that wraps an underlying
// error.
func WrapForNode(kind Kind, nodeID, message string, cause error) *Error {
	e := Wrap(kind, message, cause)
	e.NodeID = nodeID
	return e
}

// FromError converts an arbitrary error into an Error chain. Errors that are
// not already classified become KindPluginFatal, the conservative default for
// unknown failures.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee
	}
	return &Error{
		Kind:    KindPluginFatal,
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// AsError returns the first Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var ee *Error
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// KindOf returns the classification of the first Error in err's chain.
// Unclassified errors report KindPluginFatal; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if ee, ok := AsError(err); ok {
		return ee.Kind
	}
	return KindPluginFatal
}

// IsRetryable reports whether err's classification permits a retry.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.NodeID != "" {
		return fmt.Sprintf("%s: %s (node %s)", e.Kind, e.Message, e.NodeID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target matches this error. Two Errors match when their
// kinds agree, so callers can test classifications with errors.Is and a
// kind-only sentinel.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e != nil && te != nil && e.Kind == te.Kind
}
