// Package kcerr is the error taxonomy for the cluster coordination core:
// a small set of kinds the retry harness and callers branch on, rather
// than ad-hoc sentinel values scattered across packages.
package kcerr

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an Error for retry/refresh decisions. It is not a
// substitute for the message; two errors of the same Kind can describe
// different failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindMetadataNotLoaded
	KindTopicMetadataNotLoaded
	KindBrokerNotFound
	KindBrokerNotConnected
	KindGroupCoordinatorNotFound
	KindLockTimeout
	KindNonRetriable
	KindInvalidPartitionMetadata
	KindTransport
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindMetadataNotLoaded:
		return "MetadataNotLoaded"
	case KindTopicMetadataNotLoaded:
		return "TopicMetadataNotLoaded"
	case KindBrokerNotFound:
		return "BrokerNotFound"
	case KindBrokerNotConnected:
		return "BrokerNotConnected"
	case KindGroupCoordinatorNotFound:
		return "GroupCoordinatorNotFound"
	case KindLockTimeout:
		return "LockTimeout"
	case KindNonRetriable:
		return "NonRetriable"
	case KindInvalidPartitionMetadata:
		return "InvalidPartitionMetadata"
	case KindTransport:
		return "Transport"
	case KindProtocol:
		return "Protocol"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type every kind in this taxonomy is
// represented with. Code holds the Kafka protocol error code when the
// error came from a broker's error response (whatever its Kind), and is
// zero otherwise.
type Error struct {
	Kind  Kind
	Code  int16
	msg   string
	cause error
}

// New builds an Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches cause to a new Error of the given kind, preserving the
// cause's chain for errors.As/errors.Is and attaching a stack trace via
// pkg/errors for diagnostics.
func Wrap(kind Kind, cause error, msg string) *Error {
	if cause == nil {
		return New(kind, msg)
	}
	return &Error{Kind: kind, msg: msg, cause: pkgerrors.Wrap(cause, msg)}
}

// WithCode sets the protocol error code and returns e for chaining.
func (e *Error) WithCode(code int16) *Error {
	e.Code = code
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether the first *kcerr.Error found in err's chain (err
// itself, or the outermost one it wraps) has the given kind. A
// *kcerr.Error nested inside another one is not consulted.
func Is(err error, kind Kind) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}
	return false
}
