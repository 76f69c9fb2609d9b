package transfer

import (
	"errors"
	"fmt"
)

// FailureKind classifies how a transfer failed. The orchestrator keys
// its retry policy on this classification: transient kinds may be
// resubmitted as a brand-new session, content-integrity kinds never are.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureConnectTimeout
	FailureNegotiationRejected
	FailureLinkDropped
	FailureChunkRetryExhausted
	FailureDigestMismatch
	FailureFinalizeTimeout
	FailureCancelled
	FailureAdapterUnavailable
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "ok"
	case FailureConnectTimeout:
		return "connect timeout"
	case FailureNegotiationRejected:
		return "negotiation rejected"
	case FailureLinkDropped:
		return "link dropped"
	case FailureChunkRetryExhausted:
		return "chunk retry exhausted"
	case FailureDigestMismatch:
		return "digest mismatch"
	case FailureFinalizeTimeout:
		return "finalize timeout"
	case FailureCancelled:
		return "cancelled"
	case FailureAdapterUnavailable:
		return "adapter unavailable"
	default:
		return "unknown"
	}
}

// Transient reports whether a new session to the same device stands a
// reasonable chance of succeeding. Content-integrity failures are not
// transient: retrying an already-corrupt exchange without operator
// attention risks masking a real device fault.
func (k FailureKind) Transient() bool {
	switch k {
	case FailureConnectTimeout, FailureLinkDropped:
		return true
	default:
		return false
	}
}

// Error is a classified transfer failure.
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// failure builds a classified error wrapping an underlying cause.
func failure(kind FailureKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// failuref builds a classified error from a format string.
func failuref(kind FailureKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the failure classification from an error chain.
// Returns FailureNone for nil and FailureLinkDropped for errors that
// carry no classification.
func KindOf(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return FailureLinkDropped
}
