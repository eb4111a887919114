// Package kerrors defines the flat error taxonomy shared by every kernel
// component. A deep hierarchy of typed exceptions collapses here into one
// struct with a Kind tag and structured fields, matched with errors.Is.
package kerrors

import (
	"errors"
	"fmt"
)

// Kind identifies the class of failure. Kinds are compared with errors.Is,
// never by string.
type Kind int

const (
	// KindUnknown is the zero value and should never be returned deliberately.
	KindUnknown Kind = iota
	KindInvalidInput
	KindPermissionDenied
	KindUnavailable
	KindBusy
	KindRejected
	KindTimeout
	KindNotFound
	KindInstallFailed
	KindSecurityViolation
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "INVALID_INPUT"
	case KindPermissionDenied:
		return "PERMISSION_DENIED"
	case KindUnavailable:
		return "UNAVAILABLE"
	case KindBusy:
		return "BUSY"
	case KindRejected:
		return "REJECTED"
	case KindTimeout:
		return "TIMEOUT"
	case KindNotFound:
		return "NOT_FOUND"
	case KindInstallFailed:
		return "INSTALL_FAILED"
	case KindSecurityViolation:
		return "SECURITY_VIOLATION"
	case KindInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Error is the single error type returned across component boundaries. It
// carries the offending module id and, where meaningful, the capability or
// FQSID involved, plus an optional underlying cause.
type Error struct {
	Kind       Kind
	ModuleID   string
	Capability string // capability string or FQSID, whichever applies
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.ModuleID != "" {
		msg += " module=" + e.ModuleID
	}
	if e.Capability != "" {
		msg += " capability=" + e.Capability
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, kerrors.New(kind, "", "", nil)) and similar
// sentinel-free comparisons to match purely on Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds an Error of the given kind.
func New(kind Kind, moduleID, capability string, cause error) *Error {
	return &Error{Kind: kind, ModuleID: moduleID, Capability: capability, Cause: cause}
}

// Sentinel returns a bare Error of the given kind, useful as an errors.Is
// comparison target: errors.Is(err, kerrors.Sentinel(kerrors.KindTimeout)).
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// KindOf extracts the Kind from err, or KindUnknown if err is not (or does
// not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
