package venue

import (
	"errors"
	"fmt"
)

// ErrorKind classifies venue failures so callers can pick a retry policy
// without parsing exchange-specific messages.
type ErrorKind int

const (
	KindInvalidSize ErrorKind = iota
	KindInvalidPrice
	KindPositionModeMismatch
	KindRateLimited
	KindTimeout
	KindVenueRejected
	KindNotFound
	KindUnauthorized
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidSize:
		return "invalid_size"
	case KindInvalidPrice:
		return "invalid_price"
	case KindPositionModeMismatch:
		return "position_mode_mismatch"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindVenueRejected:
		return "venue_rejected"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindTransport:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Error is the structured error every adapter method returns on failure.
// Code and Msg carry the venue's original rejection when Kind is
// KindVenueRejected.
type Error struct {
	Kind ErrorKind
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("venue: %s (code=%d): %s", e.Kind, e.Code, e.Msg)
	}
	if e.Msg != "" {
		return fmt.Sprintf("venue: %s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("venue: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a venue error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a classified error.
func WrapError(kind ErrorKind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: err.Error(), Err: err}
}

// Rejected builds a KindVenueRejected error carrying the exchange code.
func Rejected(code int, msg string) *Error {
	return &Error{Kind: KindVenueRejected, Code: code, Msg: msg}
}

// KindOf extracts the ErrorKind from err, or KindTransport when err is not
// a venue error.
func KindOf(err error) ErrorKind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindTransport
}

// Is reports whether err is a venue error of the given kind.
func Is(err error, kind ErrorKind) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.Kind == kind
}

// IsRetryable reports whether the failure is transient and the operation may
// be retried with backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTimeout, KindTransport:
		return true
	}
	return false
}

// RejectionCode returns the exchange error code when the venue rejected the
// request, 0 otherwise.
func RejectionCode(err error) int {
	var ve *Error
	if errors.As(err, &ve) && ve.Kind == KindVenueRejected {
		return ve.Code
	}
	return 0
}
