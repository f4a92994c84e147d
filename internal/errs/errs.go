// Package errs defines the closed set of error kinds shared by every core
// component, and the gateway's mapping from kind to HTTP status.
package errs

import "fmt"

// Kind is one of the closed set of error kinds every core component
// returns to its caller.
type Kind int

const (
	InvalidInput Kind = iota
	NotFound
	DuplicateClientOrderID
	InvalidTransition
	SequenceGap
	WalUnavailable
	WalCorrupt
	RiskReject
	CircuitOpen
	RateLimited
	VenueReject
	Timeout
	SlowConsumer
	Unauthorized
	Forbidden
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "InvalidInput"
	case NotFound:
		return "NotFound"
	case DuplicateClientOrderID:
		return "DuplicateClientOrderId"
	case InvalidTransition:
		return "InvalidTransition"
	case SequenceGap:
		return "SequenceGap"
	case WalUnavailable:
		return "WalUnavailable"
	case WalCorrupt:
		return "WalCorrupt"
	case RiskReject:
		return "RiskReject"
	case CircuitOpen:
		return "CircuitOpen"
	case RateLimited:
		return "RateLimited"
	case VenueReject:
		return "VenueReject"
	case Timeout:
		return "Timeout"
	case SlowConsumer:
		return "SlowConsumer"
	case Unauthorized:
		return "Unauthorized"
	case Forbidden:
		return "Forbidden"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carried across package boundaries.
// It wraps an underlying cause (if any) and a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// defaulting to Internal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return Internal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// HTTPStatus maps an error kind to the gateway's HTTP status code, per the
// propagation policy table.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidInput:
		return 400
	case NotFound:
		return 404
	case Unauthorized:
		return 401
	case Forbidden:
		return 403
	case RateLimited:
		return 429
	case CircuitOpen, WalUnavailable:
		return 503
	case Timeout:
		return 504
	case RiskReject, VenueReject, DuplicateClientOrderID:
		return 400
	case InvalidTransition, SequenceGap, SlowConsumer, WalCorrupt, Internal:
		return 500
	default:
		return 500
	}
}
