package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable, machine-readable class of an engine failure.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindInvalidArgument    ErrorKind = "invalid_argument"
	KindNotFound           ErrorKind = "not_found"
	KindInvalidState       ErrorKind = "invalid_state"
	KindAlreadyMigrated    ErrorKind = "already_migrated"
	KindSlippageExceeded   ErrorKind = "slippage_exceeded"
	KindOracleTimeout      ErrorKind = "oracle_timeout"
	KindPriceUnavailable   ErrorKind = "price_unavailable"
	KindAdapterUnavailable ErrorKind = "adapter_unavailable"
	KindDownstream         ErrorKind = "downstream"
	KindIntegrity          ErrorKind = "integrity"
)

// Sentinels for errors.Is checks. Every *Error matches the sentinel of its kind.
var (
	ErrValidation         = errors.New("validation error")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid state")
	ErrAlreadyMigrated    = errors.New("position already migrated")
	ErrSlippageExceeded   = errors.New("slippage exceeded")
	ErrOracleTimeout      = errors.New("oracle timeout")
	ErrPriceUnavailable   = errors.New("price unavailable")
	ErrAdapterUnavailable = errors.New("lending adapter unavailable")
	ErrDownstream         = errors.New("downstream failure")
	ErrIntegrity          = errors.New("integrity violation")

	// ErrVersionConflict is returned by record stores when an optimistic
	// concurrency check on the order version fails.
	ErrVersionConflict = errors.New("version conflict")
	ErrLockHeld        = errors.New("lock already held")
)

var kindSentinels = map[ErrorKind]error{
	KindValidation:         ErrValidation,
	KindInvalidArgument:    ErrInvalidArgument,
	KindNotFound:           ErrNotFound,
	KindInvalidState:       ErrInvalidState,
	KindAlreadyMigrated:    ErrAlreadyMigrated,
	KindSlippageExceeded:   ErrSlippageExceeded,
	KindOracleTimeout:      ErrOracleTimeout,
	KindPriceUnavailable:   ErrPriceUnavailable,
	KindAdapterUnavailable: ErrAdapterUnavailable,
	KindDownstream:         ErrDownstream,
	KindIntegrity:          ErrIntegrity,
}

// Error carries a stable kind, a human-readable reason and an optional cause.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

// NewError builds an *Error of the given kind.
func NewError(kind ErrorKind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Errorf builds an *Error with a formatted reason.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error of the given kind around cause.
func WrapError(kind ErrorKind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf extracts the kind of err. Plain sentinels map to their kind; any
// other error is reported as downstream.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	for kind, s := range kindSentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return KindDownstream
}

// ReasonOf returns the human-readable reason of err.
func ReasonOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Retryable reports whether a caller may retry the failed operation with
// backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindOracleTimeout, KindPriceUnavailable, KindAdapterUnavailable:
		return true
	default:
		return false
	}
}

// ErrorInfo is the serialisable form of an engine error.
type ErrorInfo struct {
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason"`
}

// InfoOf converts err into its serialisable form. It returns nil for nil.
func InfoOf(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Kind: KindOf(err), Reason: ReasonOf(err)}
}
