package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures so every public operation can return a
// discriminated outcome instead of a raw upstream error.
type Kind int

const (
	KindFatal Kind = iota
	KindValidation
	KindRaceLost
	KindTransientUpstream
	KindInsufficientLiquidity
	KindConcurrencyConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRaceLost:
		return "race_lost"
	case KindTransientUpstream:
		return "transient_upstream"
	case KindInsufficientLiquidity:
		return "insufficient_liquidity"
	case KindConcurrencyConflict:
		return "concurrency_conflict"
	default:
		return "fatal"
	}
}

// Error is a classified failure. Code is a stable machine-readable reason
// exposed to API callers; Msg is safe to show to users.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf returns a KindValidation error.
func Validationf(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps an upstream failure that exhausted its retries.
func Transient(code string, err error) *Error {
	return &Error{Kind: KindTransientUpstream, Code: code, Msg: "upstream temporarily unavailable", Err: err}
}

// Conflict returns a KindConcurrencyConflict error.
func Conflict(code, msg string) *Error {
	return &Error{Kind: KindConcurrencyConflict, Code: code, Msg: msg}
}

// Liquidity returns a KindInsufficientLiquidity error.
func Liquidity(code, msg string) *Error {
	return &Error{Kind: KindInsufficientLiquidity, Code: code, Msg: msg}
}

// Fatal wraps an unexpected failure.
func Fatal(err error) *Error {
	return &Error{Kind: KindFatal, Code: "internal", Msg: "internal error", Err: err}
}

// KindOf returns the classification of err. Unclassified errors are fatal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindFatal
}

// CodeOf returns the stable code of a classified error, or "internal".
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return "internal"
}
