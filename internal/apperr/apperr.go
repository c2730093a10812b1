// Package apperr defines the error taxonomy shared by the core packages.
//
// Every error that reaches a caller carries a Kind and a user-facing
// message. Kinds are comparable with errors.Is:
//
//	if errors.Is(err, apperr.NotFound) { ... }
//
// Storage adapters pass driver errors through FromStorage so that
// cancellation, missing rows and engine failures are classified without
// leaking SQL detail into responses.
package apperr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and response mapping.
type Kind string

// Error kinds.
const (
	Validation         Kind = "validation"
	NotFound           Kind = "not_found"
	Auth               Kind = "forbidden"
	Duplicate          Kind = "duplicate"
	Conflict           Kind = "conflict"
	UnknownModel       Kind = "unknown_model"
	TemplateRead       Kind = "template_read"
	OutputWrite        Kind = "output_write"
	StorageUnavailable Kind = "storage_unavailable"
	DeadlineExceeded   Kind = "deadline_exceeded"
	Internal           Kind = "internal"
)

// Error implements error so a Kind can be used as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// Validation codes refine the Validation kind.
const (
	CodeInvalidValue     = "invalid_value"
	CodeInvalidTimestamp = "invalid_timestamp"
	CodeInvalidTimeRange = "invalid_time_range"
	CodeInvalidBBox      = "invalid_bbox"
	CodeInvalidBody      = "invalid_body"
	CodeInvalidLocation  = "invalid_location"
	CodeInvalidImage     = "invalid_image"
	CodeInvalidFormat    = "invalid_format"
)

// Error is a classified error.
type Error struct {
	Kind Kind
	// Code is a finer-grained machine-readable code. Empty means the kind name.
	Code string
	// Op names the operation that failed, for logs.
	Op string
	// Msg is safe to show to API clients.
	Msg string
	// Err is the underlying cause, for logs only.
	Err error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns an error of the given kind with a client-facing message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Invalid returns a Validation error with a specific code.
func Invalid(code, format string, args ...any) *Error {
	return &Error{Kind: Validation, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. The cause is kept for logs; msg is what
// clients see.
func Wrap(kind Kind, op string, err error, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// FromStorage classifies an error returned by the storage engine.
// Already-classified errors pass through unchanged.
func FromStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Wrap(DeadlineExceeded, op, err, "operation deadline exceeded")
	case errors.Is(err, sql.ErrNoRows):
		return Wrap(NotFound, op, err, "not found")
	default:
		return Wrap(StorageUnavailable, op, err, "storage unavailable")
	}
}

// KindOf returns the Kind of err. Context errors map to DeadlineExceeded
// and anything unclassified to Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return DeadlineExceeded
	}
	return Internal
}

// CodeOf returns the machine-readable code of err.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	return string(KindOf(err))
}

// MessageOf returns the client-facing message of err. Unclassified errors
// get a generic message so internal detail is never exposed.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Msg != "" {
		return ae.Msg
	}
	switch KindOf(err) {
	case DeadlineExceeded:
		return "operation deadline exceeded"
	default:
		return "internal error"
	}
}
