package domain

import "fmt"

// ErrorKind classifies a failure for callers and transport adapters.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindPrecondition ErrorKind = "precondition"
	KindInvariant    ErrorKind = "invariant"
	KindInsufficient ErrorKind = "insufficient"
	KindTimeout      ErrorKind = "timeout"
	KindBackpressure ErrorKind = "backpressure"
	KindInternal     ErrorKind = "internal"
)

// AppError is the base domain error type. Components return it for every
// expected failure; panics are reserved for violated invariants caught by
// the outer process.
type AppError struct {
	Kind    ErrorKind         `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Status  int               `json:"-"`
	Cause   error             `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithDetail attaches a field-level detail and returns the error.
func (e *AppError) WithDetail(field, msg string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[field] = msg
	return e
}

// Standard domain error constructors.

func ErrValidation(msg string) *AppError {
	return &AppError{Kind: KindValidation, Message: msg, Status: 400}
}

func ErrNotFound(entity, id string) *AppError {
	return &AppError{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", entity, id), Status: 404}
}

func ErrConflict(msg string) *AppError {
	return &AppError{Kind: KindConflict, Message: msg, Status: 409}
}

func ErrPrecondition(msg string) *AppError {
	return &AppError{Kind: KindPrecondition, Message: msg, Status: 400}
}

func ErrInvariant(msg string) *AppError {
	return &AppError{Kind: KindInvariant, Message: msg, Status: 422}
}

func ErrInsufficient(msg string) *AppError {
	return &AppError{Kind: KindInsufficient, Message: msg, Status: 400}
}

func ErrTimeout(msg string) *AppError {
	return &AppError{Kind: KindTimeout, Message: msg, Status: 504}
}

func ErrBackpressure(msg string) *AppError {
	return &AppError{Kind: KindBackpressure, Message: msg, Status: 429}
}

func ErrInternal(msg string, cause error) *AppError {
	return &AppError{Kind: KindInternal, Message: msg, Status: 500, Cause: cause}
}

// KindOf extracts the error kind, defaulting to internal for foreign errors.
func KindOf(err error) ErrorKind {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Kind
	}
	return KindInternal
}
