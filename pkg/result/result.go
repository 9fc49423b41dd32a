// Package result holds the error taxonomy shared by the store, the document
// manager and the commands, plus a small success/failure wrapper for places
// where outcomes are collected instead of returned.
package result

import (
	"errors"
	"fmt"
)

// Kind classifies an expected failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindValidation
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Stable error codes.
const (
	CodeDocumentNotFound = "DOCUMENT_NOT_FOUND"
	CodeDocumentExists   = "DOCUMENT_EXISTS"
	CodeVersionConflict  = "VERSION_CONFLICT"
	CodeLayerNotFound    = "LAYER_NOT_FOUND"
	CodeEventNotFound    = "EVENT_NOT_FOUND"
	CodeDuplicateEvent   = "DUPLICATE_EVENT"
	CodeValidation       = "VALIDATION"
	CodeMalformedPayload = "MALFORMED_PAYLOAD"
	CodeUnknownCommand   = "UNKNOWN_COMMAND"
	CodeStoreBusy        = "STORE_BUSY"
	CodeInvariant        = "INVARIANT"
)

// Error is a classified failure. Err is optional and is exposed through Unwrap.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, code string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(code string, format string, args ...interface{}) *Error {
	return newError(KindNotFound, code, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return newError(KindConflict, CodeVersionConflict, format, args...)
}

func Validation(format string, args ...interface{}) *Error {
	return newError(KindValidation, CodeValidation, format, args...)
}

func Invalid(code string, format string, args ...interface{}) *Error {
	return newError(KindValidation, code, format, args...)
}

func Transient(err error, format string, args ...interface{}) *Error {
	e := newError(KindTransient, CodeStoreBusy, format, args...)
	e.Err = err
	return e
}

func Fatal(format string, args ...interface{}) *Error {
	return newError(KindFatal, CodeInvariant, format, args...)
}

// Wrap attaches a cause to a classified error and returns it.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Result wraps either a value or an error.
type Result[T any] struct {
	Value T
	Err   error
}

func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

func Fail[T any](err error) Result[T] {
	return Result[T]{Err: err}
}

// From builds a Result from a conventional (value, error) pair.
func From[T any](v T, err error) Result[T] {
	if err != nil {
		return Fail[T](err)
	}
	return Ok(v)
}

func (r Result[T]) Ok() bool {
	return r.Err == nil
}

func (r Result[T]) Unwrap() (T, error) {
	return r.Value, r.Err
}
