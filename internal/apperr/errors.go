package apperr

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeNotFound        Code = "NOT_FOUND"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeUnidentified    Code = "UNIDENTIFIED"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeUpstream        Code = "UPSTREAM_FAILURE"
	CodeInternal        Code = "INTERNAL_ERROR"
)

var httpStatusByCode = map[Code]int{
	CodeNotFound:        http.StatusNotFound,
	CodeInvalidArgument: http.StatusBadRequest,
	CodeUnidentified:    http.StatusUnauthorized,
	CodeUnauthorized:    http.StatusUnauthorized,
	CodeRateLimited:     http.StatusTooManyRequests,
	CodeUpstream:        http.StatusServiceUnavailable,
	CodeInternal:        http.StatusInternalServerError,
}

// Error is the structured error surfaced to REST and realtime callers.
type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As extracts the first *Error in err's chain.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the code carried by err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if e := As(err); e != nil {
		return e.code
	}
	return CodeInternal
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps err to the status code a REST caller receives.
func HTTPStatus(err error) int {
	if s, ok := httpStatusByCode[CodeOf(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// PublicMessage hides the text of internal errors from callers.
func PublicMessage(err error) string {
	e := As(err)
	if e == nil || e.code == CodeInternal {
		return "internal error"
	}
	return e.message
}
