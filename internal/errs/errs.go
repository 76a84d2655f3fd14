// Package errs classifies failures of the matching engine so that transport
// layers can map them to status codes without inspecting messages.
//
// Every error produced here wraps one of the sentinel kinds below, so callers
// branch with errors.Is:
//
//	if errors.Is(err, errs.ErrStale) {
//	    // respond 409
//	}
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("object not found")
	ErrConflict     = errors.New("conflict")
	ErrStale        = fmt.Errorf("stale response: %w", ErrConflict)
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// Error carries the kind of failure together with the offending parameter
// and an optional cause.
type Error struct {
	Kind    error
	Param   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Param != "" {
		msg += ": " + e.Param
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += " (cause: " + e.Cause.Error() + ")"
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

func NewValidationError(param, message string) *Error {
	return &Error{Kind: ErrValidation, Param: param, Message: message}
}

func NewValidationErrorWithCause(param, message string, cause error) *Error {
	return &Error{Kind: ErrValidation, Param: param, Message: message, Cause: cause}
}

func NewNotFoundError(param string, id any) *Error {
	return &Error{Kind: ErrNotFound, Param: param, Message: fmt.Sprint(id)}
}

func NewConflictError(message string) *Error {
	return &Error{Kind: ErrConflict, Message: message}
}

func NewStaleError(message string) *Error {
	return &Error{Kind: ErrStale, Message: message}
}

func NewForbiddenError(message string) *Error {
	return &Error{Kind: ErrForbidden, Message: message}
}

func NewUnauthorizedError(message string) *Error {
	return &Error{Kind: ErrUnauthorized, Message: message}
}

// Code is the short machine-readable identifier exposed to API clients.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStale):
		return "stale_response"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps err to the status code the REST surface answers with.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
