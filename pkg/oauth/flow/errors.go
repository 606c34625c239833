// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"errors"
	"net/http"
)

// Stable machine-readable error codes surfaced to clients.
const (
	CodeBadRequest      = "BAD_REQUEST"
	CodeConflict        = "CONFLICT"
	CodeInternal        = "INTERNAL_SERVER_ERROR"
	CodeTooManyRequests = "TOO_MANY_REQUESTS"
)

// Error is a caller-facing flow failure. Message is safe to return to
// clients; the wrapped cause stays in logs.
type Error struct {
	Code    string
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// HTTPStatus maps the error code to an HTTP status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(message string, cause error) *Error {
	return &Error{Code: CodeBadRequest, Message: message, cause: cause}
}

func conflict(message string, cause error) *Error {
	return &Error{Code: CodeConflict, Message: message, cause: cause}
}

func internal(message string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: message, cause: cause}
}

// AsError extracts a flow *Error from err, falling back to a generic
// internal error so raw causes never reach clients.
func AsError(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}
