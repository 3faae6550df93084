// Package apperror carries an HTTP status alongside a domain error so a single
// renderer can translate any failure for the transport layer.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

const (
	StatusFail  = "fail"  // 4xx
	StatusError = "error" // 5xx
)

// StatusCoder is implemented by errors that know their own HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// Error is a domain error with a numeric status and a coarse status class.
type Error struct {
	Code    int
	Status  string
	Message string

	// err records the construction stack.
	err   error
	cause error
}

// New returns an Error with a stack captured at the call site.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Status:  statusFor(code),
		Message: message,
		err:     pkgerrors.New(message),
	}
}

// Newf is New with fmt formatting.
func Newf(code int, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap returns an Error whose cause is err.
func Wrap(err error, code int, message string) *Error {
	return &Error{
		Code:    code,
		Status:  statusFor(code),
		Message: message,
		err:     pkgerrors.Wrap(err, message),
		cause:   err,
	}
}

func (e *Error) Error() string { return e.Message }

// StatusCode implements StatusCoder.
func (e *Error) StatusCode() int { return e.Code }

// Unwrap exposes the cause given to Wrap.
func (e *Error) Unwrap() error { return e.cause }

// Stack renders the cause chain and construction stack.
func (e *Error) Stack() string {
	return fmt.Sprintf("%+v", e.err)
}

// From classifies err. AppErrors pass through, StatusCoders keep their code and
// message, anything else becomes a 500 that keeps the original message.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return Wrap(err, normalizeCode(sc.StatusCode()), err.Error())
	}
	return Wrap(err, http.StatusInternalServerError, err.Error())
}

func normalizeCode(code int) int {
	if code < 400 || code > 599 {
		return http.StatusInternalServerError
	}
	return code
}

func statusFor(code int) string {
	if code >= 400 && code < 500 {
		return StatusFail
	}
	return StatusError
}
