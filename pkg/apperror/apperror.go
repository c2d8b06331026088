package apperror

import (
	"errors"
	"fmt"
)

// Code identifies an error class that callers can match on. Codes are
// stable strings so UI layers can map them to messages without importing
// provider-specific error values.
type Code string

const (
	CodeInvalidInput       Code = "InvalidInput"
	CodeUnauthorized       Code = "Unauthorized"
	CodeNotFound           Code = "NotFound"
	CodeProfileMissing     Code = "ProfileMissing"
	CodeRoleMismatch       Code = "RoleMismatch"
	CodeEmailInUse         Code = "EmailInUse"
	CodeWeakPassword       Code = "WeakPassword"
	CodeInvalidCredentials Code = "InvalidCredentials"
	CodeRateLimited        Code = "RateLimited"
	CodeNetworkUnavailable Code = "NetworkUnavailable"
	CodeTimeout            Code = "Timeout"
	CodeWriteFailed        Code = "WriteFailed"
	CodeStreamError        Code = "StreamError"
)

// AppError is the error value returned across the core boundary. Remote
// failures are mapped into one of the codes above before they leave the
// session, subscription or upsert services.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with the given code and message.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap creates an AppError carrying an underlying cause.
func Wrap(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code from err, or empty if err is not an AppError.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Error constructors for the common cases.

func InvalidInput(message string) *AppError {
	return New(CodeInvalidInput, message)
}

func Unauthorized(message string) *AppError {
	return New(CodeUnauthorized, message)
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Timeout(op string, err error) *AppError {
	return Wrap(CodeTimeout, fmt.Sprintf("%s timed out", op), err)
}

func WriteFailed(err error) *AppError {
	return Wrap(CodeWriteFailed, "write failed", err)
}

func StreamError(err error) *AppError {
	return Wrap(CodeStreamError, "stream error", err)
}

func NetworkUnavailable(err error) *AppError {
	return Wrap(CodeNetworkUnavailable, "remote service unavailable", err)
}
