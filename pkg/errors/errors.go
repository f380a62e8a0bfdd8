// Package errors defines the structured error type used across the tap service.
// Errors carry a stable code, an HTTP status, and optional metadata so that the
// transport layer can distinguish "you cannot have this resource now" (quota)
// from "the system failed to process your admitted request" (funding).
package errors

import (
	"fmt"
	"net/http"
	"time"

	"github.com/turtacn/tap/pkg/constants"
)

// AppError is the structured application error.
type AppError struct {
	code       constants.ErrorCode
	httpStatus int
	message    string
	retryAfter time.Duration
	cause      error
	metadata   map[string]interface{}
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the stable error code.
func (e *AppError) Code() constants.ErrorCode { return e.code }

// HTTPStatus returns the HTTP status the transport layer should render.
func (e *AppError) HTTPStatus() int { return e.httpStatus }

// RetryAfter returns the suggested wait before retrying, zero if none applies.
func (e *AppError) RetryAfter() time.Duration { return e.retryAfter }

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *AppError) Unwrap() error { return e.cause }

// WithCause attaches an underlying error.
func (e *AppError) WithCause(cause error) *AppError {
	e.cause = cause
	return e
}

// WithRetryAfter attaches a retry hint.
func (e *AppError) WithRetryAfter(d time.Duration) *AppError {
	e.retryAfter = d
	return e
}

// WithMetadata attaches contextual metadata.
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.metadata == nil {
		e.metadata = make(map[string]interface{})
	}
	e.metadata[key] = value
	return e
}

// Metadata returns all attached metadata.
func (e *AppError) Metadata() map[string]interface{} { return e.metadata }

// New creates an AppError with an explicit code and HTTP status.
func New(code constants.ErrorCode, httpStatus int, message string) *AppError {
	return &AppError{
		code:       code,
		httpStatus: httpStatus,
		message:    message,
	}
}

// ================================================================================
// Constructors
// ================================================================================

// ErrInvalidRequest marks a malformed or out-of-bounds request.
func ErrInvalidRequest(message string) *AppError {
	return New(constants.ErrCodeInvalidRequest, http.StatusBadRequest, message)
}

// ErrUnauthorized marks a request with a bad or denylisted credential.
func ErrUnauthorized(message string) *AppError {
	return New(constants.ErrCodeUnauthorized, http.StatusUnauthorized, message)
}

// ErrRejected marks a request rejected by the admission pipeline.
func ErrRejected(message string) *AppError {
	return New(constants.ErrCodeRejected, http.StatusForbidden, message)
}

// ErrQuotaExhausted marks a quota rejection. The retry hint is derived from the
// window rollover time.
func ErrQuotaExhausted(identity string, retryAfter time.Duration) *AppError {
	return New(constants.ErrCodeQuotaExhausted, http.StatusTooManyRequests,
		fmt.Sprintf("identity %s has exhausted its funding allowance", identity)).
		WithRetryAfter(retryAfter).
		WithMetadata("identity", identity)
}

// ErrStorageError marks a quota store or history store failure.
func ErrStorageError(message string) *AppError {
	return New(constants.ErrCodeStorageError, http.StatusInternalServerError, message)
}

// ErrSubmissionFailed marks a transient submission failure, retryable within
// the funder's retry budget.
func ErrSubmissionFailed(message string) *AppError {
	return New(constants.ErrCodeSubmissionFailed, http.StatusServiceUnavailable, message)
}

// ErrSequenceMismatch marks an on-chain sequence number conflict. Retryable
// after the funder re-syncs its sequence counter from chain state.
func ErrSequenceMismatch(message string) *AppError {
	return New(constants.ErrCodeSequenceMismatch, http.StatusServiceUnavailable, message)
}

// ErrSubmissionFatal marks a non-retryable on-chain rejection.
func ErrSubmissionFatal(message string) *AppError {
	return New(constants.ErrCodeSubmissionFatal, http.StatusInternalServerError, message)
}

// ErrConfirmationTimeout marks an ambiguous outcome: the transaction was
// submitted but no confirmation arrived within the deadline. Never silently
// retried; resolution is left to an external reconciliation pass.
func ErrConfirmationTimeout(txnHash string) *AppError {
	return New(constants.ErrCodeConfirmationTimeout, http.StatusGatewayTimeout,
		fmt.Sprintf("no confirmation for transaction %s within deadline", txnHash)).
		WithMetadata("txn_hash", txnHash)
}

// ErrServerError marks an unexpected internal failure.
func ErrServerError(message string) *AppError {
	return New(constants.ErrCodeServerError, http.StatusInternalServerError, message)
}

// ErrUnavailable marks a temporarily unavailable dependency.
func ErrUnavailable(message string) *AppError {
	return New(constants.ErrCodeUnavailable, http.StatusServiceUnavailable, message)
}

// ================================================================================
// Inspection helpers
// ================================================================================

// AsAppError attempts to cast an error to *AppError.
func AsAppError(err error) (*AppError, bool) {
	appErr, ok := err.(*AppError)
	return appErr, ok
}

// CodeOf returns the error code, or server_error for foreign errors.
func CodeOf(err error) constants.ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code()
	}
	return constants.ErrCodeServerError
}

// IsRetryableSubmission reports whether the funder may retry after this error.
func IsRetryableSubmission(err error) bool {
	code := CodeOf(err)
	return code == constants.ErrCodeSubmissionFailed || code == constants.ErrCodeSequenceMismatch
}

// IsSequenceMismatch reports whether the error is a sequence number conflict.
func IsSequenceMismatch(err error) bool {
	return CodeOf(err) == constants.ErrCodeSequenceMismatch
}

// IsQuotaExhausted reports whether the error is a quota rejection.
func IsQuotaExhausted(err error) bool {
	return CodeOf(err) == constants.ErrCodeQuotaExhausted
}

// IsConfirmationTimeout reports whether the error is an ambiguous timeout.
func IsConfirmationTimeout(err error) bool {
	return CodeOf(err) == constants.ErrCodeConfirmationTimeout
}
