// Package constants defines shared constants for the tap service: error codes,
// rejection reason codes, quota scopes, context keys, and default values.
package constants

import "time"

// ================================================================================
// Error Codes
// ================================================================================

// ErrorCode identifies a class of application error.
type ErrorCode string

const (
	ErrCodeInvalidRequest      ErrorCode = "invalid_request"
	ErrCodeUnauthorized        ErrorCode = "unauthorized"
	ErrCodeRejected            ErrorCode = "request_rejected"
	ErrCodeQuotaExhausted      ErrorCode = "quota_exhausted"
	ErrCodeStorageError        ErrorCode = "storage_error"
	ErrCodeSubmissionFailed    ErrorCode = "submission_failed"
	ErrCodeSequenceMismatch    ErrorCode = "sequence_mismatch"
	ErrCodeSubmissionFatal     ErrorCode = "submission_fatal"
	ErrCodeConfirmationTimeout ErrorCode = "confirmation_timeout"
	ErrCodeServerError         ErrorCode = "server_error"
	ErrCodeUnavailable         ErrorCode = "service_unavailable"
)

// ================================================================================
// Rejection Reason Codes
// ================================================================================

// RejectionReasonCode identifies why an admission checker rejected a request.
type RejectionReasonCode string

const (
	ReasonAmountInvalid         RejectionReasonCode = "amount_invalid"
	ReasonAuthTokenDenied       RejectionReasonCode = "auth_token_denied"
	ReasonIPBlocklisted         RejectionReasonCode = "ip_blocklisted"
	ReasonUsageLimitExhausted   RejectionReasonCode = "usage_limit_exhausted"
	ReasonAccountLimitExhausted RejectionReasonCode = "account_limit_exhausted"
)

// ================================================================================
// Quota Scopes
// ================================================================================

// QuotaScope is the dimension under which quota is accounted.
type QuotaScope string

const (
	QuotaScopeIP      QuotaScope = "ip"
	QuotaScopeAccount QuotaScope = "account"
)

// ================================================================================
// Context Keys
// ================================================================================

type contextKey string

const (
	ContextKeyRequestID contextKey = "request_id"
	ContextKeyTraceID   contextKey = "trace_id"
	ContextKeySourceIP  contextKey = "source_ip"
)

// ================================================================================
// Defaults
// ================================================================================

const (
	// DefaultQuotaLimit is the per-identity funding allowance per window.
	DefaultQuotaLimit uint64 = 3

	// DefaultQuotaWindow is the fixed quota window duration.
	DefaultQuotaWindow = 24 * time.Hour

	// DefaultReservationLease bounds how long an unresolved reservation may
	// hold quota before the store treats it as abandoned.
	DefaultReservationLease = 2 * time.Minute

	// DefaultConfirmationTimeout bounds the wait for on-chain confirmation.
	DefaultConfirmationTimeout = 30 * time.Second

	// DefaultMaxFundAttempts is the funder's internal retry budget.
	DefaultMaxFundAttempts = 3

	// DefaultMaximumAmount is the largest disbursement a single request may ask for.
	DefaultMaximumAmount uint64 = 100_000_000

	// DefaultHistoryRowTTL is how long completed request rows are retained.
	DefaultHistoryRowTTL = 7 * 24 * time.Hour

	// DefaultReaperInterval is how often expired rows and reservations are reaped.
	DefaultReaperInterval = 5 * time.Minute
)

// ServiceName is used for tracing and metric namespaces.
const ServiceName = "tap"
