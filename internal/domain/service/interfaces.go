// Package service defines the domain service contracts: bypassers, checkers,
// the funder, the chain client, and the audit sink. Implementations live under
// internal/infrastructure; the pipeline coordinator in internal/application
// only depends on these interfaces.
package service

import (
	"context"
	"time"

	"github.com/turtacn/tap/internal/domain/models"
)

// Bypasser is a rule that can grant unconditional admission, skipping the
// checker chain entirely. Evaluation is a pure decision: no side effects.
// The evaluator short-circuits on the first match.
type Bypasser interface {
	// Name identifies the bypasser in logs and metrics.
	Name() string

	// Evaluate returns true when the request should bypass the checker chain.
	Evaluate(ctx context.Context, req *models.FundingRequest) (bool, error)
}

// CheckResult is what one checker produced for a request.
type CheckResult struct {
	// Rejections is non-empty when the checker rejects the request.
	Rejections []models.RejectionReason

	// Reservation is set by checkers that provisionally consume quota
	// (only the quota checkers do). The pipeline guarantees every
	// reservation is resolved exactly once, except for the timed-out
	// terminal state.
	Reservation *models.Reservation

	// RetryAfter hints when a quota-exhausted request may be retried.
	// Zero for every other kind of rejection.
	RetryAfter time.Duration
}

// Rejected reports whether the result carries any rejection.
func (r *CheckResult) Rejected() bool { return len(r.Rejections) > 0 }

// Checker is an admission rule that can reject a request. Checkers run in
// ascending Cost order and the chain short-circuits on the first rejection,
// so cheap structural checks never pay for a storage round trip.
type Checker interface {
	// Name identifies the checker in logs and metrics.
	Name() string

	// Cost orders the chain; cheaper checkers run first.
	Cost() uint8

	// Check evaluates the request. With dryRun set the checker must not
	// mutate any state (no reservation is created).
	Check(ctx context.Context, req *models.FundingRequest, dryRun bool) (*CheckResult, error)

	// Complete is invoked after the request reaches a terminal state so the
	// checker can record the outcome. Checkers with nothing to record return
	// nil immediately.
	Complete(ctx context.Context, req *models.FundingRequest, outcome *models.FundingOutcome) error
}

// Funder turns an admitted request into a confirmed on-chain disbursement.
// It owns the funding identity's sequence counter: assignment is strictly
// serialized and gap-free, while confirmation waits proceed concurrently.
// The funder resolves the reservations according to the outcome: committed on
// confirmation, released on terminal failure, and deliberately left unresolved
// on a confirmation timeout (the ambiguous attempt may still land on-chain).
type Funder interface {
	// Fund disburses req.Amount to req.Address. The reservations slice is
	// empty for bypassed requests.
	Fund(ctx context.Context, req *models.FundingRequest, reservations []*models.Reservation) (*models.FundingOutcome, error)

	// AmbiguousAttempts returns the timed-out attempts awaiting external
	// reconciliation against chain state.
	AmbiguousAttempts() []models.FundingAttempt
}

// ChainClient is the opaque capability used to reach the blockchain. The tap
// core never inspects transactions beyond building them; signing, encoding,
// and node specifics live behind this interface.
type ChainClient interface {
	// AccountSequenceNumber returns the on-chain sequence number of an account.
	AccountSequenceNumber(ctx context.Context, address string) (uint64, error)

	// Submit signs and broadcasts the transaction, returning its hash.
	// Errors are classified via pkg/errors: sequence mismatches and transient
	// failures are retryable, everything else is fatal.
	Submit(ctx context.Context, txn *models.Transaction) (string, error)

	// AwaitConfirmation blocks until the transaction is confirmed or failed
	// on-chain, or ctx expires (ErrConfirmationTimeout).
	AwaitConfirmation(ctx context.Context, txnHash string) (*models.TransactionResult, error)
}

// AuditService records terminal funding outcomes for downstream consumers,
// including the external reconciliation pass.
type AuditService interface {
	LogFundingEvent(ctx context.Context, event models.FundingEvent) error
	Close() error
}
