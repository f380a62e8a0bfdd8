// Package funder implements the disbursement engine: sequence number
// ownership, transaction submission with bounded retries, and confirmation
// tracking.
package funder

import (
	"context"
	"sync"
	"time"

	"github.com/turtacn/tap/internal/config"
	"github.com/turtacn/tap/internal/domain/models"
	"github.com/turtacn/tap/internal/domain/repository"
	"github.com/turtacn/tap/internal/domain/service"
	"github.com/turtacn/tap/internal/infrastructure/monitoring"
	"github.com/turtacn/tap/pkg/errors"
	"github.com/turtacn/tap/pkg/logger"
)

// TransferFunder disburses tokens from a single funding identity. It owns the
// identity's sequence counter: assignment and submission happen under one
// mutex so numbers are handed out strictly increasing and gap-free, while
// confirmation waits run outside the lock so slow confirmations do not stall
// other submissions.
type TransferFunder struct {
	client  service.ChainClient
	store   repository.QuotaStore
	cfg     *config.FunderConfig
	metrics *monitoring.Metrics
	logger  logger.Logger

	mu     sync.Mutex
	next   uint64
	synced bool

	ambiguousMu sync.Mutex
	ambiguous   []models.FundingAttempt
}

var _ service.Funder = (*TransferFunder)(nil)

// NewTransferFunder creates the funder. The sequence counter syncs lazily
// from chain state on first use.
func NewTransferFunder(
	client service.ChainClient,
	store repository.QuotaStore,
	cfg *config.FunderConfig,
	metrics *monitoring.Metrics,
	log logger.Logger,
) *TransferFunder {
	return &TransferFunder{
		client:  client,
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		logger:  log.WithComponent("transfer_funder"),
	}
}

// Fund submits a transfer for the request and waits for confirmation,
// retrying transient submission failures up to the configured budget. The
// reservations are committed exactly once on confirmation, released on a
// terminal failure, and deliberately left to their lease on a confirmation
// timeout since the attempt may still land on-chain.
func (f *TransferFunder) Fund(ctx context.Context, req *models.FundingRequest, reservations []*models.Reservation) (*models.FundingOutcome, error) {
	outcome := &models.FundingOutcome{Status: models.OutcomeFailed}

	maxAttempts := f.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			f.metrics.FunderRetries.Inc()
		}

		txnHash, seq, err := f.submit(ctx, req)
		if err != nil {
			lastErr = err
			record := models.FundingAttempt{
				RequestID:   req.ID,
				SubmittedAt: time.Now(),
				Status:      models.AttemptFailed,
			}
			if reason, ok := errors.AsAppError(err); ok {
				record.FailureReason = reason.Error()
			} else {
				record.FailureReason = err.Error()
			}
			outcome.Attempts = append(outcome.Attempts, record)

			if errors.IsSequenceMismatch(err) {
				f.forceResync()
				f.logger.Warn(ctx, "sequence mismatch, counter resynced from chain",
					logger.String("request_id", req.ID),
					logger.Int("attempt", attempt),
				)
				continue
			}
			if errors.IsRetryableSubmission(err) {
				f.logger.Warn(ctx, "transient submission failure",
					logger.String("request_id", req.ID),
					logger.Int("attempt", attempt),
				)
				continue
			}

			// Fatal: no more attempts, release the held quota.
			f.resolveAll(ctx, reservations, models.ResolutionRelease)
			outcome.FailureReason = record.FailureReason
			return outcome, err
		}

		attemptRecord := models.FundingAttempt{
			RequestID:      req.ID,
			SequenceNumber: seq,
			TxnHash:        txnHash,
			SubmittedAt:    time.Now(),
			Status:         models.AttemptPending,
		}

		result, err := f.awaitConfirmation(ctx, txnHash)
		switch {
		case err != nil && errors.IsConfirmationTimeout(err):
			// Ambiguous: the transaction may still land. The reservations
			// stay held until their lease expires and the attempt is handed
			// to external reconciliation.
			attemptRecord.Status = models.AttemptTimedOut
			outcome.Attempts = append(outcome.Attempts, attemptRecord)
			outcome.Status = models.OutcomeTimedOut
			outcome.TxnHash = txnHash
			f.recordAmbiguous(attemptRecord)
			f.logger.Error(ctx, "confirmation timed out", err,
				logger.String("request_id", req.ID),
				logger.String("txn_hash", txnHash),
			)
			return outcome, err
		case err != nil:
			f.resolveAll(ctx, reservations, models.ResolutionRelease)
			attemptRecord.Status = models.AttemptFailed
			attemptRecord.FailureReason = err.Error()
			outcome.Attempts = append(outcome.Attempts, attemptRecord)
			outcome.FailureReason = err.Error()
			return outcome, err
		case !result.Confirmed:
			// The sequence number was consumed on-chain, so the failure is
			// terminal rather than retryable.
			f.resolveAll(ctx, reservations, models.ResolutionRelease)
			attemptRecord.Status = models.AttemptFailed
			attemptRecord.FailureReason = result.FailureReason
			outcome.Attempts = append(outcome.Attempts, attemptRecord)
			outcome.FailureReason = result.FailureReason
			return outcome, errors.ErrSubmissionFatal(result.FailureReason)
		}

		// Confirmed: commit exactly once.
		f.resolveAll(ctx, reservations, models.ResolutionCommit)
		attemptRecord.Status = models.AttemptConfirmed
		outcome.Attempts = append(outcome.Attempts, attemptRecord)
		outcome.Status = models.OutcomeConfirmed
		outcome.TxnHash = txnHash
		return outcome, nil
	}

	f.resolveAll(ctx, reservations, models.ResolutionRelease)
	if lastErr == nil {
		lastErr = errors.ErrSubmissionFailed("retry budget exhausted")
	}
	if appErr, ok := errors.AsAppError(lastErr); ok {
		outcome.FailureReason = appErr.Error()
	} else {
		outcome.FailureReason = lastErr.Error()
	}
	return outcome, lastErr
}

// submit assigns the next sequence number and broadcasts the transaction,
// both under the counter mutex. The counter advances only when the node
// accepted the transaction, so failed submissions leave no gap.
func (f *TransferFunder) submit(ctx context.Context, req *models.FundingRequest) (string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.synced {
		seq, err := f.client.AccountSequenceNumber(ctx, f.cfg.Address)
		if err != nil {
			return "", 0, err
		}
		f.next = seq
		f.synced = true
		f.logger.Info(ctx, "sequence counter synced from chain",
			logger.Uint64("sequence_number", seq),
		)
	}

	txn := &models.Transaction{
		Sender:         f.cfg.Address,
		SequenceNumber: f.next,
		Recipient:      req.Address,
		Amount:         req.Amount,
	}
	txnHash, err := f.client.Submit(ctx, txn)
	if err != nil {
		return "", 0, err
	}

	seq := f.next
	f.next++
	f.metrics.FunderSequence.Set(float64(f.next))
	return txnHash, seq, nil
}

// awaitConfirmation waits for the transaction outside the counter mutex.
// The wait survives caller cancellation: once submitted, the outcome must be
// learned regardless of whether the requester is still connected.
func (f *TransferFunder) awaitConfirmation(ctx context.Context, txnHash string) (*models.TransactionResult, error) {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.ConfirmationTimeout)
	defer cancel()
	return f.client.AwaitConfirmation(waitCtx, txnHash)
}

func (f *TransferFunder) forceResync() {
	f.mu.Lock()
	f.synced = false
	f.mu.Unlock()
}

func (f *TransferFunder) resolveAll(ctx context.Context, reservations []*models.Reservation, resolution models.Resolution) {
	// Resolution happens even when the request context is gone.
	ctx = context.WithoutCancel(ctx)
	for _, resv := range reservations {
		if resv == nil {
			continue
		}
		if err := f.store.Resolve(ctx, resv, resolution); err != nil {
			f.logger.Error(ctx, "failed to resolve reservation", err,
				logger.String("identity", string(resv.Identity)),
				logger.String("token", string(resv.Token)),
			)
		}
	}
}

func (f *TransferFunder) recordAmbiguous(attempt models.FundingAttempt) {
	f.ambiguousMu.Lock()
	f.ambiguous = append(f.ambiguous, attempt)
	f.metrics.AmbiguousAttempts.Set(float64(len(f.ambiguous)))
	f.ambiguousMu.Unlock()
}

// AmbiguousAttempts returns the timed-out attempts recorded since startup.
func (f *TransferFunder) AmbiguousAttempts() []models.FundingAttempt {
	f.ambiguousMu.Lock()
	defer f.ambiguousMu.Unlock()
	out := make([]models.FundingAttempt, len(f.ambiguous))
	copy(out, f.ambiguous)
	return out
}
