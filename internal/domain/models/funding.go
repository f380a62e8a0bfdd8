package models

import (
	"time"

	"github.com/turtacn/tap/pkg/constants"
)

// FundingRequest is one inbound ask to receive test-network tokens.
// Immutable once created.
type FundingRequest struct {
	// ID is the service-assigned request identifier.
	ID string

	// Address is the recipient account address.
	Address string

	// Amount is the requested disbursement in base units.
	Amount uint64

	// SourceIP is the caller's address as seen by the transport layer.
	SourceIP string

	// AuthToken is the optional bearer credential carried by the request.
	AuthToken string

	// RequestedAt is when the request was received.
	RequestedAt time.Time
}

// RejectionReason explains why an admission checker rejected a request.
type RejectionReason struct {
	Message string                        `json:"message"`
	Code    constants.RejectionReasonCode `json:"code"`
}

// NewRejectionReason creates a RejectionReason.
func NewRejectionReason(message string, code constants.RejectionReasonCode) RejectionReason {
	return RejectionReason{Message: message, Code: code}
}

// AttemptStatus is the lifecycle state of one funding attempt.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptConfirmed AttemptStatus = "confirmed"
	AttemptFailed    AttemptStatus = "failed"
	AttemptTimedOut  AttemptStatus = "timed_out"
)

// FundingAttempt is one submission of a transaction for a request. A request
// may produce several attempts (retries) but at most one pending attempt at a
// time. Attempts are owned exclusively by the funder.
type FundingAttempt struct {
	RequestID      string
	SequenceNumber uint64
	TxnHash        string
	SubmittedAt    time.Time
	Status         AttemptStatus
	FailureReason  string
}

// OutcomeStatus is the terminal state of a funding request.
type OutcomeStatus string

const (
	OutcomeConfirmed OutcomeStatus = "confirmed"
	OutcomeRejected  OutcomeStatus = "rejected"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeTimedOut  OutcomeStatus = "timed_out"
)

// FundingOutcome is the pipeline's final decision for a request.
type FundingOutcome struct {
	Status     OutcomeStatus
	TxnHash    string
	Rejections []RejectionReason
	// FailureReason is set for failed and timed-out outcomes.
	FailureReason string
	// RetryAfter hints when a quota-rejected requester may try again.
	RetryAfter time.Duration
	// Attempts is the submission history the funder produced, in order.
	Attempts []FundingAttempt
}

// Transaction is the unsigned transfer handed to the chain client. The chain
// client signs and encodes it; the funder only owns sequence assignment.
type Transaction struct {
	Sender         string `json:"sender"`
	SequenceNumber uint64 `json:"sequence_number"`
	Recipient      string `json:"recipient"`
	Amount         uint64 `json:"amount"`
}

// TransactionResult is a confirmed-or-failed verdict from the chain.
type TransactionResult struct {
	Confirmed     bool
	FailureReason string
}

// FundingEvent is the audit record emitted on every terminal outcome.
type FundingEvent struct {
	RequestID      string            `json:"request_id"`
	Address        string            `json:"address"`
	SourceIP       string            `json:"source_ip"`
	Amount         uint64            `json:"amount"`
	Status         OutcomeStatus     `json:"status"`
	TxnHash        string            `json:"txn_hash,omitempty"`
	Rejections     []RejectionReason `json:"rejections,omitempty"`
	SequenceNumber uint64            `json:"sequence_number,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}
