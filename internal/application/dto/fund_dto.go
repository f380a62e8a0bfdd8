// Package dto defines the request and response shapes of the HTTP surface.
package dto

import (
	"github.com/turtacn/tap/internal/domain/models"
)

// FundRequest is the body of a funding request.
type FundRequest struct {
	// Address is the recipient account.
	Address string `json:"address" binding:"required"`

	// Amount is the requested disbursement in base units.
	Amount uint64 `json:"amount" binding:"required"`

	// AuthToken optionally carries a bearer credential. The Authorization
	// header takes precedence when both are present.
	AuthToken string `json:"auth_token,omitempty"`
}

// RejectionDTO is one reason a request was not admitted.
type RejectionDTO struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// FundResponse reports the terminal state of a funding request.
type FundResponse struct {
	RequestID  string         `json:"request_id"`
	Status     string         `json:"status"`
	TxnHash    string         `json:"txn_hash,omitempty"`
	Rejections []RejectionDTO `json:"rejections,omitempty"`

	// RetryAfterSecs hints when a quota-limited requester may try again.
	RetryAfterSecs int64 `json:"retry_after_secs,omitempty"`
}

// EligibilityResponse is the dry-run verdict: whether a request would be
// admitted right now, without consuming quota or funding anything.
type EligibilityResponse struct {
	Eligible   bool           `json:"eligible"`
	Rejections []RejectionDTO `json:"rejections,omitempty"`
}

// NewRejectionDTOs converts domain rejection reasons.
func NewRejectionDTOs(reasons []models.RejectionReason) []RejectionDTO {
	if len(reasons) == 0 {
		return nil
	}
	out := make([]RejectionDTO, 0, len(reasons))
	for _, r := range reasons {
		out = append(out, RejectionDTO{Message: r.Message, Code: string(r.Code)})
	}
	return out
}
