// Package handlers implements the HTTP endpoints.
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/turtacn/tap/internal/application/dto"
	appservice "github.com/turtacn/tap/internal/application/service"
	"github.com/turtacn/tap/internal/domain/models"
	"github.com/turtacn/tap/pkg/errors"
	"github.com/turtacn/tap/pkg/logger"
)

// FundHandler serves the funding endpoints.
type FundHandler struct {
	app    *appservice.TapAppService
	logger logger.Logger
}

// NewFundHandler creates the handler.
func NewFundHandler(app *appservice.TapAppService, log logger.Logger) *FundHandler {
	return &FundHandler{
		app:    app,
		logger: log.WithComponent("fund_handler"),
	}
}

// Fund handles POST /api/v1/fund. With ?dry_run=true the request is only
// evaluated for admission; nothing is reserved or funded.
func (h *FundHandler) Fund(c *gin.Context) {
	var body dto.FundRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		dto.SendError(c, errors.ErrInvalidRequest("address and amount are required").WithCause(err))
		return
	}

	req := h.buildRequest(c, &body)

	if c.Query("dry_run") == "true" {
		h.dryRun(c, req)
		return
	}

	outcome, err := h.app.Fund(c.Request.Context(), req)
	if err != nil && outcome == nil {
		dto.SendError(c, err)
		return
	}

	resp := &dto.FundResponse{
		RequestID:  req.ID,
		Status:     string(outcome.Status),
		TxnHash:    outcome.TxnHash,
		Rejections: dto.NewRejectionDTOs(outcome.Rejections),
	}
	if outcome.RetryAfter > 0 {
		resp.RetryAfterSecs = int64(outcome.RetryAfter.Seconds() + 0.5)
	}

	switch outcome.Status {
	case models.OutcomeConfirmed:
		dto.SendSuccess(c, http.StatusOK, resp)
	case models.OutcomeRejected:
		dto.SendRejected(c, resp)
	default:
		// Failed and timed-out outcomes surface the classified error with
		// the outcome attached for the caller's records.
		appErr, ok := errors.AsAppError(err)
		if !ok {
			appErr = errors.ErrServerError("funding did not complete")
		}
		c.JSON(appErr.HTTPStatus(), &dto.APIResponse{
			Success:   false,
			Data:      resp,
			Error:     &dto.ErrorDTO{Code: string(appErr.Code()), Message: appErr.Error()},
			Timestamp: time.Now().Unix(),
		})
	}
}

// IsEligible handles POST /api/v1/is_eligible: the standalone dry run.
func (h *FundHandler) IsEligible(c *gin.Context) {
	var body dto.FundRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		dto.SendError(c, errors.ErrInvalidRequest("address and amount are required").WithCause(err))
		return
	}
	h.dryRun(c, h.buildRequest(c, &body))
}

// AmbiguousAttempts handles GET /api/v1/admin/ambiguous: the timed-out
// attempts awaiting reconciliation against chain state.
func (h *FundHandler) AmbiguousAttempts(c *gin.Context) {
	dto.SendSuccess(c, http.StatusOK, gin.H{
		"attempts": h.app.AmbiguousAttempts(),
	})
}

func (h *FundHandler) dryRun(c *gin.Context, req *models.FundingRequest) {
	rejections, err := h.app.DryRun(c.Request.Context(), req)
	if err != nil {
		dto.SendError(c, err)
		return
	}
	dto.SendSuccess(c, http.StatusOK, &dto.EligibilityResponse{
		Eligible:   len(rejections) == 0,
		Rejections: dto.NewRejectionDTOs(rejections),
	})
}

func (h *FundHandler) buildRequest(c *gin.Context, body *dto.FundRequest) *models.FundingRequest {
	token := body.AuthToken
	if header := c.GetHeader("Authorization"); header != "" {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
	}
	return &models.FundingRequest{
		ID:          uuid.NewString(),
		Address:     body.Address,
		Amount:      body.Amount,
		SourceIP:    c.ClientIP(),
		AuthToken:   token,
		RequestedAt: time.Now(),
	}
}
