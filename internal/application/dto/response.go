package dto

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/tap/pkg/constants"
	"github.com/turtacn/tap/pkg/errors"
)

// APIResponse is the envelope for every HTTP response.
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorDTO   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ErrorDTO carries a machine-readable error code and a human message.
type ErrorDTO struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SendSuccess writes a success envelope.
func SendSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, &APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now().Unix(),
	})
}

// SendError writes an error envelope. Application errors keep their code and
// status; anything else is reported as an opaque server error. Quota errors
// additionally set a Retry-After header.
func SendError(c *gin.Context, err error) {
	appErr, ok := errors.AsAppError(err)
	if !ok {
		appErr = errors.ErrServerError("an unexpected error occurred").WithCause(err)
	}

	if retryAfter := appErr.RetryAfter(); retryAfter > 0 {
		c.Header("Retry-After", fmt.Sprintf("%d", int64(retryAfter.Seconds()+0.5)))
	}

	c.JSON(appErr.HTTPStatus(), &APIResponse{
		Success: false,
		Error: &ErrorDTO{
			Code:    string(appErr.Code()),
			Message: appErr.Error(),
			Details: appErr.Metadata(),
		},
		RequestID: requestID(c),
		Timestamp: time.Now().Unix(),
	})
}

// SendRejected writes the rejected-outcome envelope. Quota rejections are
// reported as 429 with a retry hint, everything else as 403; the per-checker
// reasons travel in the data payload.
func SendRejected(c *gin.Context, resp *FundResponse) {
	appErr := errors.ErrRejected("request rejected by admission checks")
	status := appErr.HTTPStatus()
	for _, r := range resp.Rejections {
		code := constants.RejectionReasonCode(r.Code)
		if code == constants.ReasonUsageLimitExhausted || code == constants.ReasonAccountLimitExhausted {
			status = http.StatusTooManyRequests
			break
		}
	}
	if status == http.StatusTooManyRequests && resp.RetryAfterSecs > 0 {
		c.Header("Retry-After", fmt.Sprintf("%d", resp.RetryAfterSecs))
	}

	c.JSON(status, &APIResponse{
		Success: false,
		Data:    resp,
		Error: &ErrorDTO{
			Code:    string(appErr.Code()),
			Message: appErr.Error(),
		},
		RequestID: requestID(c),
		Timestamp: time.Now().Unix(),
	})
}

func requestID(c *gin.Context) string {
	if id, ok := c.Get(string(constants.ContextKeyRequestID)); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}
