package admission

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/turtacn/tap/internal/config"
	"github.com/turtacn/tap/internal/domain/models"
	"github.com/turtacn/tap/internal/domain/repository"
	"github.com/turtacn/tap/internal/domain/service"
	"github.com/turtacn/tap/internal/infrastructure/monitoring"
	"github.com/turtacn/tap/pkg/constants"
	"github.com/turtacn/tap/pkg/errors"
	"github.com/turtacn/tap/pkg/logger"
)

// Checker chain cost bands. Structural checks run before credential checks,
// which run before anything that touches storage.
const (
	costAmount      = 10
	costAuthToken   = 20
	costIPBlocklist = 30
	costQuota       = 100
)

// AmountChecker rejects requests whose amount falls outside the configured
// disbursement bounds.
type AmountChecker struct {
	minimum uint64
	maximum uint64
}

var _ service.Checker = (*AmountChecker)(nil)

// NewAmountChecker creates an amount bounds checker.
func NewAmountChecker(minimum, maximum uint64) *AmountChecker {
	return &AmountChecker{minimum: minimum, maximum: maximum}
}

func (c *AmountChecker) Name() string { return "amount" }
func (c *AmountChecker) Cost() uint8  { return costAmount }

func (c *AmountChecker) Check(ctx context.Context, req *models.FundingRequest, dryRun bool) (*service.CheckResult, error) {
	result := &service.CheckResult{}
	if req.Amount == 0 || req.Amount < c.minimum {
		result.Rejections = append(result.Rejections, models.NewRejectionReason(
			fmt.Sprintf("requested amount %d is below the minimum of %d", req.Amount, c.minimum),
			constants.ReasonAmountInvalid,
		))
	}
	if c.maximum > 0 && req.Amount > c.maximum {
		result.Rejections = append(result.Rejections, models.NewRejectionReason(
			fmt.Sprintf("requested amount %d exceeds the maximum of %d", req.Amount, c.maximum),
			constants.ReasonAmountInvalid,
		))
	}
	return result, nil
}

func (c *AmountChecker) Complete(ctx context.Context, req *models.FundingRequest, outcome *models.FundingOutcome) error {
	return nil
}

// AuthTokenChecker rejects requests carrying an explicitly denied credential.
type AuthTokenChecker struct {
	denied map[string]struct{}
}

var _ service.Checker = (*AuthTokenChecker)(nil)

// NewAuthTokenChecker creates a denied-token checker.
func NewAuthTokenChecker(deniedTokens []string) *AuthTokenChecker {
	denied := make(map[string]struct{}, len(deniedTokens))
	for _, t := range deniedTokens {
		denied[t] = struct{}{}
	}
	return &AuthTokenChecker{denied: denied}
}

func (c *AuthTokenChecker) Name() string { return "auth_token" }
func (c *AuthTokenChecker) Cost() uint8  { return costAuthToken }

func (c *AuthTokenChecker) Check(ctx context.Context, req *models.FundingRequest, dryRun bool) (*service.CheckResult, error) {
	result := &service.CheckResult{}
	if req.AuthToken == "" {
		return result, nil
	}
	if _, ok := c.denied[req.AuthToken]; ok {
		result.Rejections = append(result.Rejections, models.NewRejectionReason(
			"the provided credential is not permitted to request funds",
			constants.ReasonAuthTokenDenied,
		))
	}
	return result, nil
}

func (c *AuthTokenChecker) Complete(ctx context.Context, req *models.FundingRequest, outcome *models.FundingOutcome) error {
	return nil
}

// IPBlocklistChecker rejects requests originating from blocked source ranges.
type IPBlocklistChecker struct {
	networks []*net.IPNet
}

var _ service.Checker = (*IPBlocklistChecker)(nil)

// NewIPBlocklistChecker parses the configured CIDRs.
func NewIPBlocklistChecker(cidrs []string) (*IPBlocklistChecker, error) {
	networks, err := parseCIDRs(cidrs)
	if err != nil {
		return nil, err
	}
	return &IPBlocklistChecker{networks: networks}, nil
}

func (c *IPBlocklistChecker) Name() string { return "ip_blocklist" }
func (c *IPBlocklistChecker) Cost() uint8  { return costIPBlocklist }

func (c *IPBlocklistChecker) Check(ctx context.Context, req *models.FundingRequest, dryRun bool) (*service.CheckResult, error) {
	result := &service.CheckResult{}
	ip := net.ParseIP(req.SourceIP)
	if ip == nil {
		result.Rejections = append(result.Rejections, models.NewRejectionReason(
			fmt.Sprintf("source address %q could not be parsed", req.SourceIP),
			constants.ReasonIPBlocklisted,
		))
		return result, nil
	}
	for _, n := range c.networks {
		if n.Contains(ip) {
			result.Rejections = append(result.Rejections, models.NewRejectionReason(
				"requests from this source range are not permitted",
				constants.ReasonIPBlocklisted,
			))
			return result, nil
		}
	}
	return result, nil
}

func (c *IPBlocklistChecker) Complete(ctx context.Context, req *models.FundingRequest, outcome *models.FundingOutcome) error {
	return nil
}

// QuotaChecker enforces the fixed-window funding allowance for one scope,
// atomically reserving quota for admitted requests. Limits are read through a
// snapshot function so configuration reloads take effect without restarting.
type QuotaChecker struct {
	store   repository.QuotaStore
	scope   constants.QuotaScope
	limits  func() *config.QuotaConfig
	metrics *monitoring.Metrics
	logger  logger.Logger
}

var _ service.Checker = (*QuotaChecker)(nil)

// NewQuotaChecker creates a quota checker for the given scope.
func NewQuotaChecker(
	store repository.QuotaStore,
	scope constants.QuotaScope,
	limits func() *config.QuotaConfig,
	metrics *monitoring.Metrics,
	log logger.Logger,
) *QuotaChecker {
	return &QuotaChecker{
		store:   store,
		scope:   scope,
		limits:  limits,
		metrics: metrics,
		logger:  log.WithComponent(fmt.Sprintf("quota_checker_%s", scope)),
	}
}

func (c *QuotaChecker) Name() string { return fmt.Sprintf("quota_%s", c.scope) }
func (c *QuotaChecker) Cost() uint8  { return costQuota }

func (c *QuotaChecker) identity(req *models.FundingRequest) (models.Identity, uint64) {
	cfg := c.limits()
	if c.scope == constants.QuotaScopeAccount {
		return models.IdentityFromAddress(req.Address), cfg.PerAccountLimit
	}
	return models.IdentityFromIP(req.SourceIP), cfg.PerIPLimit
}

func (c *QuotaChecker) reasonCode() constants.RejectionReasonCode {
	if c.scope == constants.QuotaScopeAccount {
		return constants.ReasonAccountLimitExhausted
	}
	return constants.ReasonUsageLimitExhausted
}

// Check admits one unit of quota for the request. Dry runs inspect committed
// usage without reserving anything.
func (c *QuotaChecker) Check(ctx context.Context, req *models.FundingRequest, dryRun bool) (*service.CheckResult, error) {
	cfg := c.limits()
	identity, limit := c.identity(req)
	result := &service.CheckResult{}

	if dryRun {
		usage, err := c.store.Usage(ctx, identity, limit, cfg.Window, time.Now())
		if err != nil {
			return nil, err
		}
		if usage.Used+1 > limit {
			result.Rejections = append(result.Rejections, c.exhaustedReason())
			if wait := time.Until(usage.ResetAt(cfg.Window)); wait > 0 {
				result.RetryAfter = wait
			}
		}
		return result, nil
	}

	resv, err := c.store.CheckAndReserve(ctx, identity, 1, limit, cfg.Window, time.Now())
	if err != nil {
		if errors.IsQuotaExhausted(err) {
			c.metrics.RecordQuotaExhausted(c.scope)
			result.Rejections = append(result.Rejections, c.exhaustedReason())
			if appErr, ok := errors.AsAppError(err); ok {
				result.RetryAfter = appErr.RetryAfter()
			}
			return result, nil
		}
		return nil, err
	}
	result.Reservation = resv
	return result, nil
}

func (c *QuotaChecker) exhaustedReason() models.RejectionReason {
	return models.NewRejectionReason(
		fmt.Sprintf("the funding allowance for this %s has been exhausted for the current window", c.scope),
		c.reasonCode(),
	)
}

func (c *QuotaChecker) Complete(ctx context.Context, req *models.FundingRequest, outcome *models.FundingOutcome) error {
	return nil
}
