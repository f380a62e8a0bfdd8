// Package service contains the application layer: the admission pipeline
// that coordinates bypassers, checkers, the funder, and the bookkeeping
// around them.
package service

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/turtacn/tap/internal/config"
	"github.com/turtacn/tap/internal/domain/models"
	"github.com/turtacn/tap/internal/domain/repository"
	"github.com/turtacn/tap/internal/domain/service"
	"github.com/turtacn/tap/internal/infrastructure/monitoring"
	"github.com/turtacn/tap/pkg/errors"
	"github.com/turtacn/tap/pkg/logger"
)

// TapAppService drives a funding request through the pipeline: bypass
// evaluation, the cost-ordered checker chain, and the funding engine. It owns
// the bookkeeping around terminal states: history rows, audit events, and
// metrics.
type TapAppService struct {
	bypassers []service.Bypasser
	checkers  []service.Checker
	funder    service.Funder
	store     repository.QuotaStore
	history   repository.RequestRepository
	audit     service.AuditService
	metrics   *monitoring.Metrics
	logger    logger.Logger

	// quota holds the live quota limits; configuration reloads swap the
	// pointer so in-flight requests keep a consistent snapshot.
	quota atomic.Pointer[config.QuotaConfig]
}

// NewTapAppService assembles the pipeline. Checkers are sorted by cost so
// cheap structural checks run before anything that touches storage. The
// history repository may be nil when persistence is disabled.
func NewTapAppService(
	bypassers []service.Bypasser,
	checkers []service.Checker,
	funder service.Funder,
	store repository.QuotaStore,
	history repository.RequestRepository,
	audit service.AuditService,
	quotaCfg *config.QuotaConfig,
	metrics *monitoring.Metrics,
	log logger.Logger,
) *TapAppService {
	sorted := append([]service.Checker(nil), checkers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Cost() < sorted[j].Cost() })

	s := &TapAppService{
		bypassers: bypassers,
		checkers:  sorted,
		funder:    funder,
		store:     store,
		history:   history,
		audit:     audit,
		metrics:   metrics,
		logger:    log.WithComponent("tap_app_service"),
	}
	s.quota.Store(quotaCfg)
	return s
}

// SetBypassers installs the bypass rules, evaluated in order.
func (s *TapAppService) SetBypassers(bypassers []service.Bypasser) {
	s.bypassers = bypassers
}

// SetCheckers installs the checker chain, sorted by cost. The quota checkers
// read limits back through QuotaLimits, so the chain is installed after
// construction during wiring.
func (s *TapAppService) SetCheckers(checkers []service.Checker) {
	sorted := append([]service.Checker(nil), checkers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Cost() < sorted[j].Cost() })
	s.checkers = sorted
}

// QuotaLimits returns the live quota snapshot. Checkers read limits through
// this so reloads apply without restarting.
func (s *TapAppService) QuotaLimits() *config.QuotaConfig {
	return s.quota.Load()
}

// UpdateQuota swaps in reloaded quota limits.
func (s *TapAppService) UpdateQuota(cfg *config.QuotaConfig) {
	s.quota.Store(cfg)
	s.logger.Info(context.Background(), "quota limits updated",
		logger.Uint64("per_ip_limit", cfg.PerIPLimit),
		logger.Uint64("per_account_limit", cfg.PerAccountLimit),
		logger.Duration("window", cfg.Window),
	)
}

// AmbiguousAttempts exposes the funder's timed-out attempts for the
// reconciliation endpoint.
func (s *TapAppService) AmbiguousAttempts() []models.FundingAttempt {
	return s.funder.AmbiguousAttempts()
}

// Fund runs a request through the full pipeline and returns its terminal
// outcome. Every admitted reservation is resolved exactly once; the only
// deliberate exception is the timed-out terminal state, whose reservations
// are left to their lease.
func (s *TapAppService) Fund(ctx context.Context, req *models.FundingRequest) (*models.FundingOutcome, error) {
	start := time.Now()

	s.recordAdmission(ctx, req)

	bypassed, err := s.evaluateBypass(ctx, req)
	if err != nil {
		return nil, err
	}

	var reservations []*models.Reservation
	if !bypassed {
		rejected, resvs, retryAfter, err := s.runCheckers(ctx, req)
		reservations = resvs
		if err != nil {
			return nil, err
		}
		if rejected != nil {
			outcome := &models.FundingOutcome{
				Status:     models.OutcomeRejected,
				Rejections: rejected,
				RetryAfter: retryAfter,
			}
			s.finish(ctx, req, outcome, bypassed, start)
			return outcome, nil
		}
	}

	outcome, fundErr := s.funder.Fund(ctx, req, reservations)
	s.finish(ctx, req, outcome, bypassed, start)

	if fundErr != nil {
		return outcome, fundErr
	}
	return outcome, nil
}

// DryRun evaluates admission without reserving quota or funding anything.
func (s *TapAppService) DryRun(ctx context.Context, req *models.FundingRequest) ([]models.RejectionReason, error) {
	bypassed, err := s.evaluateBypass(ctx, req)
	if err != nil {
		return nil, err
	}
	if bypassed {
		return nil, nil
	}

	var rejections []models.RejectionReason
	for _, checker := range s.checkers {
		result, err := checker.Check(ctx, req, true)
		if err != nil {
			return nil, err
		}
		rejections = append(rejections, result.Rejections...)
	}
	return rejections, nil
}

func (s *TapAppService) evaluateBypass(ctx context.Context, req *models.FundingRequest) (bool, error) {
	for _, bypasser := range s.bypassers {
		granted, err := bypasser.Evaluate(ctx, req)
		if err != nil {
			s.logger.Error(ctx, "bypass evaluation failed", err,
				logger.String("bypasser", bypasser.Name()),
				logger.String("request_id", req.ID),
			)
			return false, errors.ErrServerError("bypass evaluation failed").WithCause(err)
		}
		if granted {
			s.logger.Info(ctx, "request bypassed admission checks",
				logger.String("bypasser", bypasser.Name()),
				logger.String("request_id", req.ID),
			)
			return true, nil
		}
	}
	return false, nil
}

// runCheckers walks the cost-ordered chain. The chain short-circuits on the
// first rejection; reservations already taken by earlier checkers are
// released before returning.
func (s *TapAppService) runCheckers(ctx context.Context, req *models.FundingRequest) ([]models.RejectionReason, []*models.Reservation, time.Duration, error) {
	var reservations []*models.Reservation

	for _, checker := range s.checkers {
		result, err := checker.Check(ctx, req, false)
		if err != nil {
			s.releaseAll(ctx, reservations)
			s.logger.Error(ctx, "admission check failed", err,
				logger.String("checker", checker.Name()),
				logger.String("request_id", req.ID),
			)
			return nil, nil, 0, err
		}
		if result.Reservation != nil {
			reservations = append(reservations, result.Reservation)
		}
		if result.Rejected() {
			s.releaseAll(ctx, reservations)
			for _, reason := range result.Rejections {
				s.metrics.RecordRejection(reason.Code)
			}
			s.logger.Info(ctx, "request rejected",
				logger.String("checker", checker.Name()),
				logger.String("request_id", req.ID),
				logger.Int("rejections", len(result.Rejections)),
			)
			return result.Rejections, nil, result.RetryAfter, nil
		}
	}
	return nil, reservations, 0, nil
}

func (s *TapAppService) releaseAll(ctx context.Context, reservations []*models.Reservation) {
	for _, resv := range reservations {
		if resv == nil {
			continue
		}
		// Best effort; an expired lease makes this a no-op anyway.
		if err := s.store.Resolve(ctx, resv, models.ResolutionRelease); err != nil {
			s.logger.Error(ctx, "failed to release reservation", err,
				logger.String("identity", string(resv.Identity)),
				logger.String("token", string(resv.Token)),
			)
		}
	}
}

// finish performs the terminal-state bookkeeping shared by every outcome.
func (s *TapAppService) finish(ctx context.Context, req *models.FundingRequest, outcome *models.FundingOutcome, bypassed bool, start time.Time) {
	// Bookkeeping must survive caller disconnection.
	ctx = context.WithoutCancel(ctx)

	s.metrics.RecordOutcome(outcome.Status, bypassed, time.Since(start))

	for _, checker := range s.checkers {
		if err := checker.Complete(ctx, req, outcome); err != nil {
			s.logger.Error(ctx, "checker completion failed", err,
				logger.String("checker", checker.Name()),
				logger.String("request_id", req.ID),
			)
		}
	}

	if s.history != nil {
		succeeded := outcome.Status == models.OutcomeConfirmed
		if err := s.history.MarkCompleted(ctx, req.ID, txnHashes(outcome), succeeded); err != nil {
			s.logger.Error(ctx, "failed to record request completion", err,
				logger.String("request_id", req.ID),
			)
		}
	}

	event := models.FundingEvent{
		RequestID:  req.ID,
		Address:    req.Address,
		SourceIP:   req.SourceIP,
		Amount:     req.Amount,
		Status:     outcome.Status,
		TxnHash:    outcome.TxnHash,
		Rejections: outcome.Rejections,
		OccurredAt: time.Now(),
	}
	if n := len(outcome.Attempts); n > 0 {
		event.SequenceNumber = outcome.Attempts[n-1].SequenceNumber
	}
	if err := s.audit.LogFundingEvent(ctx, event); err != nil {
		s.logger.Error(ctx, "failed to publish funding event", err,
			logger.String("request_id", req.ID),
		)
	}
}

func (s *TapAppService) recordAdmission(ctx context.Context, req *models.FundingRequest) {
	if s.history == nil {
		return
	}
	record := &models.FundingRecord{
		RequestID:        req.ID,
		IP:               req.SourceIP,
		Address:          req.Address,
		Amount:           int64(req.Amount),
		InsertedUnixSecs: req.RequestedAt.Unix(),
	}
	if err := s.history.Insert(ctx, record); err != nil {
		s.logger.Error(ctx, "failed to record request", err,
			logger.String("request_id", req.ID),
		)
	}
}

func txnHashes(outcome *models.FundingOutcome) string {
	var hashes []string
	for _, attempt := range outcome.Attempts {
		if attempt.TxnHash != "" {
			hashes = append(hashes, attempt.TxnHash)
		}
	}
	return strings.Join(hashes, ",")
}
