// Package memory provides an in-process quota store for single-instance
// deployments and tests. It keeps the same fixed-window and lease semantics
// as the Redis store but holds all state locally.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/turtacn/tap/internal/domain/models"
	"github.com/turtacn/tap/internal/domain/repository"
	"github.com/turtacn/tap/pkg/errors"
	"github.com/turtacn/tap/pkg/logger"
)

type pendingReservation struct {
	amount    uint64
	expiresAt time.Time
}

type windowEntry struct {
	windowStart time.Time
	used        uint64
	pending     map[models.ReservationToken]pendingReservation
}

// QuotaStore implements repository.QuotaStore backed by an in-process cache.
// A single mutex serializes all operations; identity entries that go idle are
// evicted by the cache after twice their window.
type QuotaStore struct {
	mu      sync.Mutex
	entries *gocache.Cache
	lease   time.Duration
	logger  logger.Logger
}

var _ repository.QuotaStore = (*QuotaStore)(nil)

// NewQuotaStore creates an in-memory quota store. Reservations held longer
// than lease stop counting against the window.
func NewQuotaStore(lease time.Duration, log logger.Logger) *QuotaStore {
	return &QuotaStore{
		entries: gocache.New(gocache.NoExpiration, 10*time.Minute),
		lease:   lease,
		logger:  log.WithComponent("memory_quota_store"),
	}
}

// entry returns the live window entry for identity, applying lease expiry
// and window rollover. Caller must hold s.mu.
func (s *QuotaStore) entry(identity models.Identity, window time.Duration, now time.Time) *windowEntry {
	var e *windowEntry
	if v, ok := s.entries.Get(string(identity)); ok {
		e = v.(*windowEntry)
	} else {
		e = &windowEntry{
			windowStart: now,
			pending:     make(map[models.ReservationToken]pendingReservation),
		}
	}

	for token, p := range e.pending {
		if !p.expiresAt.After(now) {
			delete(e.pending, token)
		}
	}
	if now.Sub(e.windowStart) >= window {
		e.windowStart = now
		e.used = 0
	}

	s.entries.Set(string(identity), e, 2*window)
	return e
}

// CheckAndReserve atomically admits the request against the fixed window and
// records a leased reservation for it.
func (s *QuotaStore) CheckAndReserve(
	ctx context.Context,
	identity models.Identity,
	amount, limit uint64,
	window time.Duration,
	now time.Time,
) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(identity, window, now)

	var pendingSum uint64
	for _, p := range e.pending {
		pendingSum += p.amount
	}
	if e.used+pendingSum+amount > limit {
		retryAfter := e.windowStart.Add(window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return nil, errors.ErrQuotaExhausted(string(identity), retryAfter)
	}

	resv := &models.Reservation{
		Token:     models.ReservationToken(uuid.NewString()),
		Identity:  identity,
		Amount:    amount,
		CreatedAt: now,
		ExpiresAt: now.Add(s.lease),
		Window:    window,
	}
	e.pending[resv.Token] = pendingReservation{amount: amount, expiresAt: resv.ExpiresAt}
	return resv, nil
}

// Resolve commits or releases a reservation. A reservation whose lease has
// already expired was released automatically and resolving it is a no-op.
func (s *QuotaStore) Resolve(ctx context.Context, reservation *models.Reservation, resolution models.Resolution) error {
	if reservation == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e := s.entry(reservation.Identity, reservation.Window, now)

	if _, held := e.pending[reservation.Token]; !held {
		s.logger.Warn(ctx, "reservation lease expired before resolution",
			logger.String("identity", string(reservation.Identity)),
			logger.String("token", string(reservation.Token)),
		)
		return nil
	}
	delete(e.pending, reservation.Token)

	if resolution == models.ResolutionCommit {
		e.used += reservation.Amount
	}
	return nil
}

// Usage reports committed consumption for the identity's current window.
func (s *QuotaStore) Usage(
	ctx context.Context,
	identity models.Identity,
	limit uint64,
	window time.Duration,
	now time.Time,
) (*models.QuotaWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(identity, window, now)
	return &models.QuotaWindow{
		Identity:    identity,
		WindowStart: e.windowStart,
		Used:        e.used,
		Limit:       limit,
	}, nil
}

// Close releases nothing; present to satisfy repository.QuotaStore.
func (s *QuotaStore) Close() error {
	s.entries.Flush()
	return nil
}
