// Package repository defines the persistence contracts of the tap domain.
package repository

import (
	"context"
	"time"

	"github.com/turtacn/tap/internal/domain/models"
)

// QuotaStore is durable, concurrency-safe quota accounting keyed by identity.
//
// CheckAndReserve is a single atomic check-and-reserve: it rolls the window
// over if expired, fails without mutation when the new total would exceed the
// limit, and otherwise records a provisional reservation. The check is
// indivisible with respect to concurrent operations on the same identity;
// operations on different identities never block each other.
//
// A reservation that is never resolved within its lease is treated as
// abandoned and auto-released by the store.
type QuotaStore interface {
	// CheckAndReserve atomically checks the identity's window and reserves
	// amount. Returns ErrQuotaExhausted (with a retry-after hint) when the
	// limit would be exceeded.
	CheckAndReserve(ctx context.Context, identity models.Identity, amount, limit uint64, window time.Duration, now time.Time) (*models.Reservation, error)

	// Resolve commits or releases a reservation. Resolving an already
	// lease-expired reservation is a no-op, not an error.
	Resolve(ctx context.Context, reservation *models.Reservation, resolution models.Resolution) error

	// Usage returns the identity's current window, or a zero-usage window if
	// none exists yet. Committed usage only; pending reservations excluded.
	Usage(ctx context.Context, identity models.Identity, limit uint64, window time.Duration, now time.Time) (*models.QuotaWindow, error)

	// Close releases store resources.
	Close() error
}

// RequestRepository persists the trail of admitted requests.
type RequestRepository interface {
	// Insert records a newly admitted request.
	Insert(ctx context.Context, record *models.FundingRecord) error

	// MarkCompleted stamps the terminal state onto the request's row.
	// txnHashes is the comma-joined hash list of the request's attempts.
	MarkCompleted(ctx context.Context, requestID string, txnHashes string, succeeded bool) error

	// CountCompletedByIP counts successful or in-flight requests from an IP
	// since the cutoff.
	CountCompletedByIP(ctx context.Context, ip string, since time.Time) (int64, error)

	// DeleteOlderThan reaps rows inserted before the cutoff, returning how
	// many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
