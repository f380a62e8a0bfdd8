package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/turtacn/tap/internal/domain/models"
	"github.com/turtacn/tap/internal/domain/repository"
	"github.com/turtacn/tap/pkg/errors"
	"github.com/turtacn/tap/pkg/logger"
)

const quotaSchema = `
CREATE TABLE IF NOT EXISTS quota_windows (
    identity     TEXT PRIMARY KEY,
    window_start TIMESTAMPTZ NOT NULL,
    used         BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS quota_reservations (
    token      UUID PRIMARY KEY,
    identity   TEXT NOT NULL,
    amount     BIGINT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quota_reservations_identity
    ON quota_reservations (identity);
`

// QuotaStore implements repository.QuotaStore on PostgreSQL. Each admission
// runs in a transaction that locks the identity's window row, so concurrent
// requests for one identity serialize while different identities proceed in
// parallel.
type QuotaStore struct {
	conn   *DBConnection
	lease  time.Duration
	logger logger.Logger
}

var _ repository.QuotaStore = (*QuotaStore)(nil)

// NewQuotaStore creates a PostgreSQL quota store and ensures its schema
// exists.
func NewQuotaStore(ctx context.Context, conn *DBConnection, lease time.Duration, log logger.Logger) (*QuotaStore, error) {
	if _, err := conn.Pool.Exec(ctx, quotaSchema); err != nil {
		return nil, errors.ErrStorageError("failed to ensure quota schema").WithCause(err)
	}
	return &QuotaStore{
		conn:   conn,
		lease:  lease,
		logger: log.WithComponent("postgres_quota_store"),
	}, nil
}

// CheckAndReserve admits the request against the identity's fixed window and
// inserts a leased reservation, all inside one transaction.
func (s *QuotaStore) CheckAndReserve(
	ctx context.Context,
	identity models.Identity,
	amount, limit uint64,
	window time.Duration,
	now time.Time,
) (*models.Reservation, error) {
	tx, err := s.conn.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.ErrStorageError("failed to begin quota transaction").WithCause(err)
	}
	defer tx.Rollback(ctx)

	// Upserting takes the row lock for this identity.
	var windowStart time.Time
	var used int64
	err = tx.QueryRow(ctx, `
		INSERT INTO quota_windows (identity, window_start, used)
		VALUES ($1, $2, 0)
		ON CONFLICT (identity) DO UPDATE SET identity = quota_windows.identity
		RETURNING window_start, used`,
		string(identity), now,
	).Scan(&windowStart, &used)
	if err != nil {
		return nil, errors.ErrStorageError("failed to lock quota window").WithCause(err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM quota_reservations WHERE identity = $1 AND expires_at <= $2`,
		string(identity), now,
	); err != nil {
		return nil, errors.ErrStorageError("failed to purge expired reservations").WithCause(err)
	}

	if now.Sub(windowStart) >= window {
		windowStart = now
		used = 0
		if _, err := tx.Exec(ctx, `
			UPDATE quota_windows SET window_start = $2, used = 0 WHERE identity = $1`,
			string(identity), now,
		); err != nil {
			return nil, errors.ErrStorageError("failed to roll quota window").WithCause(err)
		}
	}

	var pending int64
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM quota_reservations WHERE identity = $1`,
		string(identity),
	).Scan(&pending); err != nil {
		return nil, errors.ErrStorageError("failed to sum pending reservations").WithCause(err)
	}

	if uint64(used)+uint64(pending)+amount > limit {
		retryAfter := windowStart.Add(window).Sub(now)
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
	if _, err := tx.Exec(ctx, `
		INSERT INTO quota_reservations (token, identity, amount, expires_at)
		VALUES ($1, $2, $3, $4)`,
		string(resv.Token), string(identity), int64(amount), resv.ExpiresAt,
	); err != nil {
		return nil, errors.ErrStorageError("failed to insert reservation").WithCause(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.ErrStorageError("failed to commit quota transaction").WithCause(err)
	}
	return resv, nil
}

// Resolve commits or releases a reservation. An already-expired lease was
// auto-released and resolving it changes nothing.
func (s *QuotaStore) Resolve(ctx context.Context, reservation *models.Reservation, resolution models.Resolution) error {
	if reservation == nil {
		return nil
	}

	tx, err := s.conn.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.ErrStorageError("failed to begin resolve transaction").WithCause(err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	var amount int64
	err = tx.QueryRow(ctx, `
		DELETE FROM quota_reservations WHERE token = $1 AND expires_at > $2
		RETURNING amount`,
		string(reservation.Token), now,
	).Scan(&amount)
	if err == pgx.ErrNoRows {
		s.logger.Warn(ctx, "reservation lease expired before resolution",
			logger.String("identity", string(reservation.Identity)),
			logger.String("token", string(reservation.Token)),
		)
		return nil
	}
	if err != nil {
		return errors.ErrStorageError("failed to delete reservation").WithCause(err)
	}

	if resolution == models.ResolutionCommit {
		var windowStart time.Time
		if err := tx.QueryRow(ctx, `
			SELECT window_start FROM quota_windows WHERE identity = $1 FOR UPDATE`,
			string(reservation.Identity),
		).Scan(&windowStart); err != nil {
			return errors.ErrStorageError("failed to lock quota window").WithCause(err)
		}

		// The window may have rolled over while the funder was working.
		if now.Sub(windowStart) >= reservation.Window {
			_, err = tx.Exec(ctx, `
				UPDATE quota_windows SET window_start = $2, used = $3 WHERE identity = $1`,
				string(reservation.Identity), now, amount,
			)
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE quota_windows SET used = used + $2 WHERE identity = $1`,
				string(reservation.Identity), amount,
			)
		}
		if err != nil {
			return errors.ErrStorageError("failed to commit reservation").WithCause(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.ErrStorageError("failed to commit resolve transaction").WithCause(err)
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
	var windowStart time.Time
	var used int64
	err := s.conn.Pool.QueryRow(ctx, `
		SELECT window_start, used FROM quota_windows WHERE identity = $1`,
		string(identity),
	).Scan(&windowStart, &used)
	if err == pgx.ErrNoRows || (err == nil && now.Sub(windowStart) >= window) {
		return &models.QuotaWindow{Identity: identity, WindowStart: now, Used: 0, Limit: limit}, nil
	}
	if err != nil {
		return nil, errors.ErrStorageError("failed to read quota window").WithCause(err)
	}
	return &models.QuotaWindow{
		Identity:    identity,
		WindowStart: windowStart,
		Used:        uint64(used),
		Limit:       limit,
	}, nil
}

// Close releases nothing; the pool is owned by DBConnection.
func (s *QuotaStore) Close() error { return nil }
