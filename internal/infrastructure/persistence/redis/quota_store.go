package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/turtacn/tap/internal/domain/models"
	"github.com/turtacn/tap/internal/domain/repository"
	"github.com/turtacn/tap/pkg/errors"
	"github.com/turtacn/tap/pkg/logger"
)

// QuotaStore is the Redis-backed quota store. Each identity owns two keys,
// co-located via a hash tag so cluster mode keeps them on one slot:
//
//   {identity} window hash:  window_start (ms), used (committed amount)
//   {identity} pending zset: member "token:amount", score = lease expiry (ms)
//
// Check-and-reserve runs as a single Lua script, so the rollover, the ceiling
// check against committed+pending usage, and the reservation insert are
// indivisible per identity. Lease expiry is enforced by purging the pending
// zset by score inside every script: an abandoned reservation stops counting
// against the window the moment its lease passes, with no background sweeper
// required.
type QuotaStore struct {
	client    redis.UniversalClient
	keyPrefix string
	lease     time.Duration
	logger    logger.Logger
}

var _ repository.QuotaStore = (*QuotaStore)(nil)

// checkAndReserveScript rolls the window if expired, rejects when committed
// plus pending plus the requested amount would exceed the limit, and otherwise
// records the reservation. Returns {admitted, total_in_use, window_start_ms}.
var checkAndReserveScript = redis.NewScript(`
local winKey = KEYS[1]
local pendKey = KEYS[2]
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local lease = tonumber(ARGV[5])
local member = ARGV[6] .. ':' .. ARGV[1]

redis.call('ZREMRANGEBYSCORE', pendKey, '-inf', now)

local ws = tonumber(redis.call('HGET', winKey, 'window_start'))
local used = tonumber(redis.call('HGET', winKey, 'used'))
if not ws or now - ws >= window then
    ws = now
    used = 0
end

local pending = 0
local members = redis.call('ZRANGE', pendKey, 0, -1)
for _, m in ipairs(members) do
    pending = pending + (tonumber(string.match(m, ':(%d+)$')) or 0)
end

if used + pending + amount > limit then
    return {0, used + pending, ws}
end

redis.call('HSET', winKey, 'window_start', ws, 'used', used)
redis.call('PEXPIRE', winKey, window * 2)
redis.call('ZADD', pendKey, now + lease, member)
redis.call('PEXPIRE', pendKey, lease * 2)
return {1, used + pending + amount, ws}
`)

// resolveScript removes the reservation and, on commit, folds its amount into
// the committed counter. A reservation whose lease already expired was
// auto-released; resolving it is a no-op (returns 0).
var resolveScript = redis.NewScript(`
local winKey = KEYS[1]
local pendKey = KEYS[2]
local member = ARGV[1]
local action = ARGV[2]
local amount = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local window = tonumber(ARGV[5])

if redis.call('ZREM', pendKey, member) == 0 then
    return 0
end

if action == 'commit' then
    local ws = tonumber(redis.call('HGET', winKey, 'window_start'))
    local used = tonumber(redis.call('HGET', winKey, 'used'))
    if not ws or now - ws >= window then
        ws = now
        used = 0
    end
    redis.call('HSET', winKey, 'window_start', ws, 'used', used + amount)
    redis.call('PEXPIRE', winKey, window * 2)
end
return 1
`)

// NewQuotaStore creates the Redis quota store.
func NewQuotaStore(conn *RedisConnection, keyPrefix string, lease time.Duration, log logger.Logger) *QuotaStore {
	if keyPrefix == "" {
		keyPrefix = "tap:quota"
	}
	return &QuotaStore{
		client:    conn.Client,
		keyPrefix: keyPrefix,
		lease:     lease,
		logger:    log.WithComponent("redis_quota_store"),
	}
}

// CheckAndReserve implements repository.QuotaStore.
func (s *QuotaStore) CheckAndReserve(
	ctx context.Context,
	identity models.Identity,
	amount, limit uint64,
	window time.Duration,
	now time.Time,
) (*models.Reservation, error) {
	token := models.ReservationToken(uuid.NewString())

	result, err := checkAndReserveScript.Run(ctx, s.client,
		[]string{s.windowKey(identity), s.pendingKey(identity)},
		amount, limit, window.Milliseconds(), now.UnixMilli(), s.lease.Milliseconds(), string(token),
	).Result()
	if err != nil {
		return nil, errors.ErrStorageError("quota check-and-reserve failed").WithCause(err)
	}

	admitted, inUse, windowStartMs, err := parseScriptReply(result)
	if err != nil {
		return nil, errors.ErrStorageError(err.Error())
	}

	if !admitted {
		windowStart := time.UnixMilli(windowStartMs)
		retryAfter := windowStart.Add(window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		s.logger.Debug(ctx, "quota exhausted",
			logger.String("identity", string(identity)),
			logger.Int64("in_use", inUse),
			logger.Uint64("limit", limit),
		)
		return nil, errors.ErrQuotaExhausted(string(identity), retryAfter)
	}

	return &models.Reservation{
		Token:     token,
		Identity:  identity,
		Amount:    amount,
		CreatedAt: now,
		ExpiresAt: now.Add(s.lease),
		Window:    window,
	}, nil
}

// Resolve implements repository.QuotaStore.
func (s *QuotaStore) Resolve(ctx context.Context, reservation *models.Reservation, resolution models.Resolution) error {
	member := fmt.Sprintf("%s:%d", reservation.Token, reservation.Amount)
	resolved, err := resolveScript.Run(ctx, s.client,
		[]string{s.windowKey(reservation.Identity), s.pendingKey(reservation.Identity)},
		member, string(resolution), reservation.Amount, time.Now().UnixMilli(), maxMs(reservation.Window),
	).Int()
	if err != nil {
		return errors.ErrStorageError("quota resolve failed").WithCause(err)
	}

	if resolved == 0 {
		s.logger.Warn(ctx, "reservation lease expired before resolution",
			logger.String("token", string(reservation.Token)),
			logger.String("identity", string(reservation.Identity)),
			logger.String("resolution", string(resolution)),
		)
	}
	return nil
}

// Usage implements repository.QuotaStore. Committed usage only.
func (s *QuotaStore) Usage(
	ctx context.Context,
	identity models.Identity,
	limit uint64,
	window time.Duration,
	now time.Time,
) (*models.QuotaWindow, error) {
	values, err := s.client.HMGet(ctx, s.windowKey(identity), "window_start", "used").Result()
	if err != nil {
		return nil, errors.ErrStorageError("quota usage lookup failed").WithCause(err)
	}

	w := &models.QuotaWindow{Identity: identity, WindowStart: now, Limit: limit}
	if len(values) == 2 && values[0] != nil && values[1] != nil {
		if wsStr, ok := values[0].(string); ok {
			if ms, err := strconv.ParseInt(wsStr, 10, 64); err == nil {
				w.WindowStart = time.UnixMilli(ms)
			}
		}
		if usedStr, ok := values[1].(string); ok {
			if used, err := strconv.ParseUint(usedStr, 10, 64); err == nil {
				w.Used = used
			}
		}
	}
	if w.Expired(now, window) {
		w.WindowStart = now
		w.Used = 0
	}
	return w, nil
}

// Close implements repository.QuotaStore. The connection is owned by the
// caller; nothing to release here.
func (s *QuotaStore) Close() error { return nil }

func (s *QuotaStore) windowKey(identity models.Identity) string {
	return fmt.Sprintf("%s:{%s}:win", s.keyPrefix, identity)
}

func (s *QuotaStore) pendingKey(identity models.Identity) string {
	return fmt.Sprintf("%s:{%s}:pend", s.keyPrefix, identity)
}

func parseScriptReply(result interface{}) (admitted bool, inUse int64, windowStartMs int64, err error) {
	reply, ok := result.([]interface{})
	if !ok || len(reply) < 3 {
		return false, 0, 0, fmt.Errorf("unexpected quota script reply: %v", result)
	}
	flag, _ := reply[0].(int64)
	inUse, _ = reply[1].(int64)
	windowStartMs, _ = reply[2].(int64)
	return flag == 1, inUse, windowStartMs, nil
}

func maxMs(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}
