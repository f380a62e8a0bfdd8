package redis_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/tap/internal/config"
	"github.com/turtacn/tap/internal/domain/models"
	tapredis "github.com/turtacn/tap/internal/infrastructure/persistence/redis"
	"github.com/turtacn/tap/pkg/errors"
	"github.com/turtacn/tap/pkg/logger"
)

func newTestStore(t *testing.T, lease time.Duration) *tapredis.QuotaStore {
	t.Helper()

	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	conn := &tapredis.RedisConnection{Client: client}
	return tapredis.NewQuotaStore(conn, "tap:quota", lease, logger.NewNoopLogger())
}

func TestQuotaStore_FixedWindowScenario(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()
	identity := models.IdentityFromIP("198.51.100.7")
	window := 60 * time.Second
	now := time.Now()

	// Three requests of amount 1 against limit 3 all succeed.
	for i := 0; i < 3; i++ {
		resv, err := store.CheckAndReserve(ctx, identity, 1, 3, window, now)
		require.NoError(t, err)
		require.NoError(t, store.Resolve(ctx, resv, models.ResolutionCommit))
	}

	// The fourth within the window is rejected with a retry hint.
	_, err := store.CheckAndReserve(ctx, identity, 1, 3, window, now.Add(10*time.Second))
	require.Error(t, err)
	assert.True(t, errors.IsQuotaExhausted(err))
	appErr, ok := errors.AsAppError(err)
	require.True(t, ok)
	assert.Greater(t, appErr.RetryAfter(), time.Duration(0))

	// After the window rolls over a request succeeds again.
	resv, err := store.CheckAndReserve(ctx, identity, 1, 3, window, now.Add(61*time.Second))
	require.NoError(t, err)
	require.NoError(t, store.Resolve(ctx, resv, models.ResolutionCommit))
}

func TestQuotaStore_ReleaseReturnsQuota(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()
	identity := models.IdentityFromAddress("0xabc")
	now := time.Now()

	resv, err := store.CheckAndReserve(ctx, identity, 5, 5, time.Hour, now)
	require.NoError(t, err)

	// Fully reserved; another request must be rejected.
	_, err = store.CheckAndReserve(ctx, identity, 1, 5, time.Hour, now)
	assert.True(t, errors.IsQuotaExhausted(err))

	require.NoError(t, store.Resolve(ctx, resv, models.ResolutionRelease))

	// Quota restored.
	_, err = store.CheckAndReserve(ctx, identity, 5, 5, time.Hour, now)
	assert.NoError(t, err)
}

func TestQuotaStore_CommitIsPermanent(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()
	identity := models.IdentityFromAddress("0xdef")
	now := time.Now()

	resv, err := store.CheckAndReserve(ctx, identity, 3, 5, time.Hour, now)
	require.NoError(t, err)
	require.NoError(t, store.Resolve(ctx, resv, models.ResolutionCommit))

	usage, err := store.Usage(ctx, identity, 5, time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), usage.Used)
	assert.Equal(t, uint64(2), usage.Remaining())

	// Exceeding the remainder is rejected.
	_, err = store.CheckAndReserve(ctx, identity, 3, 5, time.Hour, now)
	assert.True(t, errors.IsQuotaExhausted(err))
}

func TestQuotaStore_AbandonedReservationAutoReleases(t *testing.T) {
	lease := 2 * time.Second
	store := newTestStore(t, lease)
	ctx := context.Background()
	identity := models.IdentityFromIP("203.0.113.9")
	now := time.Now()

	// Reserve the whole allowance and never resolve it.
	_, err := store.CheckAndReserve(ctx, identity, 5, 5, time.Hour, now)
	require.NoError(t, err)

	_, err = store.CheckAndReserve(ctx, identity, 1, 5, time.Hour, now)
	assert.True(t, errors.IsQuotaExhausted(err))

	// Once the lease passes the reservation no longer counts.
	_, err = store.CheckAndReserve(ctx, identity, 5, 5, time.Hour, now.Add(lease+time.Second))
	assert.NoError(t, err)
}

func TestQuotaStore_ResolveAfterLeaseExpiryIsNoop(t *testing.T) {
	lease := time.Second
	store := newTestStore(t, lease)
	ctx := context.Background()
	identity := models.IdentityFromIP("203.0.113.10")
	now := time.Now().Add(-time.Minute)

	resv, err := store.CheckAndReserve(ctx, identity, 2, 5, time.Hour, now)
	require.NoError(t, err)

	// The lease expired long ago (reservation scored in the past); committing
	// must not double-count.
	require.NoError(t, store.Resolve(ctx, resv, models.ResolutionCommit))

	usage, err := store.Usage(ctx, identity, 5, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), usage.Used)
}

func TestQuotaStore_ConcurrentRequestsNeverOvershoot(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()
	identity := models.IdentityFromIP("192.0.2.50")
	now := time.Now()

	const workers = 25
	const limit = 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resv, err := store.CheckAndReserve(ctx, identity, 1, limit, time.Hour, now)
			if err != nil {
				return
			}
			_ = store.Resolve(ctx, resv, models.ResolutionCommit)
			mu.Lock()
			admitted++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, admitted)

	usage, err := store.Usage(ctx, identity, limit, time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, uint64(limit), usage.Used)
}

func TestQuotaStore_ConcurrentLargeAmounts(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()
	identity := models.IdentityFromAddress("0xb")
	now := time.Now()

	// Two concurrent requests of 3 against limit 5: exactly one is admitted.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resv, err := store.CheckAndReserve(ctx, identity, 3, 5, time.Hour, now)
			results[i] = err
			if err == nil {
				_ = store.Resolve(ctx, resv, models.ResolutionCommit)
			}
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, err := range results {
		if err == nil {
			admitted++
		} else {
			assert.True(t, errors.IsQuotaExhausted(err))
		}
	}
	assert.Equal(t, 1, admitted)
}

func TestNewRedisConnection_RequiresAddresses(t *testing.T) {
	_, err := tapredis.NewRedisConnection(&config.RedisConfig{}, logger.NewNoopLogger())
	assert.Error(t, err)
}
