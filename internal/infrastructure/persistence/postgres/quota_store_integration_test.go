//go:build integration

package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/turtacn/tap/internal/domain/models"
	pginfra "github.com/turtacn/tap/internal/infrastructure/persistence/postgres"
	"github.com/turtacn/tap/pkg/errors"
	"github.com/turtacn/tap/pkg/logger"
)

func startPostgres(t *testing.T) *pginfra.QuotaStore {
	t.Helper()
	if os.Getenv("SKIP_DOCKER_TESTS") == "true" {
		t.Skip("Skipping Docker-dependent tests")
	}

	ctx := context.Background()
	container, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		tcpostgres.WithDatabase("tap"),
		tcpostgres.WithUsername("tap"),
		tcpostgres.WithPassword("tap"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	conn := &pginfra.DBConnection{Pool: pool}
	store, err := pginfra.NewQuotaStore(ctx, conn, time.Minute, logger.NewNoopLogger())
	require.NoError(t, err)
	return store
}

func TestPostgresQuotaStore_Scenario(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()
	identity := models.IdentityFromIP("198.51.100.30")
	window := time.Minute
	now := time.Now()

	for i := 0; i < 3; i++ {
		resv, err := store.CheckAndReserve(ctx, identity, 1, 3, window, now)
		require.NoError(t, err)
		require.NoError(t, store.Resolve(ctx, resv, models.ResolutionCommit))
	}

	_, err := store.CheckAndReserve(ctx, identity, 1, 3, window, now)
	assert.True(t, errors.IsQuotaExhausted(err))

	// The window rolls over.
	resv, err := store.CheckAndReserve(ctx, identity, 1, 3, window, now.Add(window))
	require.NoError(t, err)
	require.NoError(t, store.Resolve(ctx, resv, models.ResolutionRelease))
}

func TestPostgresQuotaStore_ConcurrentAdmission(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()
	identity := models.IdentityFromAddress("0xconcurrent")
	now := time.Now()

	const workers = 20
	const limit = 8

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
			require.NoError(t, store.Resolve(ctx, resv, models.ResolutionCommit))
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
