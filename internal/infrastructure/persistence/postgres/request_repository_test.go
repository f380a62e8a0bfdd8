package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/turtacn/tap/internal/domain/models"
)

func newTestRepo(t *testing.T) *GormRequestRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	repo, err := NewGormRequestRepository(db)
	require.NoError(t, err)
	return repo
}

func TestRequestRepository_InsertAndComplete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	record := &models.FundingRecord{
		RequestID:        "req-1",
		IP:               "198.51.100.1",
		Address:          "0xabc",
		Amount:           1000,
		InsertedUnixSecs: time.Now().Unix(),
	}
	require.NoError(t, repo.Insert(ctx, record))

	require.NoError(t, repo.MarkCompleted(ctx, "req-1", "0xhash1", true))

	count, err := repo.CountCompletedByIP(ctx, "198.51.100.1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Other IPs are unaffected.
	count, err = repo.CountCompletedByIP(ctx, "198.51.100.2", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestRequestRepository_FailedRequestsNotCounted(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	record := &models.FundingRecord{
		RequestID:        "req-2",
		IP:               "198.51.100.3",
		Address:          "0xdef",
		Amount:           500,
		InsertedUnixSecs: time.Now().Unix(),
	}
	require.NoError(t, repo.Insert(ctx, record))
	require.NoError(t, repo.MarkCompleted(ctx, "req-2", "", false))

	count, err := repo.CountCompletedByIP(ctx, "198.51.100.3", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestRequestRepository_DeleteOlderThan(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	old := &models.FundingRecord{
		RequestID:        "req-old",
		IP:               "198.51.100.4",
		Address:          "0x1",
		Amount:           100,
		InsertedUnixSecs: time.Now().Add(-48 * time.Hour).Unix(),
	}
	fresh := &models.FundingRecord{
		RequestID:        "req-fresh",
		IP:               "198.51.100.4",
		Address:          "0x2",
		Amount:           100,
		InsertedUnixSecs: time.Now().Unix(),
	}
	require.NoError(t, repo.Insert(ctx, old))
	require.NoError(t, repo.Insert(ctx, fresh))

	deleted, err := repo.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var remaining int64
	require.NoError(t, repo.db.Model(&models.FundingRecord{}).Count(&remaining).Error)
	assert.Equal(t, int64(1), remaining)
}
