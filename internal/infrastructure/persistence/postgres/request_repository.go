package postgres

import (
	"context"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/turtacn/tap/internal/config"
	"github.com/turtacn/tap/internal/domain/models"
	"github.com/turtacn/tap/internal/domain/repository"
	"github.com/turtacn/tap/pkg/errors"
)

// GormRequestRepository persists funding request history with GORM.
type GormRequestRepository struct {
	db *gorm.DB
}

var _ repository.RequestRepository = (*GormRequestRepository)(nil)

// NewGormDB opens a GORM connection for the history store.
func NewGormDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.ErrUnavailable("failed to open history database").WithCause(err)
	}
	return db, nil
}

// NewGormRequestRepository creates the repository and migrates its schema.
func NewGormRequestRepository(db *gorm.DB) (*GormRequestRepository, error) {
	if err := db.AutoMigrate(&models.FundingRecord{}); err != nil {
		return nil, errors.ErrStorageError("failed to migrate funding_records").WithCause(err)
	}
	return &GormRequestRepository{db: db}, nil
}

// Insert stores a new pending record for an admitted request.
func (r *GormRequestRepository) Insert(ctx context.Context, record *models.FundingRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return errors.ErrStorageError("failed to insert funding record").WithCause(err)
	}
	return nil
}

// MarkCompleted records the terminal outcome of a request.
func (r *GormRequestRepository) MarkCompleted(ctx context.Context, requestID string, txnHashes string, succeeded bool) error {
	result := r.db.WithContext(ctx).Model(&models.FundingRecord{}).
		Where("request_id = ?", requestID).
		Updates(map[string]interface{}{
			"completed_unix_secs": time.Now().Unix(),
			"succeeded":           succeeded,
			"txn_hashes":          txnHashes,
		})
	if result.Error != nil {
		return errors.ErrStorageError("failed to mark funding record completed").WithCause(result.Error)
	}
	return nil
}

// CountCompletedByIP counts successful requests from an IP since the given
// time.
func (r *GormRequestRepository) CountCompletedByIP(ctx context.Context, ip string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.FundingRecord{}).
		Where("ip = ? AND succeeded = ? AND inserted_unix_secs >= ?", ip, true, since.Unix()).
		Count(&count).Error
	if err != nil {
		return 0, errors.ErrStorageError("failed to count funding records").WithCause(err)
	}
	return count, nil
}

// DeleteOlderThan removes records inserted before the cutoff and reports how
// many were removed.
func (r *GormRequestRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("inserted_unix_secs < ?", cutoff.Unix()).
		Delete(&models.FundingRecord{})
	if result.Error != nil {
		return 0, errors.ErrStorageError("failed to delete stale funding records").WithCause(result.Error)
	}
	return result.RowsAffected, nil
}
