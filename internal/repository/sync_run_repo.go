package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"billing-reconciliation-backend/internal/models"
)

type SyncRunRepository struct {
	db *gorm.DB
}

func NewSyncRunRepository(db *gorm.DB) *SyncRunRepository {
	return &SyncRunRepository{db: db}
}

func (r *SyncRunRepository) Create(ctx context.Context, run *models.SyncRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// ListByAccount returns the most recent runs first.
func (r *SyncRunRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.SyncRun, error) {
	var runs []models.SyncRun
	q := r.db.WithContext(ctx).
		Where("bank_account_id = ?", accountID).
		Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&runs).Error
	return runs, err
}
