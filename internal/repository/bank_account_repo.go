package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"billing-reconciliation-backend/internal/models"
)

type BankAccountRepository struct {
	db *gorm.DB
}

func NewBankAccountRepository(db *gorm.DB) *BankAccountRepository {
	return &BankAccountRepository{db: db}
}

func (r *BankAccountRepository) Create(ctx context.Context, acct *models.BankAccount) error {
	return r.db.WithContext(ctx).Create(acct).Error
}

func (r *BankAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BankAccount, error) {
	var acct models.BankAccount
	if err := r.db.WithContext(ctx).First(&acct, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &acct, nil
}

// ListAutoSync returns the tenant's active accounts with autosync enabled.
func (r *BankAccountRepository) ListAutoSync(ctx context.Context, tenantID uuid.UUID) ([]models.BankAccount, error) {
	var accounts []models.BankAccount
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ? AND auto_sync = ?", tenantID, true, true).
		Order("created_at ASC").
		Find(&accounts).Error
	return accounts, err
}

func (r *BankAccountRepository) TouchLastSync(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.BankAccount{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_sync_at": at, "updated_at": at}).Error
}

func (r *BankAccountRepository) UpdateBalance(ctx context.Context, id uuid.UUID, amount int64, currency string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.BankAccount{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"balance":            amount,
			"balance_currency":   currency,
			"balance_updated_at": at,
			"updated_at":         at,
		}).Error
}
