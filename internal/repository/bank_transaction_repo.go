package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"billing-reconciliation-backend/internal/models"
)

type BankTransactionRepository struct {
	db *gorm.DB
}

func NewBankTransactionRepository(db *gorm.DB) *BankTransactionRepository {
	return &BankTransactionRepository{db: db}
}

func (r *BankTransactionRepository) WithTx(tx *gorm.DB) *BankTransactionRepository {
	return &BankTransactionRepository{db: tx}
}

func (r *BankTransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BankTransaction, error) {
	var tx models.BankTransaction
	if err := r.db.WithContext(ctx).First(&tx, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *BankTransactionRepository) LockByID(ctx context.Context, id uuid.UUID) (*models.BankTransaction, error) {
	var tx models.BankTransaction
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&tx, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// Exists reports whether the provider transaction was already imported
// into the account.
func (r *BankTransactionRepository) Exists(ctx context.Context, accountID uuid.UUID, providerTxID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.BankTransaction{}).
		Where("bank_account_id = ? AND provider_transaction_id = ?", accountID, providerTxID).
		Count(&count).Error
	return count > 0, err
}

// Insert stores tx unless (bank_account_id, provider_transaction_id) is
// already taken. inserted is false for a duplicate.
func (r *BankTransactionRepository) Insert(ctx context.Context, tx *models.BankTransaction) (inserted bool, err error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bank_account_id"}, {Name: "provider_transaction_id"}},
			DoNothing: true,
		}).
		Create(tx)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MatchUpdate carries the match columns the ledger sets.
type MatchUpdate struct {
	InvoiceID  uuid.UUID
	Confidence float64
	Method     models.MatchMethod
	Details    datatypes.JSON
	MatchedAt  time.Time
}

// MarkMatched flips an unmatched transaction to matched. It returns false
// when the transaction was matched in the meantime.
func (r *BankTransactionRepository) MarkMatched(ctx context.Context, id uuid.UUID, m MatchUpdate) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.BankTransaction{}).
		Where("id = ? AND is_matched = ?", id, false).
		Updates(map[string]any{
			"is_matched":         true,
			"matched_invoice_id": m.InvoiceID,
			"match_confidence":   m.Confidence,
			"match_method":       m.Method,
			"match_details":      m.Details,
			"matched_at":         m.MatchedAt,
			"updated_at":         m.MatchedAt,
		})
	return res.RowsAffected == 1, res.Error
}

// ClearMatch resets the match columns of a matched transaction. It
// returns false when the transaction was not matched.
func (r *BankTransactionRepository) ClearMatch(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.BankTransaction{}).
		Where("id = ? AND is_matched = ?", id, true).
		Updates(map[string]any{
			"is_matched":         false,
			"matched_invoice_id": nil,
			"match_confidence":   nil,
			"match_method":       nil,
			"match_details":      nil,
			"matched_at":         nil,
			"updated_at":         at,
		})
	return res.RowsAffected == 1, res.Error
}

// ListUnmatchedCredits returns a tenant's unmatched incoming payments,
// newest first.
func (r *BankTransactionRepository) ListUnmatchedCredits(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.BankTransaction, error) {
	var txs []models.BankTransaction
	q := r.db.WithContext(ctx).
		Where("tenant_id = ? AND is_matched = ? AND type = ?", tenantID, false, models.TransactionCredit).
		Order("transaction_date DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&txs).Error
	return txs, err
}
