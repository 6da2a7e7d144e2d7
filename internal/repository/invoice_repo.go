package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"billing-reconciliation-backend/internal/models"
)

type InvoiceRepository struct {
	db *gorm.DB
}

func NewInvoiceRepository(db *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// WithTx binds the repository to an open transaction.
func (r *InvoiceRepository) WithTx(tx *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{db: tx}
}

func (r *InvoiceRepository) Create(ctx context.Context, inv *models.Invoice) error {
	return r.db.WithContext(ctx).Create(inv).Error
}

func (r *InvoiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	var inv models.Invoice
	if err := r.db.WithContext(ctx).First(&inv, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &inv, nil
}

// LockByID reads the invoice with FOR UPDATE; only meaningful inside WithTx.
func (r *InvoiceRepository) LockByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	var inv models.Invoice
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&inv, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// List returns a tenant's invoices, restricted to statuses when given.
func (r *InvoiceRepository) List(ctx context.Context, tenantID uuid.UUID, statuses ...models.InvoiceStatus) ([]models.Invoice, error) {
	var invoices []models.Invoice
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	err := q.Order("due_date ASC, invoice_number ASC").Find(&invoices).Error
	return invoices, err
}

// ListOpen returns invoices a payment may still be applied to.
func (r *InvoiceRepository) ListOpen(ctx context.Context, tenantID uuid.UUID) ([]models.Invoice, error) {
	return r.List(ctx, tenantID, models.OpenInvoiceStatuses...)
}

// FindOpenByRemaining returns open invoices whose unpaid balance is within
// tolerance minor units of amount.
func (r *InvoiceRepository) FindOpenByRemaining(ctx context.Context, tenantID uuid.UUID, amount, tolerance int64) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Where("status IN ?", models.OpenInvoiceStatuses).
		Where("ABS((total - paid_amount) - ?) <= ?", amount, tolerance).
		Order("due_date ASC").
		Find(&invoices).Error
	return invoices, err
}

// SavePaymentState writes the ledger-owned columns only.
func (r *InvoiceRepository) SavePaymentState(ctx context.Context, inv *models.Invoice) error {
	return r.db.WithContext(ctx).
		Model(&models.Invoice{}).
		Where("id = ?", inv.ID).
		Updates(map[string]any{
			"paid_amount": inv.PaidAmount,
			"status":      inv.Status,
			"paid_at":     inv.PaidAt,
			"updated_at":  inv.UpdatedAt,
		}).Error
}
