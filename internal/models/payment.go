package models

import (
	"time"

	"github.com/google/uuid"
)

// Payment links one bank transaction to one invoice. Invoice.PaidAmount is
// always the sum of its Payment rows.
type Payment struct {
	ID                uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID          uuid.UUID   `gorm:"type:uuid;index" json:"tenant_id"`
	InvoiceID         uuid.UUID   `gorm:"type:uuid;index" json:"invoice_id"`
	BankTransactionID uuid.UUID   `gorm:"type:uuid;uniqueIndex" json:"bank_transaction_id"`
	Amount            int64       `json:"amount"`
	Currency          string      `gorm:"size:3" json:"currency"`
	Method            MatchMethod `json:"method"`
	// PreviousStatus is the invoice status before this payment was applied.
	PreviousStatus InvoiceStatus `gorm:"size:16" json:"previous_status,omitempty"`
	CompletedAt       time.Time   `json:"completed_at"`
	CreatedAt         time.Time   `json:"created_at"`
}
