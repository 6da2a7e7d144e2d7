package models

import (
	"time"

	"github.com/google/uuid"
)

type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "DRAFT"
	InvoiceSent      InvoiceStatus = "SENT"
	InvoiceOverdue   InvoiceStatus = "OVERDUE"
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceCancelled InvoiceStatus = "CANCELLED"
)

// OpenInvoiceStatuses are the statuses an incoming payment may be matched against.
var OpenInvoiceStatuses = []InvoiceStatus{InvoiceSent, InvoiceOverdue}

// Invoice is owned by the invoicing subsystem. The ledger only ever writes
// PaidAmount, Status and PaidAt. Amounts are in minor units.
type Invoice struct {
	ID            uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID      uuid.UUID     `gorm:"type:uuid;index;uniqueIndex:idx_invoice_tenant_number,priority:1" json:"tenant_id"`
	InvoiceNumber string        `gorm:"uniqueIndex:idx_invoice_tenant_number,priority:2" json:"invoice_number"`
	BillingName   string        `gorm:"index" json:"billing_name"`
	BillingEmail  string        `json:"billing_email"`
	Currency      string        `gorm:"size:3" json:"currency"`
	Total         int64         `json:"total"`
	PaidAmount    int64         `json:"paid_amount"`
	Status        InvoiceStatus `gorm:"index" json:"status"`
	DueDate       time.Time     `json:"due_date"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Remaining is the still unpaid part of the invoice; negative when overpaid.
func (i *Invoice) Remaining() int64 {
	return i.Total - i.PaidAmount
}

func (i *Invoice) IsOpen() bool {
	for _, s := range OpenInvoiceStatuses {
		if i.Status == s {
			return true
		}
	}
	return false
}
