package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	AuditActionMatch   = "match"
	AuditActionUnmatch = "unmatch"
)

type MatchAuditLog struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID        uuid.UUID  `gorm:"type:uuid;index" json:"tenant_id"`
	TransactionID   uuid.UUID  `gorm:"type:uuid;index" json:"transaction_id"`
	Action          string     `json:"action"`
	PreviousInvoice *uuid.UUID `gorm:"type:uuid" json:"previous_invoice,omitempty"`
	NewInvoice      *uuid.UUID `gorm:"type:uuid" json:"new_invoice,omitempty"`
	Method          string     `json:"method,omitempty"`
	Amount          int64      `json:"amount"`
	PerformedBy     string     `json:"performed_by"`
	Reason          string     `json:"reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
