package models

import (
	"time"

	"github.com/google/uuid"
)

type BankAccount struct {
	ID                   uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID             uuid.UUID  `gorm:"type:uuid;index" json:"tenant_id"`
	Provider             string     `gorm:"index" json:"provider"`
	Name                 string     `json:"name"`
	Currency             string     `gorm:"size:3" json:"currency"`
	Credentials          []byte     `json:"-"` // sealed, see internal/secrets
	AutoSync             bool       `gorm:"index" json:"auto_sync"`
	SyncFrequencyMinutes int        `json:"sync_frequency_minutes"`
	IsActive             bool       `gorm:"index" json:"is_active"`
	LastSyncAt           *time.Time `json:"last_sync_at,omitempty"`
	Balance              int64      `json:"balance"`
	BalanceCurrency      string     `gorm:"size:3" json:"balance_currency"`
	BalanceUpdatedAt     *time.Time `json:"balance_updated_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}
