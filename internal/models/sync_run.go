package models

import (
	"time"

	"github.com/google/uuid"
)

type SyncRun struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID             uuid.UUID `gorm:"type:uuid;index" json:"tenant_id"`
	BankAccountID        uuid.UUID `gorm:"type:uuid;index" json:"bank_account_id"`
	Provider             string    `json:"provider"`
	Status               string    `gorm:"index" json:"status"`
	DateFrom             time.Time `json:"date_from"`
	DateTo               time.Time `json:"date_to"`
	TransactionsFetched  int       `json:"transactions_fetched"`
	TransactionsImported int       `json:"transactions_imported"`
	TransactionsSkipped  int       `json:"transactions_skipped"`
	TransactionsMatched  int       `json:"transactions_matched"`
	Error                string    `json:"error,omitempty"`
	StartedAt            time.Time `json:"started_at"`
	CompletedAt          time.Time `json:"completed_at"`
	CreatedAt            time.Time `json:"created_at"`
}

const (
	SyncRunSucceeded = "succeeded"
	SyncRunFailed    = "failed"
)

// All lists every persisted model, in dependency order.
func All() []any {
	return []any{
		&BankAccount{},
		&Invoice{},
		&BankTransaction{},
		&Payment{},
		&MatchAuditLog{},
		&SyncRun{},
	}
}
