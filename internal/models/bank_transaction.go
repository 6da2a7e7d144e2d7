package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	TransactionDebit  TransactionType = "DEBIT"
	TransactionCredit TransactionType = "CREDIT"
)

type MatchMethod string

const (
	MatchManual        MatchMethod = "MANUAL"
	MatchAutoReference MatchMethod = "AUTO_REFERENCE"
	MatchAutoAI        MatchMethod = "AUTO_AI"
)

// BankTransaction is immutable after import except for the match fields,
// which only the ledger writes.
type BankTransaction struct {
	ID                    uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID              uuid.UUID       `gorm:"type:uuid;index" json:"tenant_id"`
	BankAccountID         uuid.UUID       `gorm:"type:uuid;uniqueIndex:idx_bank_tx_provider_id,priority:1" json:"bank_account_id"`
	ProviderTransactionID string          `gorm:"uniqueIndex:idx_bank_tx_provider_id,priority:2" json:"provider_transaction_id"`
	TransactionDate       time.Time       `gorm:"column:transaction_date;index" json:"transaction_date"`
	Amount                int64           `gorm:"index" json:"amount"`
	Type                  TransactionType `gorm:"index" json:"type"`
	Currency              string          `gorm:"size:3" json:"currency"`
	CounterpartyName      string          `json:"counterparty_name"`
	CounterpartyAccount   string          `json:"counterparty_account"`
	Description           string          `json:"description"`
	VariableSymbol        string          `json:"variable_symbol,omitempty"`
	SpecificSymbol        string          `json:"specific_symbol,omitempty"`
	ConstantSymbol        string          `json:"constant_symbol,omitempty"`
	ReferenceNumber       string          `json:"reference_number,omitempty"`
	RawData               datatypes.JSON  `json:"raw_data,omitempty"`

	IsMatched        bool           `gorm:"index" json:"is_matched"`
	MatchedInvoiceID *uuid.UUID     `gorm:"type:uuid;index" json:"matched_invoice_id,omitempty"`
	MatchConfidence  *float64       `json:"match_confidence,omitempty"`
	MatchMethod      *MatchMethod   `json:"match_method,omitempty"`
	MatchedAt        *time.Time     `json:"matched_at,omitempty"`
	MatchDetails     datatypes.JSON `json:"match_details,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PaymentReference returns the reference a payer attached to the transfer:
// the variable symbol when present, otherwise the free-form reference.
func (t *BankTransaction) PaymentReference() string {
	if t.VariableSymbol != "" {
		return t.VariableSymbol
	}
	return t.ReferenceNumber
}

func (t *BankTransaction) IsCredit() bool {
	return t.Type == TransactionCredit
}
