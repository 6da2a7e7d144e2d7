// Package banking defines the provider-agnostic transaction shape and the
// contract every bank provider adapter implements.
package banking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"billing-reconciliation-backend/internal/models"
	"billing-reconciliation-backend/internal/retry"
)

// CanonicalTransaction is what every adapter produces. Tenant and bank
// account ids are deliberately absent; the sync service injects them.
type CanonicalTransaction struct {
	ProviderTransactionID string
	Date                  time.Time
	Amount                int64 // absolute, minor units
	Type                  models.TransactionType
	Currency              string
	CounterpartyName      string
	CounterpartyAccount   string
	Description           string
	VariableSymbol        string
	SpecificSymbol        string
	ConstantSymbol        string
	ReferenceNumber       string
	Raw                   json.RawMessage
}

type Balance struct {
	Amount   int64 // minor units, may be negative
	Currency string
}

// Adapter fetches from one bank connection. FetchTransactions returns the
// whole window or an error, never a partial list.
type Adapter interface {
	FetchTransactions(ctx context.Context, from, to time.Time) ([]CanonicalTransaction, error)
	GetBalance(ctx context.Context) (Balance, error)
}

// Config is the decrypted credential set of a bank account.
type Config map[string]string

// Deps are shared by every adapter the factory builds.
type Deps struct {
	HTTPClient *http.Client
	Retry      retry.Policy
	Logger     *slog.Logger
}

func (d Deps) WithDefaults() Deps {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry = retry.DefaultPolicy()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// FetchError wraps every transport or parse failure an adapter reports.
type FetchError struct {
	Provider string
	Op       string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError returns nil for a nil err.
func NewFetchError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &FetchError{Provider: provider, Op: op, Err: err}
}
