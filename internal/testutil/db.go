// Package testutil provides an in-memory database and fixtures for tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"billing-reconciliation-backend/internal/models"
)

// NewDB opens a private in-memory SQLite database with the full schema.
// A single connection keeps concurrent callers serialized the way row
// locks would on Postgres.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func CreateAccount(t testing.TB, db *gorm.DB, tenantID uuid.UUID, provider string, creds []byte) *models.BankAccount {
	t.Helper()
	acct := &models.BankAccount{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Provider:    provider,
		Name:        provider + " main",
		Currency:    "CZK",
		Credentials: creds,
		AutoSync:    true,
		IsActive:    true,
	}
	require.NoError(t, db.Create(acct).Error)
	return acct
}

// CreateInvoice inserts a SENT invoice due in a week.
func CreateInvoice(t testing.TB, db *gorm.DB, tenantID uuid.UUID, number string, total int64, opts ...func(*models.Invoice)) *models.Invoice {
	t.Helper()
	inv := &models.Invoice{
		ID:            uuid.New(),
		TenantID:      tenantID,
		InvoiceNumber: number,
		BillingName:   "Acme s.r.o.",
		Currency:      "CZK",
		Total:         total,
		Status:        models.InvoiceSent,
		DueDate:       time.Now().AddDate(0, 0, 7).Truncate(time.Second),
	}
	for _, o := range opts {
		o(inv)
	}
	require.NoError(t, db.Create(inv).Error)
	return inv
}

// CreateTransaction inserts an unmatched CREDIT transaction.
func CreateTransaction(t testing.TB, db *gorm.DB, acct *models.BankAccount, amount int64, opts ...func(*models.BankTransaction)) *models.BankTransaction {
	t.Helper()
	tx := &models.BankTransaction{
		ID:                    uuid.New(),
		TenantID:              acct.TenantID,
		BankAccountID:         acct.ID,
		ProviderTransactionID: uuid.NewString(),
		TransactionDate:       time.Now().Truncate(time.Second),
		Amount:                amount,
		Type:                  models.TransactionCredit,
		Currency:              "CZK",
		CounterpartyName:      "ACME SRO",
	}
	for _, o := range opts {
		o(tx)
	}
	require.NoError(t, db.Create(tx).Error)
	return tx
}
