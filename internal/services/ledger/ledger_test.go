package ledger

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"billing-reconciliation-backend/internal/models"
	"billing-reconciliation-backend/internal/repository"
	"billing-reconciliation-backend/internal/testutil"
)

type fixture struct {
	db     *gorm.DB
	ledger *Ledger
	acct   *models.BankAccount
	tenant uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	tenant := uuid.New()
	return &fixture{
		db:     db,
		ledger: New(db, nil),
		acct:   testutil.CreateAccount(t, db, tenant, "fio", nil),
		tenant: tenant,
	}
}

func (f *fixture) invoice(t *testing.T, id uuid.UUID) *models.Invoice {
	t.Helper()
	inv, err := repository.NewInvoiceRepository(f.db).GetByID(context.Background(), id)
	require.NoError(t, err)
	return inv
}

func (f *fixture) transaction(t *testing.T, id uuid.UUID) *models.BankTransaction {
	t.Helper()
	tx, err := repository.NewBankTransactionRepository(f.db).GetByID(context.Background(), id)
	require.NoError(t, err)
	return tx
}

// assertConsistent checks that the invoice's paid amount and status agree
// with its payment rows, and each transaction with its payment.
func (f *fixture) assertConsistent(t *testing.T, invoiceID uuid.UUID, txIDs ...uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	payments := repository.NewPaymentRepository(f.db)

	inv := f.invoice(t, invoiceID)
	sum, err := payments.SumForInvoice(ctx, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, sum, inv.PaidAmount, "paid amount equals sum of payments")
	assert.Equal(t, inv.PaidAmount >= inv.Total, inv.Status == models.InvoicePaid, "PAID iff fully paid")

	for _, id := range txIDs {
		tx := f.transaction(t, id)
		n, err := payments.CountForTransaction(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, tx.IsMatched, tx.MatchedInvoiceID != nil)
		if tx.IsMatched {
			assert.Equal(t, int64(1), n)
		} else {
			assert.Zero(t, n)
		}
	}
}

// Scenario: manual match pays the invoice, unmatch restores it.
func TestMatchThenUnmatch_RestoresInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := testutil.CreateInvoice(t, f.db, f.tenant, "INV-1", 200)
	tx := testutil.CreateTransaction(t, f.db, f.acct, 200)

	res := f.ledger.MatchTransaction(ctx, MatchRequest{TransactionID: tx.ID, InvoiceID: inv.ID, PerformedBy: "alice"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int64(200), res.Invoice.PaidAmount)
	assert.Equal(t, models.InvoicePaid, res.Invoice.Status)
	assert.NotNil(t, res.Invoice.PaidAt)
	assert.Zero(t, res.Overpaid)

	stored := f.transaction(t, tx.ID)
	assert.True(t, stored.IsMatched)
	require.NotNil(t, stored.MatchConfidence)
	assert.Equal(t, 1.0, *stored.MatchConfidence)
	require.NotNil(t, stored.MatchMethod)
	assert.Equal(t, models.MatchManual, *stored.MatchMethod)
	f.assertConsistent(t, inv.ID, tx.ID)

	res = f.ledger.UnmatchTransaction(ctx, UnmatchRequest{TransactionID: tx.ID, PerformedBy: "alice", Reason: "wrong invoice"})
	require.True(t, res.Success, res.Error)

	after := f.invoice(t, inv.ID)
	assert.Equal(t, int64(0), after.PaidAmount)
	assert.Equal(t, models.InvoiceSent, after.Status)
	assert.Nil(t, after.PaidAt)
	f.assertConsistent(t, inv.ID, tx.ID)

	trail, err := repository.NewAuditRepository(f.db).ListForTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, models.AuditActionMatch, trail[0].Action)
	assert.Equal(t, models.AuditActionUnmatch, trail[1].Action)
	assert.Equal(t, "wrong invoice", trail[1].Reason)
	assert.Equal(t, string(models.MatchManual), trail[1].Method)
}

func TestPartialPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := testutil.CreateInvoice(t, f.db, f.tenant, "INV-2", 1000)
	first := testutil.CreateTransaction(t, f.db, f.acct, 400)
	second := testutil.CreateTransaction(t, f.db, f.acct, 600)

	res := f.ledger.MatchTransaction(ctx, MatchRequest{TransactionID: first.ID, InvoiceID: inv.ID})
	require.True(t, res.Success)
	assert.Equal(t, models.InvoiceSent, res.Invoice.Status, "status unchanged while partially paid")
	assert.Nil(t, res.Invoice.PaidAt)

	res = f.ledger.MatchTransaction(ctx, MatchRequest{TransactionID: second.ID, InvoiceID: inv.ID})
	require.True(t, res.Success)
	assert.Equal(t, models.InvoicePaid, res.Invoice.Status)
	f.assertConsistent(t, inv.ID, first.ID, second.ID)

	res = f.ledger.UnmatchTransaction(ctx, UnmatchRequest{TransactionID: first.ID})
	require.True(t, res.Success)
	assert.Equal(t, int64(600), res.Invoice.PaidAmount)
	assert.Equal(t, models.InvoiceSent, res.Invoice.Status)
	f.assertConsistent(t, inv.ID, first.ID, second.ID)
}

func TestUnmatch_RestoresOverdueStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := testutil.CreateInvoice(t, f.db, f.tenant, "INV-3", 300, func(i *models.Invoice) {
		i.Status = models.InvoiceOverdue
		i.DueDate = time.Now().AddDate(0, 0, -20)
	})
	tx := testutil.CreateTransaction(t, f.db, f.acct, 300)

	require.True(t, f.ledger.MatchTransaction(ctx, MatchRequest{TransactionID: tx.ID, InvoiceID: inv.ID}).Success)
	res := f.ledger.UnmatchTransaction(ctx, UnmatchRequest{TransactionID: tx.ID})
	require.True(t, res.Success)
	assert.Equal(t, models.InvoiceOverdue, f.invoice(t, inv.ID).Status)
}

func TestUnmatch_PastDueSentInvoiceStaysSent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := testutil.CreateInvoice(t, f.db, f.tenant, "INV-3B", 300, func(i *models.Invoice) {
		i.DueDate = time.Now().AddDate(0, 0, -3)
	})
	tx := testutil.CreateTransaction(t, f.db, f.acct, 300)

	res := f.ledger.MatchTransaction(ctx, MatchRequest{TransactionID: tx.ID, InvoiceID: inv.ID})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, models.InvoiceSent, res.Payment.PreviousStatus)

	res = f.ledger.UnmatchTransaction(ctx, UnmatchRequest{TransactionID: tx.ID})
	require.True(t, res.Success, res.Error)
	after := f.invoice(t, inv.ID)
	assert.Equal(t, models.InvoiceSent, after.Status)
	assert.Nil(t, after.PaidAt)
}

func TestUnmatch_OverdueInstalmentsRestoreOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := testutil.CreateInvoice(t, f.db, f.tenant, "INV-3C", 1000, func(i *models.Invoice) {
		i.Status = models.InvoiceOverdue
		i.DueDate = time.Now().AddDate(0, 0, -20)
	})
	first := testutil.CreateTransaction(t, f.db, f.acct, 400)
	second := testutil.CreateTransaction(t, f.db, f.acct, 600)

	require.True(t, f.ledger.MatchTransaction(ctx, MatchRequest{TransactionID: first.ID, InvoiceID: inv.ID}).Success)
	require.True(t, f.ledger.MatchTransaction(ctx, MatchRequest{TransactionID: second.ID, InvoiceID: inv.ID}).Success)
	require.Equal(t, models.InvoicePaid, f.invoice(t, inv.ID).Status)

	require.True(t, f.ledger.UnmatchTransaction(ctx, UnmatchRequest{TransactionID: second.ID}).Success)
	assert.Equal(t, models.InvoiceOverdue, f.invoice(t, inv.ID).Status)
	f.assertConsistent(t, inv.ID, first.ID, second.ID)
}

func TestMatch_WarnsWhenInvoiceNotOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var logs bytes.Buffer
	l := New(f.db, slog.New(slog.NewTextHandler(&logs, nil)))

	inv := testutil.CreateInvoice(t, f.db, f.tenant, "INV-3D", 500, func(i *models.Invoice) {
		i.Status = models.InvoiceDraft
	})
	tx := testutil.CreateTransaction(t, f.db, f.acct, 200)

	res := l.MatchTransaction(ctx, MatchRequest{TransactionID: tx.ID, InvoiceID: inv.ID})
	require.True(t, res.Success, res.Error)
	assert.Contains(t, logs.String(), "matched payment to an invoice that was not open")
	assert.Contains(t, logs.String(), "previous_status=DRAFT")

	require.True(t, l.UnmatchTransaction(ctx, UnmatchRequest{TransactionID: tx.ID}).Success)
	assert.Equal(t, models.InvoiceDraft, f.invoice(t, inv.ID).Status)
}

func TestMatch_FailureLeavesRecordsUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := testutil.CreateInvoice(t, f.db, f.tenant, "INV-9", 200)
	tx := testutil.CreateTransaction(t, f.db, f.acct, 200)
	require.NoError(t, f.db.Migrator().DropTable(&models.MatchAuditLog{}))

	res := f.ledger.MatchTransaction(ctx, MatchRequest{TransactionID: tx.ID, InvoiceID: inv.ID})

	assert.False(t, res.Success)
	assert.Equal(t, CodeInternal, res.Code)
	assert.False(t, f.transaction(t, tx.ID).IsMatched)
	after := f.invoice(t, inv.ID)
	assert.Zero(t, after.PaidAmount)
	assert.Equal(t, models.InvoiceSent, after.Status)
	assert.Nil(t, after.PaidAt)
	var payments int64
	require.NoError(t, f.db.Model(&models.Payment{}).Count(&payments).Error)
	assert.Zero(t, payments)
}

func TestUnmatch_FailureLeavesRecordsUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := testutil.CreateInvoice(t, f.db, f.tenant, "INV-10", 200)
	tx := testutil.CreateTransaction(t, f.db, f.acct, 200)
	require.True(t, f.ledger.MatchTransaction(ctx, MatchRequest{TransactionID: tx.ID, InvoiceID: inv.ID}).Success)
	require.NoError(t, f.db.Migrator().DropTable(&models.MatchAuditLog{}))

	res := f.ledger.UnmatchTransaction(ctx, UnmatchRequest{TransactionID: tx.ID})

	assert.False(t, res.Success)
	assert.Equal(t, CodeInternal, res.Code)
	stored := f.transaction(t, tx.ID)
	assert.True(t, stored.IsMatched)
	require.NotNil(t, stored.MatchedInvoiceID)
	assert.Equal(t, inv.ID, *stored.MatchedInvoiceID)
	after := f.invoice(t, inv.ID)
	assert.Equal(t, int64(200), after.PaidAmount)
	assert.Equal(t, models.InvoicePaid, after.Status)
	assert.NotNil(t, after.PaidAt)
	f.assertConsistent(t, inv.ID, tx.ID)
}

func TestMatch_Overpayment(t *testing.T) {
	f := newFixture(t)
	inv := testutil.CreateInvoice(t, f.db, f.tenant, "INV-4", 500)
	tx := testutil.CreateTransaction(t, f.db, f.acct, 650)

	res := f.ledger.MatchTransaction(context.Background(), MatchRequest{TransactionID: tx.ID, InvoiceID: inv.ID})
	require.True(t, res.Success)
	assert.Equal(t, int64(150), res.Overpaid)
	assert.Equal(t, int64(650), res.Invoice.PaidAmount)
	assert.Equal(t, models.InvoicePaid, res.Invoice.Status)
	f.assertConsistent(t, inv.ID, tx.ID)
}

func TestMatch_AutoReferenceKeepsConfidence(t *testing.T) {
	f := newFixture(t)
	inv := testutil.CreateInvoice(t, f.db, f.tenant, "INV-5", 500)
	tx := testutil.CreateTransaction(t, f.db, f.acct, 500)

	res := f.ledger.MatchTransaction(context.Background(), MatchRequest{
		TransactionID: tx.ID,
		InvoiceID:     inv.ID,
		Method:        models.MatchAutoReference,
		Confidence:    0.93,
		Details:       map[string]any{"reference": "5"},
	})
	require.True(t, res.Success)

	stored := f.transaction(t, tx.ID)
	require.NotNil(t, stored.MatchConfidence)
	assert.Equal(t, 0.93, *stored.MatchConfidence)
	assert.JSONEq(t, `{"reference":"5"}`, string(stored.MatchDetails))
	assert.Equal(t, models.MatchAutoReference, res.Payment.Method)
}

func TestMatch_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := testutil.CreateInvoice(t, f.db, f.tenant, "INV-6", 500)
	otherTenantInv := testutil.CreateInvoice(t, f.db, uuid.New(), "INV-6", 500)
	tx := testutil.CreateTransaction(t, f.db, f.acct, 500)

	res := f.ledger.MatchTransaction(ctx, MatchRequest{TransactionID: uuid.New(), InvoiceID: inv.ID})
	assert.False(t, res.Success)
	assert.Equal(t, CodeNotFound, res.Code)
	assert.ErrorIs(t, res.Err, ErrNotFound)
	assert.NotEmpty(t, res.Error)

	res = f.ledger.MatchTransaction(ctx, MatchRequest{TransactionID: tx.ID, InvoiceID: uuid.New()})
	assert.Equal(t, CodeNotFound, res.Code)

	res = f.ledger.MatchTransaction(ctx, MatchRequest{TransactionID: tx.ID, InvoiceID: otherTenantInv.ID})
	assert.Equal(t, CodeNotFound, res.Code, "invoices of other tenants are invisible")

	require.True(t, f.ledger.MatchTransaction(ctx, MatchRequest{TransactionID: tx.ID, InvoiceID: inv.ID}).Success)

	res = f.ledger.MatchTransaction(ctx, MatchRequest{TransactionID: tx.ID, InvoiceID: inv.ID})
	assert.Equal(t, CodeAlreadyMatched, res.Code)
	assert.ErrorIs(t, res.Err, ErrAlreadyMatched)
	assert.Equal(t, int64(500), f.invoice(t, inv.ID).PaidAmount, "no double application")
}

func TestUnmatch_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := testutil.CreateTransaction(t, f.db, f.acct, 500)

	res := f.ledger.UnmatchTransaction(ctx, UnmatchRequest{TransactionID: uuid.New()})
	assert.Equal(t, CodeNotFound, res.Code)

	res = f.ledger.UnmatchTransaction(ctx, UnmatchRequest{TransactionID: tx.ID})
	assert.Equal(t, CodeNotMatched, res.Code)
	assert.ErrorIs(t, res.Err, ErrNotMatched)
}

func TestMatch_ConcurrentAttemptsApplyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invA := testutil.CreateInvoice(t, f.db, f.tenant, "INV-A", 500)
	invB := testutil.CreateInvoice(t, f.db, f.tenant, "INV-B", 500)
	tx := testutil.CreateTransaction(t, f.db, f.acct, 500)

	const workers = 8
	results := make([]Result, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := invA.ID
			if i%2 == 1 {
				target = invB.ID
			}
			results[i] = f.ledger.MatchTransaction(ctx, MatchRequest{TransactionID: tx.ID, InvoiceID: target})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, r := range results {
		if r.Success {
			wins++
			continue
		}
		assert.Equal(t, CodeAlreadyMatched, r.Code)
	}
	assert.Equal(t, 1, wins)

	a, b := f.invoice(t, invA.ID), f.invoice(t, invB.ID)
	assert.Equal(t, int64(500), a.PaidAmount+b.PaidAmount)
	f.assertConsistent(t, invA.ID, tx.ID)
	f.assertConsistent(t, invB.ID)
}
