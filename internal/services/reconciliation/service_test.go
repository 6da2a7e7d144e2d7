package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"billing-reconciliation-backend/internal/banking"
	"billing-reconciliation-backend/internal/models"
	"billing-reconciliation-backend/internal/repository"
	"billing-reconciliation-backend/internal/secrets"
	"billing-reconciliation-backend/internal/services/ledger"
	"billing-reconciliation-backend/internal/services/matching"
	"billing-reconciliation-backend/internal/testutil"
)

type fakeAdapter struct {
	mu    sync.Mutex
	txs   []banking.CanonicalTransaction
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (a *fakeAdapter) FetchTransactions(ctx context.Context, _, _ time.Time) ([]banking.CanonicalTransaction, error) {
	a.calls.Add(1)
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	out := make([]banking.CanonicalTransaction, len(a.txs))
	copy(out, a.txs)
	return out, nil
}

func (a *fakeAdapter) GetBalance(context.Context) (banking.Balance, error) {
	return banking.Balance{Amount: 1234500, Currency: "CZK"}, nil
}

type harness struct {
	db     *gorm.DB
	box    *secrets.Box
	svc    *ReconciliationService
	good   *fakeAdapter
	broken *fakeAdapter
	tenant uuid.UUID
	opened atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	box, err := secrets.NewBox("test-credentials-key")
	require.NoError(t, err)

	h := &harness{
		db:     db,
		box:    box,
		good:   &fakeAdapter{},
		broken: &fakeAdapter{err: banking.NewFetchError("broken", "fetch", errors.New("bank unavailable"))},
		tenant: uuid.New(),
	}

	factory := banking.NewFactory(banking.Deps{})
	factory.Register(banking.ProviderSpec{
		ID:             "fake",
		RequiredFields: []string{"token"},
		New: func(cfg banking.Config, _ banking.Deps) (banking.Adapter, error) {
			if cfg["token"] != "s3cret" {
				return nil, errors.New("bad token")
			}
			h.opened.Add(1)
			return h.good, nil
		},
	})
	factory.Register(banking.ProviderSpec{
		ID: "broken",
		New: func(banking.Config, banking.Deps) (banking.Adapter, error) {
			return h.broken, nil
		},
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.svc = NewReconciliationService(db, Dependencies{
		Factory:     factory,
		Credentials: box,
		Ledger:      ledger.New(db, logger),
		Matcher:     matching.NewOrchestrator(matching.NewRuleMatcher(1), nil),
	}, Config{AmountTolerance: 1, Concurrency: 2}, logger)
	return h
}

func (h *harness) account(t *testing.T, provider string) *models.BankAccount {
	t.Helper()
	creds, err := h.box.Seal(map[string]string{"token": "s3cret"})
	require.NoError(t, err)
	return testutil.CreateAccount(t, h.db, h.tenant, provider, creds)
}

func credit(id string, amount int64, vs string) banking.CanonicalTransaction {
	return banking.CanonicalTransaction{
		ProviderTransactionID: id,
		Date:                  time.Now().Add(-24 * time.Hour),
		Amount:                amount,
		Type:                  models.TransactionCredit,
		Currency:              "CZK",
		CounterpartyName:      "ACME SRO",
		VariableSymbol:        vs,
		Raw:                   []byte(`{"id":"` + id + `"}`),
	}
}

func TestSyncAccount_ImportsAndAutoMatches(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "fake")
	inv := testutil.CreateInvoice(t, h.db, h.tenant, "INV-2024-001", 100000)
	h.good.txs = []banking.CanonicalTransaction{
		credit("tx-1", 100000, "2024001"),
		credit("tx-2", 5000, ""),
	}

	res := h.svc.SyncAccount(context.Background(), acct, nil, nil)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, acct.ID, res.BankAccountID)
	assert.Equal(t, 2, res.TransactionsImported)
	assert.Equal(t, 1, res.TransactionsMatched)
	assert.WithinDuration(t, res.DateTo.Add(-DefaultWindow), res.DateFrom, time.Second)
	assert.False(t, res.Timestamp.IsZero())
	assert.Equal(t, int32(1), h.opened.Load())

	got, err := repository.NewInvoiceRepository(h.db).GetByID(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePaid, got.Status)
	assert.Equal(t, int64(100000), got.PaidAmount)
	require.NotNil(t, got.PaidAt)

	var matched models.BankTransaction
	require.NoError(t, h.db.Where("provider_transaction_id = ?", "tx-1").First(&matched).Error)
	assert.True(t, matched.IsMatched)
	require.NotNil(t, matched.MatchMethod)
	assert.Equal(t, models.MatchAutoReference, *matched.MatchMethod)
	require.NotNil(t, matched.MatchConfidence)
	assert.Greater(t, *matched.MatchConfidence, 0.5)

	acctAfter, err := repository.NewBankAccountRepository(h.db).GetByID(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.NotNil(t, acctAfter.LastSyncAt)
	assert.Equal(t, int64(1234500), acctAfter.Balance)

	runs, err := h.svc.ListSyncRuns(context.Background(), acct.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.SyncRunSucceeded, runs[0].Status)
	assert.Equal(t, 2, runs[0].TransactionsImported)
}

func TestSyncAccount_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "fake")
	h.good.txs = []banking.CanonicalTransaction{credit("tx-1", 4200, ""), credit("tx-2", 1300, "")}

	first := h.svc.SyncAccount(context.Background(), acct, nil, nil)
	second := h.svc.SyncAccount(context.Background(), acct, nil, nil)

	require.True(t, first.Success)
	require.True(t, second.Success)
	assert.Equal(t, 2, first.TransactionsImported)
	assert.Equal(t, 0, second.TransactionsImported)
	assert.Equal(t, 2, second.TransactionsSkipped)

	var count int64
	require.NoError(t, h.db.Model(&models.BankTransaction{}).Where("bank_account_id = ?", acct.ID).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestSyncAccount_ExplicitWindow(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "fake")
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	res := h.svc.SyncAccount(context.Background(), acct, &from, &to)

	require.True(t, res.Success)
	assert.Equal(t, from, res.DateFrom)
	assert.Equal(t, to, res.DateTo)
}

func TestSyncAccount_AdapterFailure(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "broken")

	res := h.svc.SyncAccount(context.Background(), acct, nil, nil)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "bank unavailable")
	assert.Zero(t, res.TransactionsImported)
	assert.Zero(t, res.TransactionsMatched)

	acctAfter, err := repository.NewBankAccountRepository(h.db).GetByID(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Nil(t, acctAfter.LastSyncAt)

	runs, err := h.svc.ListSyncRuns(context.Background(), acct.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.SyncRunFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)
}

func TestSyncAccount_UnknownProvider(t *testing.T) {
	h := newHarness(t)
	acct := testutil.CreateAccount(t, h.db, h.tenant, "mystery", nil)

	res := h.svc.SyncAccount(context.Background(), acct, nil, nil)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unsupported provider")
}

func TestSyncAccount_AmbiguousReferenceLeftUnmatched(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "fake")
	testutil.CreateInvoice(t, h.db, h.tenant, "INV-2024-001", 100000)
	testutil.CreateInvoice(t, h.db, h.tenant, "2024-001", 100000)
	h.good.txs = []banking.CanonicalTransaction{credit("tx-1", 100000, "2024001")}

	res := h.svc.SyncAccount(context.Background(), acct, nil, nil)

	require.True(t, res.Success)
	assert.Equal(t, 1, res.TransactionsImported)
	assert.Zero(t, res.TransactionsMatched)

	var payments int64
	require.NoError(t, h.db.Model(&models.Payment{}).Count(&payments).Error)
	assert.Zero(t, payments)
}

func TestSyncAccount_DebitsAreNotAutoMatched(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "fake")
	testutil.CreateInvoice(t, h.db, h.tenant, "INV-7", 2500)
	debit := credit("tx-1", 2500, "7")
	debit.Type = models.TransactionDebit
	h.good.txs = []banking.CanonicalTransaction{debit}

	res := h.svc.SyncAccount(context.Background(), acct, nil, nil)

	require.True(t, res.Success)
	assert.Equal(t, 1, res.TransactionsImported)
	assert.Zero(t, res.TransactionsMatched)
}

func TestSyncAccount_SameAccountRunsSerially(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "fake")
	h.good.delay = 20 * time.Millisecond
	h.good.txs = []banking.CanonicalTransaction{credit("tx-1", 700, ""), credit("tx-2", 800, "")}

	var wg sync.WaitGroup
	results := make([]SyncResult, 4)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.svc.SyncAccount(context.Background(), acct, nil, nil)
		}()
	}
	wg.Wait()

	imported := 0
	for _, r := range results {
		require.True(t, r.Success, r.Error)
		imported += r.TransactionsImported
	}
	assert.Equal(t, 2, imported)
	assert.Empty(t, h.svc.accountLocks)
}

func TestWithAccountLock_AbandonedWaitReleasesEntry(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- h.svc.withAccountLock(context.Background(), id, func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := h.svc.withAccountLock(ctx, id, func() error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	h.svc.locksMutex.Lock()
	assert.Equal(t, 1, h.svc.accountLocks[id].refs)
	h.svc.locksMutex.Unlock()

	close(release)
	require.NoError(t, <-done)
	assert.Empty(t, h.svc.accountLocks)
}

func TestSyncAllAccounts_IsolatesFailures(t *testing.T) {
	h := newHarness(t)
	good := h.account(t, "fake")
	bad := h.account(t, "broken")
	h.good.txs = []banking.CanonicalTransaction{credit("tx-1", 900, "")}

	results, err := h.svc.SyncAllAccounts(context.Background(), h.tenant)

	require.NoError(t, err)
	require.Len(t, results, 2)
	byAccount := map[uuid.UUID]SyncResult{}
	for _, r := range results {
		byAccount[r.BankAccountID] = r
	}
	assert.True(t, byAccount[good.ID].Success)
	assert.Equal(t, 1, byAccount[good.ID].TransactionsImported)
	assert.False(t, byAccount[bad.ID].Success)
}

func TestSyncAllAccounts_SkipsInactiveAndOtherTenants(t *testing.T) {
	h := newHarness(t)
	h.account(t, "fake")
	paused := h.account(t, "fake")
	require.NoError(t, h.db.Model(paused).Update("auto_sync", false).Error)
	testutil.CreateAccount(t, h.db, uuid.New(), "fake", nil)

	results, err := h.svc.SyncAllAccounts(context.Background(), h.tenant)

	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSyncAllAccounts_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.account(t, "fake")
	h.account(t, "fake")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := h.svc.SyncAllAccounts(ctx, h.tenant)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
	assert.Zero(t, h.good.calls.Load())
}

func TestSuggestMatches(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "fake")
	inv := testutil.CreateInvoice(t, h.db, h.tenant, "INV-55", 25000)
	testutil.CreateInvoice(t, h.db, h.tenant, "INV-56", 99999, func(i *models.Invoice) {
		i.BillingName = "Globex"
		i.DueDate = time.Now().AddDate(0, 2, 0)
	})
	tx := testutil.CreateTransaction(t, h.db, acct, 25000, func(tx *models.BankTransaction) {
		tx.VariableSymbol = "55"
	})

	suggestions, err := h.svc.SuggestMatches(context.Background(), tx.ID)

	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Equal(t, inv.ID, suggestions[0].InvoiceID)
	assert.Equal(t, matching.SourceRule, suggestions[0].Source)
	assert.Equal(t, 1.0, suggestions[0].Confidence)

	_, err = h.svc.SuggestMatches(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestListUnmatched(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "fake")
	older := testutil.CreateTransaction(t, h.db, acct, 100, func(tx *models.BankTransaction) {
		tx.TransactionDate = time.Now().AddDate(0, 0, -3)
	})
	newer := testutil.CreateTransaction(t, h.db, acct, 200, func(tx *models.BankTransaction) {
		tx.TransactionDate = time.Now().AddDate(0, 0, -1)
	})
	testutil.CreateTransaction(t, h.db, acct, 300, func(tx *models.BankTransaction) {
		tx.Type = models.TransactionDebit
	})
	inv := testutil.CreateInvoice(t, h.db, h.tenant, "INV-90", 400)
	matched := testutil.CreateTransaction(t, h.db, acct, 400)
	require.True(t, ledger.New(h.db, nil).MatchTransaction(context.Background(), ledger.MatchRequest{
		TransactionID: matched.ID,
		InvoiceID:     inv.ID,
	}).Success)

	txs, err := h.svc.ListUnmatched(context.Background(), h.tenant, 10)

	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, newer.ID, txs[0].ID)
	assert.Equal(t, older.ID, txs[1].ID)

	txs, err = h.svc.ListUnmatched(context.Background(), h.tenant, 1)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}
