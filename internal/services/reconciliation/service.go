// Package reconciliation imports bank transactions from providers and
// auto-matches incoming payments to open invoices.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"billing-reconciliation-backend/internal/banking"
	"billing-reconciliation-backend/internal/models"
	"billing-reconciliation-backend/internal/repository"
	"billing-reconciliation-backend/internal/services/ledger"
	"billing-reconciliation-backend/internal/services/matching"
)

const (
	DefaultWindow      = 30 * 24 * time.Hour
	defaultConcurrency = 4

	autoMatchActor = "system:sync"
)

var ErrTransactionNotFound = errors.New("transaction not found")

var (
	syncTracer = otel.Tracer("billing-reconciliation/sync")
	syncMeter  = otel.Meter("billing-reconciliation/sync")

	syncDuration, _ = syncMeter.Float64Histogram("sync.account.duration",
		metric.WithDescription("Account sync duration in seconds"), metric.WithUnit("s"))
	syncAccounts, _ = syncMeter.Int64Counter("sync.account.total",
		metric.WithDescription("Account syncs by provider and status"))
	syncImported, _ = syncMeter.Int64Counter("sync.transactions.imported",
		metric.WithDescription("Newly imported bank transactions"))
	syncMatched, _ = syncMeter.Int64Counter("sync.transactions.matched",
		metric.WithDescription("Transactions auto-matched by reference"))
)

// AdapterFactory resolves a provider adapter; *banking.Factory satisfies it.
type AdapterFactory interface {
	CreateAdapter(provider string, cfg banking.Config) (banking.Adapter, error)
}

// CredentialOpener decrypts stored account credentials; *secrets.Box
// satisfies it.
type CredentialOpener interface {
	Open(sealed []byte) (map[string]string, error)
}

type Ledger interface {
	MatchTransaction(ctx context.Context, req ledger.MatchRequest) ledger.Result
}

type Config struct {
	DefaultWindow   time.Duration
	Concurrency     int
	AmountTolerance int64 // minor units
	// FetchTimeout bounds one adapter fetch; zero means no extra bound.
	FetchTimeout time.Duration
}

type Dependencies struct {
	Factory     AdapterFactory
	Credentials CredentialOpener
	Ledger      Ledger
	Matcher     *matching.Orchestrator
}

// SyncResult reports one account sync. A failed sync never surfaces as an
// error; Success is false and Error says why.
type SyncResult struct {
	BankAccountID        uuid.UUID `json:"bankAccountId"`
	Success              bool      `json:"success"`
	TransactionsFetched  int       `json:"transactionsFetched"`
	TransactionsImported int       `json:"transactionsImported"`
	TransactionsSkipped  int       `json:"transactionsSkipped"`
	TransactionsMatched  int       `json:"transactionsMatched"`
	DateFrom             time.Time `json:"dateFrom"`
	DateTo               time.Time `json:"dateTo"`
	Error                string    `json:"error,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
}

type ReconciliationService struct {
	accounts     *repository.BankAccountRepository
	transactions *repository.BankTransactionRepository
	invoices     *repository.InvoiceRepository
	runs         *repository.SyncRunRepository

	factory     AdapterFactory
	credentials CredentialOpener
	ledger      Ledger
	matcher     *matching.Orchestrator
	rules       *matching.RuleMatcher

	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// one slot per account; a sync holds it for its whole run
	accountLocks map[uuid.UUID]*accountLock
	locksMutex   sync.Mutex
}

func NewReconciliationService(db *gorm.DB, deps Dependencies, cfg Config, logger *slog.Logger) *ReconciliationService {
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = DefaultWindow
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.AmountTolerance < 0 {
		cfg.AmountTolerance = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	rules := matching.NewRuleMatcher(cfg.AmountTolerance)
	if deps.Matcher == nil {
		deps.Matcher = matching.NewOrchestrator(rules, nil)
	}
	return &ReconciliationService{
		accounts:     repository.NewBankAccountRepository(db),
		transactions: repository.NewBankTransactionRepository(db),
		invoices:     repository.NewInvoiceRepository(db),
		runs:         repository.NewSyncRunRepository(db),
		factory:      deps.Factory,
		credentials:  deps.Credentials,
		ledger:       deps.Ledger,
		matcher:      deps.Matcher,
		rules:        rules,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		accountLocks: make(map[uuid.UUID]*accountLock),
	}
}

type syncStats struct {
	fetched, imported, skipped, matched int
}

// SyncAccount imports the account's transactions for [from, to] and
// auto-matches new incoming payments. Nil bounds default to the last
// DefaultWindow up to now.
func (s *ReconciliationService) SyncAccount(ctx context.Context, account *models.BankAccount, from, to *time.Time) SyncResult {
	started := s.now()
	dateTo := started
	if to != nil {
		dateTo = *to
	}
	dateFrom := dateTo.Add(-s.cfg.DefaultWindow)
	if from != nil {
		dateFrom = *from
	}

	ctx, span := syncTracer.Start(ctx, "reconciliation.SyncAccount", trace.WithAttributes(
		attribute.String("bank_account.id", account.ID.String()),
		attribute.String("bank_account.provider", account.Provider),
	))
	defer span.End()

	logger := s.logger.With("bank_account_id", account.ID, "provider", account.Provider)
	result := SyncResult{BankAccountID: account.ID, DateFrom: dateFrom, DateTo: dateTo}

	var stats syncStats
	err := s.withAccountLock(ctx, account.ID, func() error {
		var err error
		stats, err = s.syncAccount(ctx, logger, account, dateFrom, dateTo)
		return err
	})

	result.TransactionsFetched = stats.fetched
	result.TransactionsImported = stats.imported
	result.TransactionsSkipped = stats.skipped
	result.TransactionsMatched = stats.matched
	result.Timestamp = s.now()
	result.Success = err == nil

	status := models.SyncRunSucceeded
	if err != nil {
		status = models.SyncRunFailed
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("account sync failed", "error", err, "imported", stats.imported)
	} else {
		logger.Info("account sync completed",
			"fetched", stats.fetched,
			"imported", stats.imported,
			"skipped", stats.skipped,
			"matched", stats.matched)
	}

	attrs := metric.WithAttributes(
		attribute.String("provider", account.Provider),
		attribute.String("status", status),
	)
	syncAccounts.Add(ctx, 1, attrs)
	syncDuration.Record(ctx, result.Timestamp.Sub(started).Seconds(), attrs)
	syncImported.Add(ctx, int64(stats.imported), metric.WithAttributes(attribute.String("provider", account.Provider)))
	syncMatched.Add(ctx, int64(stats.matched), metric.WithAttributes(attribute.String("provider", account.Provider)))

	s.recordRun(context.WithoutCancel(ctx), logger, account, result, started, status)
	return result
}

func (s *ReconciliationService) syncAccount(ctx context.Context, logger *slog.Logger, account *models.BankAccount, from, to time.Time) (syncStats, error) {
	var stats syncStats

	adapter, err := s.adapterFor(account)
	if err != nil {
		return stats, err
	}

	fetchCtx := ctx
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}
	fetched, err := adapter.FetchTransactions(fetchCtx, from, to)
	if err != nil {
		return stats, fmt.Errorf("fetch transactions: %w", err)
	}
	stats.fetched = len(fetched)

	for i := range fetched {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("sync interrupted: %w", err)
		}

		ct := &fetched[i]
		exists, err := s.transactions.Exists(ctx, account.ID, ct.ProviderTransactionID)
		if err != nil {
			return stats, fmt.Errorf("check transaction %s: %w", ct.ProviderTransactionID, err)
		}
		if exists {
			stats.skipped++
			continue
		}

		tx := newBankTransaction(account, ct)
		inserted, err := s.transactions.Insert(ctx, tx)
		if err != nil {
			return stats, fmt.Errorf("store transaction %s: %w", ct.ProviderTransactionID, err)
		}
		if !inserted {
			stats.skipped++
			continue
		}
		stats.imported++

		if tx.IsCredit() && tx.PaymentReference() != "" && s.autoMatch(ctx, logger, tx) {
			stats.matched++
		}
	}

	s.refreshBalance(ctx, logger, account, adapter)

	if err := s.accounts.TouchLastSync(ctx, account.ID, s.now()); err != nil {
		return stats, fmt.Errorf("update last sync: %w", err)
	}
	return stats, nil
}

func (s *ReconciliationService) adapterFor(account *models.BankAccount) (banking.Adapter, error) {
	if s.factory == nil {
		return nil, errors.New("no adapter factory configured")
	}
	cfg := banking.Config{}
	if len(account.Credentials) > 0 {
		if s.credentials == nil {
			return nil, errors.New("account has credentials but no credentials key is configured")
		}
		opened, err := s.credentials.Open(account.Credentials)
		if err != nil {
			return nil, fmt.Errorf("open credentials: %w", err)
		}
		cfg = opened
	}
	adapter, err := s.factory.CreateAdapter(account.Provider, cfg)
	if err != nil {
		return nil, fmt.Errorf("create adapter: %w", err)
	}
	return adapter, nil
}

func newBankTransaction(account *models.BankAccount, ct *banking.CanonicalTransaction) *models.BankTransaction {
	currency := ct.Currency
	if currency == "" {
		currency = account.Currency
	}
	tx := &models.BankTransaction{
		ID:                    uuid.New(),
		TenantID:              account.TenantID,
		BankAccountID:         account.ID,
		ProviderTransactionID: ct.ProviderTransactionID,
		TransactionDate:       ct.Date,
		Amount:                ct.Amount,
		Type:                  ct.Type,
		Currency:              currency,
		CounterpartyName:      ct.CounterpartyName,
		CounterpartyAccount:   ct.CounterpartyAccount,
		Description:           ct.Description,
		VariableSymbol:        ct.VariableSymbol,
		SpecificSymbol:        ct.SpecificSymbol,
		ConstantSymbol:        ct.ConstantSymbol,
		ReferenceNumber:       ct.ReferenceNumber,
	}
	if len(ct.Raw) > 0 {
		tx.RawData = datatypes.JSON(ct.Raw)
	}
	return tx
}

// autoMatch applies the payment when exactly one open invoice agrees on
// reference digits and amount. Failures are logged, never returned.
func (s *ReconciliationService) autoMatch(ctx context.Context, logger *slog.Logger, tx *models.BankTransaction) bool {
	if s.ledger == nil {
		return false
	}
	reference := tx.PaymentReference()

	candidates, err := s.invoices.FindOpenByRemaining(ctx, tx.TenantID, tx.Amount, s.cfg.AmountTolerance)
	if err != nil {
		logger.Warn("auto-match lookup failed", "transaction_id", tx.ID, "error", err)
		return false
	}

	var hits []models.Invoice
	for _, inv := range candidates {
		if !matching.ReferencesMatch(reference, inv.InvoiceNumber) {
			continue
		}
		if tx.Currency != "" && inv.Currency != "" && tx.Currency != inv.Currency {
			continue
		}
		hits = append(hits, inv)
	}
	switch len(hits) {
	case 0:
		return false
	case 1:
	default:
		logger.Info("auto-match ambiguous, left for review",
			"transaction_id", tx.ID,
			"reference", reference,
			"candidates", len(hits))
		return false
	}

	inv := &hits[0]
	score, factors := s.rules.Score(tx, inv)
	res := s.ledger.MatchTransaction(ctx, ledger.MatchRequest{
		TransactionID: tx.ID,
		InvoiceID:     inv.ID,
		Method:        models.MatchAutoReference,
		Confidence:    score,
		Details: map[string]any{
			"reference":      reference,
			"invoice_number": inv.InvoiceNumber,
			"factors":        factors,
		},
		PerformedBy: autoMatchActor,
	})
	if !res.Success {
		logger.Warn("auto-match rejected by ledger",
			"transaction_id", tx.ID,
			"invoice_id", inv.ID,
			"code", res.Code,
			"error", res.Error)
		return false
	}
	return true
}

func (s *ReconciliationService) refreshBalance(ctx context.Context, logger *slog.Logger, account *models.BankAccount, adapter banking.Adapter) {
	bal, err := adapter.GetBalance(ctx)
	if err != nil {
		logger.Warn("balance refresh failed", "error", err)
		return
	}
	if err := s.accounts.UpdateBalance(ctx, account.ID, bal.Amount, bal.Currency, s.now()); err != nil {
		logger.Warn("balance update failed", "error", err)
	}
}

func (s *ReconciliationService) recordRun(ctx context.Context, logger *slog.Logger, account *models.BankAccount, res SyncResult, started time.Time, status string) {
	run := &models.SyncRun{
		ID:                   uuid.New(),
		TenantID:             account.TenantID,
		BankAccountID:        account.ID,
		Provider:             account.Provider,
		Status:               status,
		DateFrom:             res.DateFrom,
		DateTo:               res.DateTo,
		TransactionsFetched:  res.TransactionsFetched,
		TransactionsImported: res.TransactionsImported,
		TransactionsSkipped:  res.TransactionsSkipped,
		TransactionsMatched:  res.TransactionsMatched,
		Error:                res.Error,
		StartedAt:            started,
		CompletedAt:          res.Timestamp,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		logger.Warn("could not record sync run", "error", err)
	}
}

// SyncAllAccounts syncs every active autosync account of the tenant with
// bounded concurrency. Each account gets its own result; a failing
// account does not stop the others. When ctx is cancelled no further
// accounts start and the results gathered so far are returned with
// ctx.Err().
func (s *ReconciliationService) SyncAllAccounts(ctx context.Context, tenantID uuid.UUID) ([]SyncResult, error) {
	accounts, err := s.accounts.ListAutoSync(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	results := make([]SyncResult, len(accounts))
	started := make([]bool, len(accounts))

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i := range accounts {
		if ctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			started[i] = true
			results[i] = s.SyncAccount(ctx, &accounts[i], nil, nil)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]SyncResult, 0, len(accounts))
	for i := range results {
		if started[i] {
			out = append(out, results[i])
		}
	}
	s.logger.Info("tenant sync finished",
		"tenant_id", tenantID,
		"accounts", len(accounts),
		"synced", len(out))
	return out, ctx.Err()
}

// SuggestMatches ranks the tenant's open invoices for one transaction.
func (s *ReconciliationService) SuggestMatches(ctx context.Context, transactionID uuid.UUID) ([]matching.Suggestion, error) {
	tx, err := s.transactions.GetByID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
		}
		return nil, err
	}
	candidates, err := s.invoices.ListOpen(ctx, tx.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list open invoices: %w", err)
	}
	return s.matcher.FindMatches(ctx, tx, candidates), nil
}

func (s *ReconciliationService) GetAccount(ctx context.Context, id uuid.UUID) (*models.BankAccount, error) {
	return s.accounts.GetByID(ctx, id)
}

func (s *ReconciliationService) ListSyncRuns(ctx context.Context, accountID uuid.UUID, limit int) ([]models.SyncRun, error) {
	return s.runs.ListByAccount(ctx, accountID, limit)
}

// ListUnmatched returns the tenant's incoming payments still waiting for
// an invoice, newest first.
func (s *ReconciliationService) ListUnmatched(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.BankTransaction, error) {
	return s.transactions.ListUnmatchedCredits(ctx, tenantID, limit)
}

// accountLock serializes syncs of one account. refs counts the holder and
// waiters; the entry leaves the map when it drops to zero.
type accountLock struct {
	slot chan struct{}
	refs int
}

// withAccountLock runs fn while holding the account's slot, waiting for a
// concurrent sync of the same account to finish first.
func (s *ReconciliationService) withAccountLock(ctx context.Context, accountID uuid.UUID, fn func() error) error {
	s.locksMutex.Lock()
	lock, ok := s.accountLocks[accountID]
	if !ok {
		lock = &accountLock{slot: make(chan struct{}, 1)}
		s.accountLocks[accountID] = lock
	}
	lock.refs++
	s.locksMutex.Unlock()
	defer s.releaseAccountLock(accountID, lock)

	select {
	case lock.slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("waiting for running sync: %w", ctx.Err())
	}
	defer func() { <-lock.slot }()
	return fn()
}

func (s *ReconciliationService) releaseAccountLock(accountID uuid.UUID, lock *accountLock) {
	s.locksMutex.Lock()
	defer s.locksMutex.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.accountLocks, accountID)
	}
}
