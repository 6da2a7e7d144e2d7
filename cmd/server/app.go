package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"billing-reconciliation-backend/internal/banking"
	"billing-reconciliation-backend/internal/banking/providers"
	"billing-reconciliation-backend/internal/config"
	"billing-reconciliation-backend/internal/logging"
	"billing-reconciliation-backend/internal/retry"
	"billing-reconciliation-backend/internal/secrets"
	"billing-reconciliation-backend/internal/services/completion"
	"billing-reconciliation-backend/internal/services/ledger"
	"billing-reconciliation-backend/internal/services/matching"
	"billing-reconciliation-backend/internal/services/reconciliation"
	"billing-reconciliation-backend/internal/telemetry"
)

// app holds the wired services shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	factory  *banking.Factory
	ledger   *ledger.Ledger
	sync     *reconciliation.ReconciliationService
	shutdown telemetry.ShutdownFunc
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger(cfg.Log)

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, logging.Component(logger, "telemetry"))
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	db, err := config.InitDB(cfg.Database)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("open database: %w", err)
	}

	policy := retryPolicy(cfg.Retry)
	factory := providers.NewDefaultFactory(banking.Deps{
		HTTPClient: telemetry.HTTPClient(cfg.Sync.HTTPTimeout),
		Retry:      policy,
		Logger:     logging.Component(logger, "banking"),
	})

	l := ledger.New(db, logging.Component(logger, "ledger"))

	rules := matching.NewRuleMatcher(cfg.Sync.AmountToleranceMinor)
	var fuzzy *matching.FuzzyMatcher
	if cfg.Matching.FuzzyEnabled {
		fuzzy = matching.NewFuzzyMatcher(newCompleter(cfg, policy, logger), rules, cfg.Matching.FuzzyTimeout,
			logging.Component(logger, "matching"))
	}

	deps := reconciliation.Dependencies{
		Factory: factory,
		Ledger:  l,
		Matcher: matching.NewOrchestrator(rules, fuzzy),
	}
	if cfg.Secrets.CredentialsKey != "" {
		box, err := secrets.NewBox(cfg.Secrets.CredentialsKey)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("credentials key: %w", err)
		}
		deps.Credentials = box
	} else {
		logger.Warn("no credentials key configured, accounts with stored credentials cannot sync")
	}

	svc := reconciliation.NewReconciliationService(db, deps, reconciliation.Config{
		DefaultWindow:   time.Duration(cfg.Sync.DefaultWindowDays) * 24 * time.Hour,
		Concurrency:     cfg.Sync.Concurrency,
		AmountTolerance: cfg.Sync.AmountToleranceMinor,
		FetchTimeout:    cfg.Sync.FetchTimeout,
	}, logging.Component(logger, "sync"))

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		factory:  factory,
		ledger:   l,
		sync:     svc,
		shutdown: shutdown,
	}, nil
}

// newCompleter picks the OpenAI service when a key is configured and the
// local heuristic otherwise.
func newCompleter(cfg *config.Config, policy retry.Policy, logger *slog.Logger) matching.CompletionService {
	if cfg.OpenAI.APIKey == "" {
		logger.Info("no OpenAI key configured, fuzzy matching uses the local heuristic")
		return matching.NewHeuristicCompleter()
	}
	return completion.NewOpenAIService(cfg.OpenAI, telemetry.HTTPClient(cfg.Matching.FuzzyTimeout), policy)
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	return p
}

func (a *app) close(ctx context.Context) {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", "error", err)
	}
}
