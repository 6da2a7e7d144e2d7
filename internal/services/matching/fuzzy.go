package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"billing-reconciliation-backend/internal/models"
)

// DefaultFuzzyTimeout bounds a single completion call.
const DefaultFuzzyTimeout = 8 * time.Second

// CompletionService turns a system and a user prompt into a JSON document.
// Implementations may fail in any way; the fuzzy matcher absorbs it.
type CompletionService interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, error)
}

var errNoCandidates = errors.New("no candidate invoices")

const systemPrompt = `You reconcile incoming bank payments with open invoices.
Given one bank transaction and a list of candidate invoices, decide which invoices the payment most likely settles.
Consider payer name similarity, amount versus the invoice's remaining balance, references in the description and the due date.
Answer with JSON only, in the form:
{"matches":[{"invoiceId":"<candidate id>","confidence":0.0,"reason":"<short explanation>"}]}
Only use invoice ids from the candidate list. Confidence is between 0 and 1. Return an empty list when nothing fits.`

// Prompt payload, also decoded by HeuristicCompleter.
type promptPayload struct {
	Transaction promptTransaction `json:"transaction"`
	Candidates  []promptCandidate `json:"candidates"`
}

type promptTransaction struct {
	Amount           int64  `json:"amountMinor"`
	Currency         string `json:"currency"`
	Date             string `json:"date"`
	CounterpartyName string `json:"counterpartyName"`
	Description      string `json:"description"`
	Reference        string `json:"reference"`
}

type promptCandidate struct {
	InvoiceID     string `json:"invoiceId"`
	InvoiceNumber string `json:"invoiceNumber"`
	BillingName   string `json:"billingName"`
	Remaining     int64  `json:"remainingMinor"`
	Currency      string `json:"currency"`
	DueDate       string `json:"dueDate"`
}

type completionResponse struct {
	Matches []completionMatch `json:"matches"`
}

type completionMatch struct {
	InvoiceID  string  `json:"invoiceId"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

type FuzzyMatcher struct {
	completer CompletionService
	rules     *RuleMatcher
	timeout   time.Duration
	logger    *slog.Logger
}

func NewFuzzyMatcher(completer CompletionService, rules *RuleMatcher, timeout time.Duration, logger *slog.Logger) *FuzzyMatcher {
	if timeout <= 0 {
		timeout = DefaultFuzzyTimeout
	}
	if rules == nil {
		rules = NewRuleMatcher(1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FuzzyMatcher{completer: completer, rules: rules, timeout: timeout, logger: logger}
}

// Match asks the completion service for candidates. It never fails: any
// error is logged and yields no suggestions.
func (f *FuzzyMatcher) Match(ctx context.Context, tx *models.BankTransaction, invoices []models.Invoice) []Suggestion {
	out, err := f.match(ctx, tx, invoices)
	if err != nil {
		f.logger.Warn("fuzzy matching unavailable",
			"transaction_id", tx.ID,
			"candidates", len(invoices),
			"error", err)
		return nil
	}
	return out
}

func (f *FuzzyMatcher) match(ctx context.Context, tx *models.BankTransaction, invoices []models.Invoice) ([]Suggestion, error) {
	if f.completer == nil {
		return nil, errors.New("no completion service configured")
	}
	if len(invoices) == 0 {
		return nil, errNoCandidates
	}

	user, err := buildUserPrompt(tx, invoices)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	raw, err := f.completer.Complete(ctx, systemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("completion: %w", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("empty completion")
	}

	var resp completionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}

	byID := make(map[uuid.UUID]*models.Invoice, len(invoices))
	for i := range invoices {
		byID[invoices[i].ID] = &invoices[i]
	}

	var out []Suggestion
	seen := make(map[uuid.UUID]bool)
	for _, m := range resp.Matches {
		id, err := uuid.Parse(strings.TrimSpace(m.InvoiceID))
		if err != nil {
			continue
		}
		inv, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		conf := roundConfidence(m.Confidence)
		if conf <= SuggestionThreshold {
			continue
		}
		seen[id] = true
		out = append(out, Suggestion{
			InvoiceID:     inv.ID,
			InvoiceNumber: inv.InvoiceNumber,
			Confidence:    conf,
			Reason:        strings.TrimSpace(m.Reason),
			Source:        SourceAI,
			MatchFactors:  f.rules.Factors(tx, inv),
		})
	}
	sortByConfidence(out)
	return out, nil
}

func buildUserPrompt(tx *models.BankTransaction, invoices []models.Invoice) (string, error) {
	payload := promptPayload{
		Transaction: promptTransaction{
			Amount:           tx.Amount,
			Currency:         tx.Currency,
			Date:             tx.TransactionDate.Format(time.DateOnly),
			CounterpartyName: tx.CounterpartyName,
			Description:      tx.Description,
			Reference:        tx.PaymentReference(),
		},
		Candidates: make([]promptCandidate, 0, len(invoices)),
	}
	for _, inv := range invoices {
		payload.Candidates = append(payload.Candidates, promptCandidate{
			InvoiceID:     inv.ID.String(),
			InvoiceNumber: inv.InvoiceNumber,
			BillingName:   inv.BillingName,
			Remaining:     inv.Remaining(),
			Currency:      inv.Currency,
			DueDate:       inv.DueDate.Format(time.DateOnly),
		})
	}

	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}
	return "Amounts are integers in minor currency units.\n\n" + string(b), nil
}
