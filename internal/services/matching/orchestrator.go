package matching

import (
	"context"

	"github.com/google/uuid"

	"billing-reconciliation-backend/internal/models"
)

// Orchestrator combines rule and fuzzy suggestions.
type Orchestrator struct {
	rules *RuleMatcher
	fuzzy *FuzzyMatcher // nil disables the fuzzy pass
}

func NewOrchestrator(rules *RuleMatcher, fuzzy *FuzzyMatcher) *Orchestrator {
	if rules == nil {
		rules = NewRuleMatcher(1)
	}
	return &Orchestrator{rules: rules, fuzzy: fuzzy}
}

// FindMatches scores candidates with the rules and, unless a rule score
// is conclusive, with the fuzzy matcher too. The result holds at most
// one suggestion per invoice, preferring the rule one, ordered by
// descending confidence. Candidates must already be restricted to open
// invoices.
func (o *Orchestrator) FindMatches(ctx context.Context, tx *models.BankTransaction, candidates []models.Invoice) []Suggestion {
	ruled := o.rules.Match(tx, candidates)

	if o.fuzzy == nil || (len(ruled) > 0 && ruled[0].Confidence > ConclusiveThreshold) {
		return ruled
	}

	merged := make([]Suggestion, 0, len(ruled))
	seen := make(map[uuid.UUID]bool)
	for _, group := range [][]Suggestion{ruled, o.fuzzy.Match(ctx, tx, candidates)} {
		for _, s := range group {
			if seen[s.InvoiceID] {
				continue
			}
			seen[s.InvoiceID] = true
			merged = append(merged, s)
		}
	}
	sortByConfidence(merged)
	return merged
}
