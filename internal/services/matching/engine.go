// Package matching scores bank transactions against open invoices, with
// deterministic rules first and an optional fuzzy pass through an
// external completion service.
package matching

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"billing-reconciliation-backend/internal/models"
)

const (
	weightAmount    = 0.4
	weightReference = 0.3
	weightName      = 0.2
	weightDate      = 0.1

	// SuggestionThreshold is the minimum confidence a suggestion must beat.
	SuggestionThreshold = 0.5
	// ConclusiveThreshold is the rule score above which the fuzzy pass is skipped.
	ConclusiveThreshold = 0.9

	maxProximityDays = 7
)

type Source string

const (
	SourceRule Source = "rule"
	SourceAI   Source = "ai"
)

type MatchFactors struct {
	AmountMatch       bool `json:"amountMatch"`
	DateProximityDays int  `json:"dateProximityDays"`
	ReferenceMatch    bool `json:"referenceMatch"`
	NameMatch         bool `json:"nameMatch"`
}

// Suggestion is one candidate invoice for a transaction.
type Suggestion struct {
	InvoiceID     uuid.UUID    `json:"invoiceId"`
	InvoiceNumber string       `json:"invoiceNumber"`
	Confidence    float64      `json:"confidence"`
	Reason        string       `json:"reason"`
	Source        Source       `json:"source"`
	MatchFactors  MatchFactors `json:"matchFactors"`
}

type RuleMatcher struct {
	// Tolerance is the allowed amount difference in minor units.
	Tolerance int64
}

func NewRuleMatcher(tolerance int64) *RuleMatcher {
	if tolerance < 0 {
		tolerance = 0
	}
	return &RuleMatcher{Tolerance: tolerance}
}

// Factors evaluates every rule for one pair.
func (m *RuleMatcher) Factors(tx *models.BankTransaction, inv *models.Invoice) MatchFactors {
	diff := tx.Amount - inv.Remaining()
	if diff < 0 {
		diff = -diff
	}
	return MatchFactors{
		AmountMatch:       diff <= m.Tolerance,
		DateProximityDays: daysBetween(tx.TransactionDate, inv.DueDate),
		ReferenceMatch:    ReferencesMatch(tx.PaymentReference(), inv.InvoiceNumber),
		NameMatch:         NamesMatch(tx.CounterpartyName, inv.BillingName),
	}
}

// Score is the weighted sum of earned factors, capped at 1 and rounded
// to two decimals.
func (m *RuleMatcher) Score(tx *models.BankTransaction, inv *models.Invoice) (float64, MatchFactors) {
	f := m.Factors(tx, inv)
	score := 0.0
	if f.AmountMatch {
		score += weightAmount
	}
	if f.ReferenceMatch {
		score += weightReference
	}
	if f.NameMatch {
		score += weightName
	}
	if f.DateProximityDays <= maxProximityDays {
		score += weightDate
	}
	return roundConfidence(score), f
}

// Match returns suggestions above SuggestionThreshold, best first.
func (m *RuleMatcher) Match(tx *models.BankTransaction, invoices []models.Invoice) []Suggestion {
	var out []Suggestion
	for i := range invoices {
		inv := &invoices[i]
		score, f := m.Score(tx, inv)
		if score <= SuggestionThreshold {
			continue
		}
		out = append(out, Suggestion{
			InvoiceID:     inv.ID,
			InvoiceNumber: inv.InvoiceNumber,
			Confidence:    score,
			Reason:        ruleReason(f),
			Source:        SourceRule,
			MatchFactors:  f,
		})
	}
	sortByConfidence(out)
	return out
}

func ruleReason(f MatchFactors) string {
	var parts []string
	if f.AmountMatch {
		parts = append(parts, "amount matches remaining balance")
	}
	if f.ReferenceMatch {
		parts = append(parts, "reference matches invoice number")
	}
	if f.NameMatch {
		parts = append(parts, "counterparty matches billing name")
	}
	if f.DateProximityDays <= maxProximityDays {
		parts = append(parts, "paid close to due date")
	}
	return strings.Join(parts, "; ")
}

// daysBetween counts whole calendar days, ignoring time of day.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	days := int(da.Sub(db).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days
}

func roundConfidence(c float64) float64 {
	if c > 1 {
		c = 1
	}
	if c < 0 || math.IsNaN(c) {
		c = 0
	}
	return math.Round(c*100) / 100
}

func sortByConfidence(s []Suggestion) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Confidence > s[j].Confidence })
}
