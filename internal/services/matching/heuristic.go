package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// HeuristicCompleter answers fuzzy-match prompts offline by comparing
// payer and billing names token by token and weighing amount closeness.
// It serves deployments without an LLM API key.
type HeuristicCompleter struct {
	NameWeight   float64
	AmountWeight float64
}

func NewHeuristicCompleter() *HeuristicCompleter {
	return &HeuristicCompleter{NameWeight: 0.6, AmountWeight: 0.4}
}

var _ CompletionService = (*HeuristicCompleter)(nil)

func (h *HeuristicCompleter) Complete(ctx context.Context, _, userPrompt string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := strings.IndexByte(userPrompt, '{')
	if start < 0 {
		return nil, errors.New("prompt carries no payload")
	}
	var p promptPayload
	if err := json.Unmarshal([]byte(userPrompt[start:]), &p); err != nil {
		return nil, fmt.Errorf("decode prompt payload: %w", err)
	}

	payer := p.Transaction.CounterpartyName
	if payer == "" {
		payer = p.Transaction.Description
	}

	var resp completionResponse
	for _, c := range p.Candidates {
		name := tokenSimilarity(payer, c.BillingName)
		amount := amountCloseness(p.Transaction.Amount, c.Remaining)
		conf := h.NameWeight*name + h.AmountWeight*amount
		if conf <= 0 {
			continue
		}
		resp.Matches = append(resp.Matches, completionMatch{
			InvoiceID:  c.InvoiceID,
			Confidence: roundConfidence(conf),
			Reason:     fmt.Sprintf("name similarity %.2f, amount closeness %.2f", name, amount),
		})
	}
	return json.Marshal(resp)
}

// tokenSimilarity averages, over the billing-name tokens, the best
// normalized edit-distance similarity against any payer token.
func tokenSimilarity(payer, billing string) float64 {
	pt := nameTokens(payer)
	bt := nameTokens(billing)
	if len(pt) == 0 || len(bt) == 0 {
		return 0
	}

	total := 0.0
	for _, b := range bt {
		best := 0.0
		for _, p := range pt {
			longest := max(len([]rune(b)), len([]rune(p)))
			sim := 1 - float64(levenshtein.ComputeDistance(b, p))/float64(longest)
			if sim > best {
				best = sim
			}
		}
		total += best
	}
	return total / float64(len(bt))
}

func nameTokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func amountCloseness(amount, remaining int64) float64 {
	if remaining <= 0 || amount <= 0 {
		return 0
	}
	diff := amount - remaining
	if diff < 0 {
		diff = -diff
	}
	c := 1 - float64(diff)/float64(remaining)
	if c < 0 {
		return 0
	}
	return c
}
