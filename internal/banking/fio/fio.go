// Package fio reads account statements from the Fio banka direct-banking
// REST API.
package fio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"


	"billing-reconciliation-backend/internal/banking"
	"billing-reconciliation-backend/internal/models"
	"billing-reconciliation-backend/internal/money"
	"billing-reconciliation-backend/internal/retry"
)

const (
	ProviderID     = "fio"
	DefaultBaseURL = "https://fioapi.fio.cz/v1/rest"

	periodLayout = "2006-01-02"
	dateLayout   = "2006-01-02-0700"

	// balanceMaxAge bounds how long a closing balance taken from a
	// statement ending today is served without another request.
	balanceMaxAge = 5 * time.Minute
)

// Spec registers the adapter with a banking.Factory.
func Spec() banking.ProviderSpec {
	return banking.ProviderSpec{
		ID:             ProviderID,
		DisplayName:    "Fio banka",
		RequiredFields: []string{"token"},
		New: func(cfg banking.Config, deps banking.Deps) (banking.Adapter, error) {
			return New(cfg, deps), nil
		},
	}
}

type Adapter struct {
	token   string
	baseURL string
	http    *http.Client
	retry   retry.Policy
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	balance   *banking.Balance
	balanceAt time.Time
}

var _ banking.Adapter = (*Adapter)(nil)

// New builds an adapter. cfg["base_url"] overrides the API root.
func New(cfg banking.Config, deps banking.Deps) *Adapter {
	deps = deps.WithDefaults()
	base := strings.TrimRight(cfg["base_url"], "/")
	if base == "" {
		base = DefaultBaseURL
	}
	policy := deps.Retry
	policy.Retryable = retry.IsRetryable
	return &Adapter{
		token:   cfg["token"],
		baseURL: base,
		http:    deps.HTTPClient,
		retry:   policy,
		logger:  deps.Logger.With("provider", ProviderID),
		now:     time.Now,
	}
}

type statementResponse struct {
	AccountStatement struct {
		Info            statementInfo `json:"info"`
		TransactionList struct {
			Transaction []map[string]*column `json:"transaction"`
		} `json:"transactionList"`
	} `json:"accountStatement"`
}

type statementInfo struct {
	AccountID      string      `json:"accountId"`
	Currency       string      `json:"currency"`
	ClosingBalance json.Number `json:"closingBalance"`
}

// column is Fio's {"value":..., "name":..., "id":...} cell. Absent
// columns are null.
type column struct {
	Value json.RawMessage `json:"value"`
	Name  string          `json:"name"`
	ID    int             `json:"id"`
}

func (c *column) str() string {
	if c == nil || len(c.Value) == 0 || string(c.Value) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.Value, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(c.Value))
}

func (a *Adapter) FetchTransactions(ctx context.Context, from, to time.Time) ([]banking.CanonicalTransaction, error) {
	stmt, err := a.statement(ctx, from, to)
	if err != nil {
		return nil, banking.NewFetchError(ProviderID, "fetch transactions", err)
	}

	a.rememberBalance(stmt.AccountStatement.Info, to)

	rows := stmt.AccountStatement.TransactionList.Transaction
	out := make([]banking.CanonicalTransaction, 0, len(rows))
	for i, row := range rows {
		tx, err := mapTransaction(row, stmt.AccountStatement.Info.Currency)
		if err != nil {
			return nil, banking.NewFetchError(ProviderID, "parse transactions", fmt.Errorf("row %d: %w", i, err))
		}
		out = append(out, tx)
	}

	a.logger.Debug("fetched statement",
		"from", from.Format(periodLayout),
		"to", to.Format(periodLayout),
		"transactions", len(out))
	return out, nil
}

// GetBalance serves the closing balance of a recent statement that ran up
// to today, so a sync does not hit the per-token rate limit twice.
// Otherwise it requests a today..today statement.
func (a *Adapter) GetBalance(ctx context.Context) (banking.Balance, error) {
	if bal, ok := a.cachedBalance(); ok {
		return bal, nil
	}

	today := a.now()
	stmt, err := a.statement(ctx, today, today)
	if err != nil {
		return banking.Balance{}, banking.NewFetchError(ProviderID, "get balance", err)
	}
	bal, err := balanceOf(stmt.AccountStatement.Info)
	if err != nil {
		return banking.Balance{}, banking.NewFetchError(ProviderID, "get balance", err)
	}
	a.storeBalance(bal)
	return bal, nil
}

func (a *Adapter) rememberBalance(info statementInfo, to time.Time) {
	if to.Format(periodLayout) < a.now().Format(periodLayout) {
		return
	}
	bal, err := balanceOf(info)
	if err != nil {
		a.logger.Debug("statement without usable closing balance", "error", err)
		return
	}
	a.storeBalance(bal)
}

func (a *Adapter) storeBalance(bal banking.Balance) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance = &bal
	a.balanceAt = a.now()
}

func (a *Adapter) cachedBalance() (banking.Balance, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.balance == nil || a.now().Sub(a.balanceAt) > balanceMaxAge {
		return banking.Balance{}, false
	}
	return *a.balance, true
}

func balanceOf(info statementInfo) (banking.Balance, error) {
	amount, err := parseAmount(info.ClosingBalance.String(), info.Currency)
	if err != nil {
		return banking.Balance{}, err
	}
	return banking.Balance{Amount: amount, Currency: info.Currency}, nil
}

func (a *Adapter) statement(ctx context.Context, from, to time.Time) (*statementResponse, error) {
	endpoint := fmt.Sprintf("%s/periods/%s/%s/%s/transactions.json",
		a.baseURL,
		url.PathEscape(a.token),
		from.Format(periodLayout),
		to.Format(periodLayout))

	var stmt statementResponse
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := a.http.Do(req)
		if err != nil {
			return retry.MarkRetryable(redact(err))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.MarkRetryable(fmt.Errorf("read body: %w", err))
		}

		switch {
		case resp.StatusCode == http.StatusConflict:
			// Fio allows one request per token every 30 seconds.
			return retry.MarkRetryable(fmt.Errorf("rate limited (HTTP %d)", resp.StatusCode))
		case resp.StatusCode >= 500:
			return retry.MarkRetryable(fmt.Errorf("server error (HTTP %d)", resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		stmt = statementResponse{}
		if err := json.Unmarshal(body, &stmt); err != nil {
			return fmt.Errorf("decode statement: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stmt, nil
}

func mapTransaction(row map[string]*column, statementCurrency string) (banking.CanonicalTransaction, error) {
	id := row["column22"].str()
	if id == "" {
		return banking.CanonicalTransaction{}, errors.New("missing transaction id")
	}

	date, err := time.Parse(dateLayout, row["column0"].str())
	if err != nil {
		return banking.CanonicalTransaction{}, fmt.Errorf("transaction %s: date: %w", id, err)
	}

	currency := row["column14"].str()
	if currency == "" {
		currency = statementCurrency
	}

	signed, err := parseAmount(row["column1"].str(), currency)
	if err != nil {
		return banking.CanonicalTransaction{}, fmt.Errorf("transaction %s: amount: %w", id, err)
	}
	txType := models.TransactionCredit
	if signed < 0 {
		txType = models.TransactionDebit
		signed = -signed
	}

	account := row["column2"].str()
	if bank := row["column3"].str(); account != "" && bank != "" {
		account += "/" + bank
	}

	description := row["column16"].str()
	if description == "" {
		description = row["column25"].str()
	}

	raw, err := json.Marshal(row)
	if err != nil {
		return banking.CanonicalTransaction{}, fmt.Errorf("transaction %s: raw: %w", id, err)
	}

	return banking.CanonicalTransaction{
		ProviderTransactionID: id,
		Date:                  date,
		Amount:                signed,
		Type:                  txType,
		Currency:              currency,
		CounterpartyName:      row["column10"].str(),
		CounterpartyAccount:   account,
		Description:           description,
		VariableSymbol:        row["column5"].str(),
		SpecificSymbol:        row["column6"].str(),
		ConstantSymbol:        row["column4"].str(),
		Raw:                   raw,
	}, nil
}

func parseAmount(s, currency string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty amount")
	}
	return money.ParseMinor(s, currency)
}

// redact drops the request URL, which embeds the API token.
func redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s request: %w", ue.Op, ue.Err)
	}
	return err
}
