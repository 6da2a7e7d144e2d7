// Package plaid reads posted transactions through the Plaid API.
package plaid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"billing-reconciliation-backend/internal/banking"
	"billing-reconciliation-backend/internal/models"
	"billing-reconciliation-backend/internal/money"
	"billing-reconciliation-backend/internal/retry"
)

const (
	ProviderID = "plaid"

	pageSize   = 500
	dateLayout = "2006-01-02"
)

var environments = map[string]string{
	"sandbox":     "https://sandbox.plaid.com",
	"development": "https://development.plaid.com",
	"production":  "https://production.plaid.com",
}

var retryableCodes = map[string]bool{
	"RATE_LIMIT_EXCEEDED":   true,
	"PRODUCT_NOT_READY":     true,
	"INTERNAL_SERVER_ERROR": true,
}

func Spec() banking.ProviderSpec {
	return banking.ProviderSpec{
		ID:             ProviderID,
		DisplayName:    "Plaid",
		RequiredFields: []string{"client_id", "secret", "access_token"},
		New: func(cfg banking.Config, deps banking.Deps) (banking.Adapter, error) {
			return New(cfg, deps)
		},
	}
}

type Adapter struct {
	clientID    string
	secret      string
	accessToken string
	accountID   string
	baseURL     string
	http        *http.Client
	retry       retry.Policy
	logger      *slog.Logger
}

var _ banking.Adapter = (*Adapter)(nil)

// New builds an adapter. Optional config: "environment" (sandbox by
// default), "base_url" and "account_id" to restrict to one account.
func New(cfg banking.Config, deps banking.Deps) (*Adapter, error) {
	deps = deps.WithDefaults()

	base := strings.TrimRight(cfg["base_url"], "/")
	if base == "" {
		env := cfg["environment"]
		if env == "" {
			env = "sandbox"
		}
		var ok bool
		if base, ok = environments[env]; !ok {
			return nil, fmt.Errorf("%w: unknown plaid environment %q", banking.ErrInvalidConfig, env)
		}
	}

	policy := deps.Retry
	policy.Retryable = retry.IsRetryable
	return &Adapter{
		clientID:    cfg["client_id"],
		secret:      cfg["secret"],
		accessToken: cfg["access_token"],
		accountID:   cfg["account_id"],
		baseURL:     base,
		http:        deps.HTTPClient,
		retry:       policy,
		logger:      deps.Logger.With("provider", ProviderID),
	}, nil
}

type transactionsRequest struct {
	ClientID    string              `json:"client_id"`
	Secret      string              `json:"secret"`
	AccessToken string              `json:"access_token"`
	StartDate   string              `json:"start_date"`
	EndDate     string              `json:"end_date"`
	Options     transactionsOptions `json:"options"`
}

type transactionsOptions struct {
	Count      int      `json:"count"`
	Offset     int      `json:"offset"`
	AccountIDs []string `json:"account_ids,omitempty"`
}

type transactionsResponse struct {
	Transactions      []transaction `json:"transactions"`
	TotalTransactions int           `json:"total_transactions"`
}

type transaction struct {
	TransactionID          string          `json:"transaction_id"`
	AccountID              string          `json:"account_id"`
	Amount                 json.Number     `json:"amount"`
	ISOCurrencyCode        string          `json:"iso_currency_code"`
	UnofficialCurrencyCode string          `json:"unofficial_currency_code"`
	Date                   string          `json:"date"`
	Name                   string          `json:"name"`
	MerchantName           string          `json:"merchant_name"`
	Pending                bool            `json:"pending"`
	PaymentMeta            paymentMeta     `json:"payment_meta"`
	raw                    json.RawMessage
}

type paymentMeta struct {
	ReferenceNumber string `json:"reference_number"`
	Payer           string `json:"payer"`
	Payee           string `json:"payee"`
}

func (t *transaction) UnmarshalJSON(b []byte) error {
	type plain transaction
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*t = transaction(p)
	t.raw = append(json.RawMessage(nil), b...)
	return nil
}

type balanceRequest struct {
	ClientID    string          `json:"client_id"`
	Secret      string          `json:"secret"`
	AccessToken string          `json:"access_token"`
	Options     *balanceOptions `json:"options,omitempty"`
}

type balanceOptions struct {
	AccountIDs []string `json:"account_ids"`
}

type balanceResponse struct {
	Accounts []struct {
		AccountID string `json:"account_id"`
		Balances  struct {
			Current                json.Number `json:"current"`
			Available              json.Number `json:"available"`
			ISOCurrencyCode        string      `json:"iso_currency_code"`
			UnofficialCurrencyCode string      `json:"unofficial_currency_code"`
		} `json:"balances"`
	} `json:"accounts"`
}

// APIError is Plaid's error body.
type APIError struct {
	Status       int    `json:"-"`
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("plaid %s/%s (HTTP %d): %s", e.ErrorType, e.ErrorCode, e.Status, e.ErrorMessage)
}

func (a *Adapter) FetchTransactions(ctx context.Context, from, to time.Time) ([]banking.CanonicalTransaction, error) {
	req := transactionsRequest{
		ClientID:    a.clientID,
		Secret:      a.secret,
		AccessToken: a.accessToken,
		StartDate:   from.Format(dateLayout),
		EndDate:     to.Format(dateLayout),
		Options:     transactionsOptions{Count: pageSize},
	}
	if a.accountID != "" {
		req.Options.AccountIDs = []string{a.accountID}
	}

	var out []banking.CanonicalTransaction
	for {
		var page transactionsResponse
		if err := a.post(ctx, "/transactions/get", req, &page); err != nil {
			return nil, banking.NewFetchError(ProviderID, "fetch transactions", err)
		}

		for _, t := range page.Transactions {
			if t.Pending {
				continue
			}
			tx, err := mapTransaction(t)
			if err != nil {
				return nil, banking.NewFetchError(ProviderID, "parse transactions", err)
			}
			out = append(out, tx)
		}

		req.Options.Offset += len(page.Transactions)
		if len(page.Transactions) == 0 || req.Options.Offset >= page.TotalTransactions {
			break
		}
	}

	a.logger.Debug("fetched transactions",
		"from", req.StartDate,
		"to", req.EndDate,
		"transactions", len(out))
	return out, nil
}

func (a *Adapter) GetBalance(ctx context.Context) (banking.Balance, error) {
	req := balanceRequest{ClientID: a.clientID, Secret: a.secret, AccessToken: a.accessToken}
	if a.accountID != "" {
		req.Options = &balanceOptions{AccountIDs: []string{a.accountID}}
	}

	var resp balanceResponse
	if err := a.post(ctx, "/accounts/balance/get", req, &resp); err != nil {
		return banking.Balance{}, banking.NewFetchError(ProviderID, "get balance", err)
	}
	if len(resp.Accounts) == 0 {
		return banking.Balance{}, banking.NewFetchError(ProviderID, "get balance", errors.New("no accounts returned"))
	}

	acct := resp.Accounts[0]
	currency := acct.Balances.ISOCurrencyCode
	if currency == "" {
		currency = acct.Balances.UnofficialCurrencyCode
	}
	amount, err := money.ParseMinor(acct.Balances.Current.String(), currency)
	if err != nil {
		return banking.Balance{}, banking.NewFetchError(ProviderID, "get balance", fmt.Errorf("current balance: %w", err))
	}
	return banking.Balance{Amount: amount, Currency: currency}, nil
}

func (a *Adapter) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	return a.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.http.Do(req)
		if err != nil {
			return retry.MarkRetryable(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.MarkRetryable(fmt.Errorf("read body: %w", err))
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := &APIError{Status: resp.StatusCode}
			if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.ErrorCode == "" {
				apiErr.ErrorType = "HTTP_ERROR"
				apiErr.ErrorCode = http.StatusText(resp.StatusCode)
			}
			if resp.StatusCode >= 500 || retryableCodes[apiErr.ErrorCode] {
				return retry.MarkRetryable(apiErr)
			}
			return apiErr
		}

		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	})
}

func mapTransaction(t transaction) (banking.CanonicalTransaction, error) {
	date, err := time.Parse(dateLayout, t.Date)
	if err != nil {
		return banking.CanonicalTransaction{}, fmt.Errorf("transaction %s: date: %w", t.TransactionID, err)
	}

	currency := t.ISOCurrencyCode
	if currency == "" {
		currency = t.UnofficialCurrencyCode
	}

	// Plaid reports money leaving the account as positive.
	amount, err := money.ParseMinor(t.Amount.String(), currency)
	if err != nil {
		return banking.CanonicalTransaction{}, fmt.Errorf("transaction %s: amount: %w", t.TransactionID, err)
	}
	txType := models.TransactionDebit
	counterparty := t.PaymentMeta.Payee
	if amount < 0 {
		amount = -amount
		txType = models.TransactionCredit
		counterparty = t.PaymentMeta.Payer
	}
	if counterparty == "" {
		counterparty = t.MerchantName
	}
	if counterparty == "" {
		counterparty = t.Name
	}

	return banking.CanonicalTransaction{
		ProviderTransactionID: t.TransactionID,
		Date:                  date,
		Amount:                amount,
		Type:                  txType,
		Currency:              currency,
		CounterpartyName:      counterparty,
		Description:           t.Name,
		ReferenceNumber:       t.PaymentMeta.ReferenceNumber,
		Raw:                   t.raw,
	}, nil
}
