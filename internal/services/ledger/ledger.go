// Package ledger applies and reverses payments. It is the only writer of
// invoice paid amount, status and paid-at, and of the match columns of
// bank transactions, and keeps them consistent inside one DB transaction.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"billing-reconciliation-backend/internal/models"
	"billing-reconciliation-backend/internal/repository"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyMatched = errors.New("transaction already matched")
	ErrNotMatched     = errors.New("transaction not matched")
)

type Code string

const (
	CodeOK             Code = ""
	CodeNotFound       Code = "NOT_FOUND"
	CodeAlreadyMatched Code = "ALREADY_MATCHED"
	CodeNotMatched     Code = "NOT_MATCHED"
	CodeInternal       Code = "INTERNAL"
)

var (
	ledgerMeter  = otel.Meter("billing-reconciliation/ledger")
	ledgerOps, _ = ledgerMeter.Int64Counter("ledger.operations.total",
		metric.WithDescription("Ledger match and unmatch operations by outcome"))
)

// Result is the outcome of a ledger operation. Failures are reported
// here, never as a panic.
type Result struct {
	Success     bool                    `json:"success"`
	Error       string                  `json:"error,omitempty"`
	Code        Code                    `json:"code,omitempty"`
	Err         error                   `json:"-"`
	Transaction *models.BankTransaction `json:"transaction,omitempty"`
	Invoice     *models.Invoice         `json:"invoice,omitempty"`
	Payment     *models.Payment         `json:"payment,omitempty"`
	// Overpaid is how far the invoice's paid amount exceeds its total.
	Overpaid int64 `json:"overpaid,omitempty"`
}

func failure(err error) Result {
	code := CodeInternal
	switch {
	case errors.Is(err, ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, ErrAlreadyMatched):
		code = CodeAlreadyMatched
	case errors.Is(err, ErrNotMatched):
		code = CodeNotMatched
	}
	return Result{Error: err.Error(), Code: code, Err: err}
}

type MatchRequest struct {
	TransactionID uuid.UUID
	InvoiceID     uuid.UUID
	Method        models.MatchMethod // defaults to MANUAL
	// Confidence is ignored for manual matches, which are always 1.
	Confidence  float64
	Details     any
	PerformedBy string
}

type UnmatchRequest struct {
	TransactionID uuid.UUID
	PerformedBy   string
	Reason        string
}

type Ledger struct {
	db           *gorm.DB
	transactions *repository.BankTransactionRepository
	invoices     *repository.InvoiceRepository
	payments     *repository.PaymentRepository
	audit        *repository.AuditRepository
	logger       *slog.Logger
	now          func() time.Time
}

func New(db *gorm.DB, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		db:           db,
		transactions: repository.NewBankTransactionRepository(db),
		invoices:     repository.NewInvoiceRepository(db),
		payments:     repository.NewPaymentRepository(db),
		audit:        repository.NewAuditRepository(db),
		logger:       logger,
		now:          time.Now,
	}
}

// MatchTransaction applies the transaction's full amount to the invoice.
func (l *Ledger) MatchTransaction(ctx context.Context, req MatchRequest) Result {
	res := l.match(ctx, req)
	l.record(ctx, "match", res)
	return res
}

func (l *Ledger) match(ctx context.Context, req MatchRequest) Result {
	if req.Method == "" {
		req.Method = models.MatchManual
	}
	confidence := clamp(req.Confidence)
	if req.Method == models.MatchManual {
		confidence = 1
	}
	details, err := encodeDetails(req.Details)
	if err != nil {
		return failure(err)
	}

	tx, err := l.transactions.GetByID(ctx, req.TransactionID)
	if err != nil {
		return failure(notFound(err, "transaction %s", req.TransactionID))
	}
	inv, err := l.invoices.GetByID(ctx, req.InvoiceID)
	if err != nil {
		return failure(notFound(err, "invoice %s", req.InvoiceID))
	}
	if inv.TenantID != tx.TenantID {
		return failure(fmt.Errorf("invoice %s: %w", req.InvoiceID, ErrNotFound))
	}
	if tx.IsMatched {
		return failure(fmt.Errorf("transaction %s: %w", tx.ID, ErrAlreadyMatched))
	}

	var (
		out     Result
		wasOpen bool
	)
	err = l.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		txs := l.transactions.WithTx(db)
		invs := l.invoices.WithTx(db)
		pays := l.payments.WithTx(db)

		locked, err := txs.LockByID(ctx, tx.ID)
		if err != nil {
			return notFound(err, "transaction %s", tx.ID)
		}
		if locked.IsMatched {
			return fmt.Errorf("transaction %s: %w", tx.ID, ErrAlreadyMatched)
		}
		inv, err := invs.LockByID(ctx, req.InvoiceID)
		if err != nil {
			return notFound(err, "invoice %s", req.InvoiceID)
		}

		now := l.now()
		ok, err := txs.MarkMatched(ctx, locked.ID, repository.MatchUpdate{
			InvoiceID:  inv.ID,
			Confidence: confidence,
			Method:     req.Method,
			Details:    details,
			MatchedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("mark transaction matched: %w", err)
		}
		if !ok {
			return fmt.Errorf("transaction %s: %w", tx.ID, ErrAlreadyMatched)
		}

		payment := &models.Payment{
			ID:                uuid.New(),
			TenantID:          locked.TenantID,
			InvoiceID:         inv.ID,
			BankTransactionID: locked.ID,
			Amount:            locked.Amount,
			Currency:          locked.Currency,
			Method:            req.Method,
			PreviousStatus:    inv.Status,
			CompletedAt:       now,
		}
		wasOpen = inv.IsOpen()
		if err := pays.Create(ctx, payment); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("transaction %s: %w", tx.ID, ErrAlreadyMatched)
			}
			return fmt.Errorf("create payment: %w", err)
		}

		if err := l.settle(ctx, pays, invs, inv, now, models.InvoiceSent); err != nil {
			return err
		}

		if err := l.audit.WithTx(db).Record(ctx, &models.MatchAuditLog{
			ID:            uuid.New(),
			TenantID:      locked.TenantID,
			TransactionID: locked.ID,
			Action:        models.AuditActionMatch,
			NewInvoice:    &inv.ID,
			Method:        string(req.Method),
			Amount:        locked.Amount,
			PerformedBy:   req.PerformedBy,
			CreatedAt:     now,
		}); err != nil {
			return fmt.Errorf("write audit log: %w", err)
		}

		method := req.Method
		locked.IsMatched = true
		locked.MatchedInvoiceID = &inv.ID
		locked.MatchConfidence = &confidence
		locked.MatchMethod = &method
		locked.MatchedAt = &now
		locked.MatchDetails = details

		out = Result{Success: true, Transaction: locked, Invoice: inv, Payment: payment}
		if over := inv.PaidAmount - inv.Total; over > 0 {
			out.Overpaid = over
		}
		return nil
	})
	if err != nil {
		return failure(err)
	}

	if out.Transaction.Currency != "" && out.Invoice.Currency != "" && out.Transaction.Currency != out.Invoice.Currency {
		l.logger.Warn("matched payment in a different currency",
			"transaction_id", out.Transaction.ID,
			"invoice_id", out.Invoice.ID,
			"transaction_currency", out.Transaction.Currency,
			"invoice_currency", out.Invoice.Currency)
	}
	if !wasOpen {
		l.logger.Warn("matched payment to an invoice that was not open",
			"transaction_id", out.Transaction.ID,
			"invoice_id", out.Invoice.ID,
			"previous_status", out.Payment.PreviousStatus)
	}
	if out.Overpaid > 0 {
		l.logger.Warn("invoice overpaid",
			"invoice_id", out.Invoice.ID,
			"invoice_number", out.Invoice.InvoiceNumber,
			"total", out.Invoice.Total,
			"paid", out.Invoice.PaidAmount,
			"overpaid", out.Overpaid)
	}
	l.logger.Info("transaction matched",
		"transaction_id", out.Transaction.ID,
		"invoice_id", out.Invoice.ID,
		"method", req.Method,
		"amount", out.Payment.Amount,
		"invoice_status", out.Invoice.Status)
	return out
}

// UnmatchTransaction removes the payment created by a match and restores
// the invoice's paid amount from the payments that remain.
func (l *Ledger) UnmatchTransaction(ctx context.Context, req UnmatchRequest) Result {
	res := l.unmatch(ctx, req)
	l.record(ctx, "unmatch", res)
	return res
}

func (l *Ledger) unmatch(ctx context.Context, req UnmatchRequest) Result {
	tx, err := l.transactions.GetByID(ctx, req.TransactionID)
	if err != nil {
		return failure(notFound(err, "transaction %s", req.TransactionID))
	}
	if !tx.IsMatched || tx.MatchedInvoiceID == nil {
		return failure(fmt.Errorf("transaction %s: %w", tx.ID, ErrNotMatched))
	}

	var out Result
	err = l.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		txs := l.transactions.WithTx(db)
		invs := l.invoices.WithTx(db)
		pays := l.payments.WithTx(db)

		locked, err := txs.LockByID(ctx, tx.ID)
		if err != nil {
			return notFound(err, "transaction %s", tx.ID)
		}
		if !locked.IsMatched || locked.MatchedInvoiceID == nil {
			return fmt.Errorf("transaction %s: %w", tx.ID, ErrNotMatched)
		}
		invoiceID := *locked.MatchedInvoiceID

		payment, err := pays.GetByTransaction(ctx, locked.ID)
		switch {
		case err == nil:
			if err := pays.Delete(ctx, payment.ID); err != nil {
				return fmt.Errorf("delete payment: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			l.logger.Warn("matched transaction had no payment row", "transaction_id", locked.ID)
			payment = nil
		default:
			return fmt.Errorf("load payment: %w", err)
		}

		now := l.now()
		ok, err := txs.ClearMatch(ctx, locked.ID, now)
		if err != nil {
			return fmt.Errorf("clear match: %w", err)
		}
		if !ok {
			return fmt.Errorf("transaction %s: %w", tx.ID, ErrNotMatched)
		}

		inv, err := invs.LockByID(ctx, invoiceID)
		if err != nil {
			return notFound(err, "invoice %s", invoiceID)
		}
		revertTo := models.InvoiceSent
		if payment != nil && payment.PreviousStatus != "" && payment.PreviousStatus != models.InvoicePaid {
			revertTo = payment.PreviousStatus
		}
		if err := l.settle(ctx, pays, invs, inv, now, revertTo); err != nil {
			return err
		}

		if err := l.audit.WithTx(db).Record(ctx, &models.MatchAuditLog{
			ID:              uuid.New(),
			TenantID:        locked.TenantID,
			TransactionID:   locked.ID,
			Action:          models.AuditActionUnmatch,
			PreviousInvoice: &invoiceID,
			Method:          methodString(locked.MatchMethod),
			Amount:          locked.Amount,
			PerformedBy:     req.PerformedBy,
			Reason:          req.Reason,
			CreatedAt:       now,
		}); err != nil {
			return fmt.Errorf("write audit log: %w", err)
		}

		locked.IsMatched = false
		locked.MatchedInvoiceID = nil
		locked.MatchConfidence = nil
		locked.MatchMethod = nil
		locked.MatchedAt = nil
		locked.MatchDetails = nil

		out = Result{Success: true, Transaction: locked, Invoice: inv, Payment: payment}
		return nil
	})
	if err != nil {
		return failure(err)
	}

	l.logger.Info("transaction unmatched",
		"transaction_id", out.Transaction.ID,
		"invoice_id", out.Invoice.ID,
		"invoice_status", out.Invoice.Status,
		"paid", out.Invoice.PaidAmount)
	return out
}

// settle recomputes the paid amount from the payment rows and derives
// status and paid-at from it. A PAID invoice that is no longer fully paid
// takes revertTo.
func (l *Ledger) settle(ctx context.Context, pays *repository.PaymentRepository, invs *repository.InvoiceRepository, inv *models.Invoice, now time.Time, revertTo models.InvoiceStatus) error {
	paid, err := pays.SumForInvoice(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("sum payments: %w", err)
	}
	inv.PaidAmount = paid

	if paid >= inv.Total {
		if inv.Status != models.InvoicePaid || inv.PaidAt == nil {
			inv.PaidAt = &now
		}
		inv.Status = models.InvoicePaid
	} else {
		inv.PaidAt = nil
		if inv.Status == models.InvoicePaid {
			inv.Status = revertTo
		}
	}
	inv.UpdatedAt = now

	if err := invs.SavePaymentState(ctx, inv); err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}
	return nil
}

func (l *Ledger) record(ctx context.Context, op string, res Result) {
	outcome := "success"
	if !res.Success {
		outcome = string(res.Code)
	}
	ledgerOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func encodeDetails(d any) (datatypes.JSON, error) {
	switch v := d.(type) {
	case nil:
		return nil, nil
	case datatypes.JSON:
		return v, nil
	case json.RawMessage:
		return datatypes.JSON(v), nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode match details: %w", err)
	}
	return datatypes.JSON(b), nil
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

func methodString(m *models.MatchMethod) string {
	if m == nil {
		return ""
	}
	return string(*m)
}
