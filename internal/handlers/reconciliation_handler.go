package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"billing-reconciliation-backend/internal/banking"
	"billing-reconciliation-backend/internal/models"
	"billing-reconciliation-backend/internal/services/ledger"
	"billing-reconciliation-backend/internal/services/matching"
	service "billing-reconciliation-backend/internal/services/reconciliation"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
	actorHeader      = "X-Actor"
)

type SyncService interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*models.BankAccount, error)
	SyncAccount(ctx context.Context, account *models.BankAccount, from, to *time.Time) service.SyncResult
	SyncAllAccounts(ctx context.Context, tenantID uuid.UUID) ([]service.SyncResult, error)
	SuggestMatches(ctx context.Context, transactionID uuid.UUID) ([]matching.Suggestion, error)
	ListSyncRuns(ctx context.Context, accountID uuid.UUID, limit int) ([]models.SyncRun, error)
	ListUnmatched(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.BankTransaction, error)
}

type LedgerService interface {
	MatchTransaction(ctx context.Context, req ledger.MatchRequest) ledger.Result
	UnmatchTransaction(ctx context.Context, req ledger.UnmatchRequest) ledger.Result
}

type ProviderCatalog interface {
	RequiredFields(provider string) ([]string, error)
}

type ReconciliationHandler struct {
	service   SyncService
	ledger    LedgerService
	providers ProviderCatalog
	logger    *slog.Logger
}

func NewReconciliationHandler(s SyncService, l LedgerService, p ProviderCatalog, logger *slog.Logger) *ReconciliationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationHandler{service: s, ledger: l, providers: p, logger: logger}
}

func (h *ReconciliationHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SyncAccount accepts an optional {"dateFrom","dateTo"} body with
// YYYY-MM-DD or RFC 3339 dates.
func (h *ReconciliationHandler) SyncAccount(c *gin.Context) {
	id, ok := parseID(c, "id", "invalid bank account ID")
	if !ok {
		return
	}

	var payload struct {
		DateFrom string `json:"dateFrom"`
		DateTo   string `json:"dateTo"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}
	from, err := parseDate(payload.DateFrom)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dateFrom"})
		return
	}
	to, err := parseDate(payload.DateTo)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dateTo"})
		return
	}
	if from != nil && to != nil && from.After(*to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dateFrom is after dateTo"})
		return
	}

	account, err := h.service.GetAccount(c.Request.Context(), id)
	if err != nil {
		h.lookupError(c, err, "bank account not found")
		return
	}

	result := h.service.SyncAccount(c.Request.Context(), account, from, to)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	c.JSON(status, result)
}

func (h *ReconciliationHandler) SyncTenant(c *gin.Context) {
	tenantID, ok := parseID(c, "tenantId", "invalid tenant ID")
	if !ok {
		return
	}

	results, err := h.service.SyncAllAccounts(c.Request.Context(), tenantID)
	if err != nil && results == nil {
		h.logger.Error("tenant sync failed", "tenant_id", tenantID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	body := gin.H{"results": results, "accounts": len(results), "failed": failed}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func (h *ReconciliationHandler) GetMatches(c *gin.Context) {
	id, ok := parseID(c, "id", "invalid transaction ID")
	if !ok {
		return
	}

	suggestions, err := h.service.SuggestMatches(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
			return
		}
		h.logger.Error("suggest matches failed", "transaction_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if suggestions == nil {
		suggestions = []matching.Suggestion{}
	}
	c.JSON(http.StatusOK, gin.H{"data": suggestions})
}

func (h *ReconciliationHandler) ManualMatchTransaction(c *gin.Context) {
	id, ok := parseID(c, "id", "invalid transaction ID")
	if !ok {
		return
	}

	var payload struct {
		InvoiceID string `json:"invoiceId" binding:"required"`
		Note      string `json:"note"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	invoiceID, err := uuid.Parse(payload.InvoiceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice ID"})
		return
	}

	req := ledger.MatchRequest{
		TransactionID: id,
		InvoiceID:     invoiceID,
		Method:        models.MatchManual,
		PerformedBy:   actor(c),
	}
	if payload.Note != "" {
		req.Details = map[string]string{"note": payload.Note}
	}
	h.writeResult(c, h.ledger.MatchTransaction(c.Request.Context(), req))
}

func (h *ReconciliationHandler) UnmatchTransaction(c *gin.Context) {
	id, ok := parseID(c, "id", "invalid transaction ID")
	if !ok {
		return
	}

	var payload struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}

	h.writeResult(c, h.ledger.UnmatchTransaction(c.Request.Context(), ledger.UnmatchRequest{
		TransactionID: id,
		PerformedBy:   actor(c),
		Reason:        payload.Reason,
	}))
}

func (h *ReconciliationHandler) ListSyncRuns(c *gin.Context) {
	id, ok := parseID(c, "id", "invalid bank account ID")
	if !ok {
		return
	}

	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	runs, err := h.service.ListSyncRuns(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs})
}

// ListUnmatched lists the tenant's incoming payments that no invoice has
// claimed yet.
func (h *ReconciliationHandler) ListUnmatched(c *gin.Context) {
	tenantID, ok := parseID(c, "tenantId", "invalid tenant ID")
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	txs, err := h.service.ListUnmatched(c.Request.Context(), tenantID, limit)
	if err != nil {
		h.logger.Error("list unmatched transactions failed", "tenant_id", tenantID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": txs})
}

func (h *ReconciliationHandler) ProviderFields(c *gin.Context) {
	provider := c.Param("provider")
	fields, err := h.providers.RequiredFields(provider)
	if err != nil {
		if errors.Is(err, banking.ErrUnsupportedProvider) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": provider, "requiredFields": fields})
}

func (h *ReconciliationHandler) writeResult(c *gin.Context, res ledger.Result) {
	if res.Success {
		c.JSON(http.StatusOK, res)
		return
	}
	status := http.StatusInternalServerError
	switch res.Code {
	case ledger.CodeNotFound:
		status = http.StatusNotFound
	case ledger.CodeAlreadyMatched, ledger.CodeNotMatched:
		status = http.StatusConflict
	default:
		h.logger.Error("ledger operation failed", "error", res.Err)
	}
	c.JSON(status, res)
}

func (h *ReconciliationHandler) lookupError(c *gin.Context, err error, notFound string) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": notFound})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return 0, false
	}
	return min(n, maxListLimit), true
}

func parseID(c *gin.Context, param, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return uuid.Nil, false
	}
	return id, true
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func actor(c *gin.Context) string {
	if a := c.GetHeader(actorHeader); a != "" {
		return a
	}
	return "api"
}
