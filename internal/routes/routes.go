package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	handler "billing-reconciliation-backend/internal/handlers"
)

// RegisterRoutes mounts the API under /api and, when metrics is non-nil,
// the Prometheus scrape endpoint at /metrics.
func RegisterRoutes(r *gin.Engine, h *handler.ReconciliationHandler, metrics http.Handler) {
	api := r.Group("/api")

	// Health check
	api.GET("/health", h.Health)

	accounts := api.Group("/bank-accounts")
	accounts.POST("/:id/sync", h.SyncAccount)
	accounts.GET("/:id/sync-runs", h.ListSyncRuns)

	tenants := api.Group("/tenants")
	tenants.POST("/:tenantId/sync", h.SyncTenant)
	tenants.GET("/:tenantId/transactions/unmatched", h.ListUnmatched)

	// Transaction-level routes
	tx := api.Group("/transactions")
	tx.GET("/:id/matches", h.GetMatches)
	tx.POST("/:id/match", h.ManualMatchTransaction)
	tx.POST("/:id/unmatch", h.UnmatchTransaction)

	api.GET("/providers/:provider/fields", h.ProviderFields)

	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
}
