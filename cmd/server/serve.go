package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	handler "billing-reconciliation-backend/internal/handlers"
	"billing-reconciliation-backend/internal/logging"
	"billing-reconciliation-backend/internal/migrations"
	"billing-reconciliation-backend/internal/routes"
	"billing-reconciliation-backend/internal/telemetry"
)

func newServeCommand() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if migrate {
				sqlDB, err := a.db.DB()
				if err != nil {
					return err
				}
				if err := migrations.UpWithDB(sqlDB); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}

			gin.SetMode(gin.ReleaseMode)
			r := gin.New()
			r.Use(gin.Recovery())
			// CORS config
			r.Use(cors.New(cors.Config{
				AllowOrigins:     a.cfg.Server.AllowedOrigins,
				AllowMethods:     []string{"GET", "POST", "PUT", "DELETE"},
				AllowHeaders:     []string{"Origin", "Content-Type", "X-Actor"},
				ExposeHeaders:    []string{"Content-Length"},
				AllowCredentials: true,
				MaxAge:           12 * time.Hour,
			}))

			h := handler.NewReconciliationHandler(a.sync, a.ledger, a.factory, logging.Component(a.logger, "http"))
			var metrics http.Handler
			if a.cfg.Telemetry.Metrics {
				metrics = telemetry.MetricsHandler()
			}
			routes.RegisterRoutes(r, h, metrics)

			srv := &http.Server{
				Addr:              ":" + a.cfg.Server.Port,
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("http server listening", "addr", srv.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			a.logger.Info("shutting down http server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}
