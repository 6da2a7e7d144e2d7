package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"billing-reconciliation-backend/internal/services/reconciliation"
)

func newSyncCommand() *cobra.Command {
	var tenant, account string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync bank transactions for one account or every account of a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (tenant == "") == (account == "") {
				return errors.New("exactly one of --tenant or --account is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			var results []reconciliation.SyncResult
			var syncErr error
			if account != "" {
				id, err := uuid.Parse(account)
				if err != nil {
					return fmt.Errorf("invalid account id: %w", err)
				}
				acct, err := a.sync.GetAccount(ctx, id)
				if err != nil {
					return fmt.Errorf("load account: %w", err)
				}
				results = []reconciliation.SyncResult{a.sync.SyncAccount(ctx, acct, nil, nil)}
			} else {
				id, err := uuid.Parse(tenant)
				if err != nil {
					return fmt.Errorf("invalid tenant id: %w", err)
				}
				results, syncErr = a.sync.SyncAllAccounts(ctx, id)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(results); err != nil {
				return err
			}
			if syncErr != nil {
				return syncErr
			}
			for _, r := range results {
				if !r.Success {
					return fmt.Errorf("sync failed for account %s", r.BankAccountID)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id whose autosync accounts to sync")
	cmd.Flags().StringVar(&account, "account", "", "bank account id to sync")
	return cmd
}
