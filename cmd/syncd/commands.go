package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, config, cleanup, err := openClient(opts)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := client.Start(ctx); err != nil {
				return fmt.Errorf("failed to start sync engine: %w", err)
			}

			server := &http.Server{
				Addr:              addr,
				Handler:           newHandler(client),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				errCh <- server.ListenAndServe()
			}()

			log.Printf("[SYNCD] Serving on %s (client: %s, local: %s, remote: %s, collections: %v)",
				addr, client.ClientID(), config.LocalStore.Type, config.Remote.Type, client.Collections())

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("HTTP server failed: %w", err)
				}
			case <-ctx.Done():
				log.Printf("[SYNCD] Received shutdown signal")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	return cmd
}

func newPruneCommand(opts *rootOptions) *cobra.Command {
	var quota bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete synced records past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, cleanup, err := openClient(opts)
			if err != nil {
				return err
			}
			defer cleanup()

			if quota {
				exceeded, err := client.CheckStorageQuota(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "quota exceeded: %v\n", exceeded)
				return nil
			}

			deleted, err := client.PruneOldData(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records\n", deleted)
			return nil
		},
	}

	cmd.Flags().BoolVar(&quota, "quota", false, "prune only when storage exceeds the configured quota")
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queued and failed operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, cleanup, err := openClient(opts)
			if err != nil {
				return err
			}
			defer cleanup()

			pending, err := client.PendingOperations(cmd.Context())
			if err != nil {
				return err
			}
			failed, err := client.FailedOperations(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"clientId": client.ClientID(),
				"pending":  pending,
				"failed":   failed,
			})
		},
	}
}
