package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openarchive/docsync/internal/offline/api"
	"github.com/openarchive/docsync/internal/offline/engine"
	"github.com/openarchive/docsync/internal/offline/events"
	"github.com/openarchive/docsync/internal/offline/store"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass against the upstream",
	Long: `Replay queued changes to the upstream API in creation order.

This is the same pass the running agent performs on its timer; use it
to push pending edits immediately or from a cron job. Changes that fail
stay queued with an incremented retry count.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().Duration("timeout", 2*time.Minute, "overall pass timeout")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	newLogger := newLoggerFactory(cfg)

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("failed to open offline store: %w", err)
	}
	defer st.Close()

	apiClient := api.New(cfg.UpstreamURL, cfg.RequestTimeout)

	eng, err := engine.New(st, apiClient, events.NewBroadcaster(), &engine.Config{
		RetryCeiling: cfg.RetryCeiling,
		BackoffBase:  cfg.BackoffBase,
		BackoffMax:   cfg.BackoffMax,
		SyncInterval: 0, // one-shot; no timer
		Logger:       newLogger("[engine] "),
	})
	if err != nil {
		return fmt.Errorf("failed to create sync engine: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := eng.SyncNow(ctx)
	if err != nil {
		if errors.Is(err, api.ErrUnreachable) {
			return fmt.Errorf("upstream is unreachable; changes remain queued")
		}
		return fmt.Errorf("sync failed: %w", err)
	}
	if result == nil {
		// Another pass was already running (shouldn't happen one-shot).
		return nil
	}

	fmt.Printf("Sync complete: %d applied, %d failed, %d skipped, %d remaining\n",
		result.Applied, result.Failed, result.Skipped, result.Remaining)
	return nil
}
