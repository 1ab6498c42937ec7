package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/openarchive/docsync/internal/offline/store"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all cached documents and cached responses",
	Long: `Delete every pinned document and purge the response cache.

Queued changes are NOT deleted: edits made offline are never dropped by
a cache clear and will still sync on the next pass.`,
	RunE: runClear,
}

func init() {
	clearCmd.Flags().Bool("force", false, "skip the confirmation prompt")
	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("failed to open offline store: %w", err)
	}
	defer st.Close()

	usage, err := st.Usage()
	if err != nil {
		return fmt.Errorf("failed to read store usage: %w", err)
	}

	if !force {
		var confirmed bool
		prompt := huh.NewConfirm().
			Title(fmt.Sprintf("Delete %d cached document(s) (%s)?",
				usage.DocumentCount, formatBytes(usage.TotalBytes))).
			Description("Queued changes are kept and will still sync.").
			Affirmative("Delete").
			Negative("Cancel").
			Value(&confirmed)

		if err := prompt.Run(); err != nil {
			return fmt.Errorf("confirmation failed: %w", err)
		}
		if !confirmed {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := st.Clear(); err != nil {
		return fmt.Errorf("failed to clear documents: %w", err)
	}

	if err := os.RemoveAll(cfg.CacheRoot()); err != nil {
		return fmt.Errorf("failed to purge response cache: %w", err)
	}

	fmt.Printf("Cleared %d document(s); pending changes kept.\n", usage.DocumentCount)
	return nil
}
