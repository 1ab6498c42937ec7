package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/openarchive/docsync/internal/offline/api"
	"github.com/openarchive/docsync/internal/offline/store"
)

var (
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, queue, and cache state",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Bool("verbose", false, "list queued changes")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	verbose, _ := cmd.Flags().GetBool("verbose")

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("failed to open offline store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	apiClient := api.New(cfg.UpstreamURL, cfg.RequestTimeout)
	reachable := apiClient.Ping(ctx) == nil

	if reachable {
		fmt.Printf("%s %s\n", labelStyle.Render("Upstream:"), onlineStyle.Render("online"))
	} else {
		fmt.Printf("%s %s\n", labelStyle.Render("Upstream:"), offlineStyle.Render("offline"))
	}
	fmt.Printf("%s %s\n", labelStyle.Render("URL:     "), cfg.UpstreamURL)

	usage, err := st.UsageContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to read store usage: %w", err)
	}
	fmt.Printf("%s %d documents (%s)\n", labelStyle.Render("Cached:  "),
		usage.DocumentCount, formatBytes(usage.TotalBytes))

	pending, err := st.PendingChangeCountContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to read pending changes: %w", err)
	}
	fmt.Printf("%s %d queued change(s)\n", labelStyle.Render("Pending: "), pending)

	if verbose && pending > 0 {
		changes, err := st.ListPendingChangesContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to list pending changes: %w", err)
		}
		fmt.Println()
		for _, ch := range changes {
			line := fmt.Sprintf("  %-6s %-24s retries=%d queued=%s",
				ch.Kind, ch.DocumentID, ch.RetryCount,
				ch.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			if ch.RetryCount >= cfg.RetryCeiling {
				line += "  (retry ceiling reached)"
			}
			fmt.Println(dimStyle.Render(line))
		}
	}

	return nil
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
