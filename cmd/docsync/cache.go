package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openarchive/docsync/internal/offline/api"
	"github.com/openarchive/docsync/internal/offline/store"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage documents pinned for offline use",
}

var cacheAddCmd = &cobra.Command{
	Use:   "add <document-id>",
	Short: "Download a document and pin it for offline use",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheAdd,
}

var cacheRmCmd = &cobra.Command{
	Use:   "rm <document-id>",
	Short: "Remove a pinned document",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheRm,
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List pinned documents",
	RunE:  runCacheLs,
}

func init() {
	cacheCmd.AddCommand(cacheAddCmd)
	cacheCmd.AddCommand(cacheRmCmd)
	cacheCmd.AddCommand(cacheLsCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("failed to open offline store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	apiClient := api.New(cfg.UpstreamURL, cfg.RequestTimeout)
	doc, err := apiClient.FetchDocument(ctx, args[0])
	if err != nil {
		if errors.Is(err, api.ErrUnreachable) {
			return fmt.Errorf("upstream is unreachable; cannot download %s", args[0])
		}
		return fmt.Errorf("failed to fetch document %s: %w", args[0], err)
	}

	if err := st.PutContext(ctx, doc); err != nil {
		return fmt.Errorf("failed to pin document: %w", err)
	}

	fmt.Printf("Pinned %s (%s, %s)\n", doc.ID, doc.Name, formatBytes(doc.Size))
	return nil
}

func runCacheRm(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("failed to open offline store: %w", err)
	}
	defer st.Close()

	if err := st.Remove(args[0]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("document %s is not pinned", args[0])
		}
		return fmt.Errorf("failed to remove document: %w", err)
	}

	fmt.Printf("Removed %s\n", args[0])
	return nil
}

func runCacheLs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("failed to open offline store: %w", err)
	}
	defer st.Close()

	docs, err := st.ListAll()
	if err != nil {
		return fmt.Errorf("failed to list documents: %w", err)
	}

	if len(docs) == 0 {
		fmt.Println("No documents pinned for offline use.")
		return nil
	}

	for _, doc := range docs {
		fmt.Printf("%-24s %-32s %8s  cached %s\n",
			doc.ID, doc.Name, formatBytes(doc.Size),
			doc.CachedAt.Local().Format("2006-01-02 15:04"))
	}
	fmt.Printf("\n%d document(s)\n", len(docs))
	return nil
}
