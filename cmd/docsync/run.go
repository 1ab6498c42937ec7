package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openarchive/docsync/internal/offline/api"
	"github.com/openarchive/docsync/internal/offline/cache"
	"github.com/openarchive/docsync/internal/offline/client"
	"github.com/openarchive/docsync/internal/offline/engine"
	"github.com/openarchive/docsync/internal/offline/events"
	"github.com/openarchive/docsync/internal/offline/notify"
	"github.com/openarchive/docsync/internal/offline/probe"
	"github.com/openarchive/docsync/internal/offline/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the offline-sync agent",
	Long: `Start the agent: the caching proxy, the connectivity probe, the
background sync engine, and the WebSocket notify server.

The proxy serves the web UI and the document API through the offline
cache. Point the UI at the proxy address instead of the upstream:

  docsync run                          # proxy on :8780, notify on :8787
  docsync run --listen :9000           # custom proxy address

Stop with Ctrl+C; queued changes survive restarts.`,
	RunE: runAgent,
}

func init() {
	runCmd.Flags().String("listen", "", "proxy listen address (overrides config)")
	runCmd.Flags().String("notify", "", "notify server address (overrides config)")
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
		cfg.ListenAddr = addr
	}
	if addr, _ := cmd.Flags().GetString("notify"); addr != "" {
		cfg.NotifyAddr = addr
	}

	newLogger := newLoggerFactory(cfg)
	logger := newLogger("[docsync] ")

	// Durable layer first: everything else hangs off the store.
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("failed to open offline store: %w", err)
	}
	defer st.Close()

	if err := st.InitSchema(); err != nil {
		return fmt.Errorf("failed to initialize offline store: %w", err)
	}

	bus := events.NewBroadcaster()
	apiClient := api.New(cfg.UpstreamURL, cfg.RequestTimeout)

	mgr, err := cache.New(&cache.Config{
		UpstreamURL:     cfg.UpstreamURL,
		CacheRoot:       cfg.CacheRoot(),
		Version:         cfg.CacheVersion,
		APIPrefix:       cfg.APIPrefix,
		CacheableRoutes: cfg.CacheableRoutes,
		StaticDir:       cfg.StaticDir,
		ShellAssets:     cfg.ShellAssets,
		Client:          &http.Client{Timeout: cfg.RequestTimeout},
		Logger:          newLogger("[cache] "),
	})
	if err != nil {
		return fmt.Errorf("failed to create cache manager: %w", err)
	}

	// Install precaches the shell and activates the current namespace
	// version, purging stale ones.
	if err := mgr.Install(); err != nil {
		return fmt.Errorf("failed to install cache: %w", err)
	}
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("failed to start cache manager: %w", err)
	}
	defer mgr.Stop()

	eng, err := engine.New(st, apiClient, bus, &engine.Config{
		RetryCeiling: cfg.RetryCeiling,
		BackoffBase:  cfg.BackoffBase,
		BackoffMax:   cfg.BackoffMax,
		SyncInterval: cfg.SyncInterval,
		Logger:       newLogger("[engine] "),
	})
	if err != nil {
		return fmt.Errorf("failed to create sync engine: %w", err)
	}
	eng.Start()
	defer eng.Stop()

	watcher := probe.New(apiClient, bus, &probe.Config{
		Interval: cfg.ProbeInterval,
		Timeout:  cfg.RequestTimeout,
		Logger:   newLogger("[probe] "),
	})
	watcher.Start()
	defer watcher.Stop()

	facade, err := client.New(st, eng, mgr, watcher, bus, newLogger("[client] "))
	if err != nil {
		return fmt.Errorf("failed to create client facade: %w", err)
	}
	facade.Start()
	defer facade.Stop()

	notifySrv, err := notify.NewServer(facade, bus, &notify.Config{
		Addr:   cfg.NotifyAddr,
		Logger: newLogger("[notify] "),
	})
	if err != nil {
		return fmt.Errorf("failed to create notify server: %w", err)
	}
	if err := notifySrv.Start(); err != nil {
		return fmt.Errorf("failed to start notify server: %w", err)
	}
	defer notifySrv.Stop()

	proxy := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mgr,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("Proxy listening on %s (upstream %s)", cfg.ListenAddr, cfg.UpstreamURL)
		if err := proxy.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	fmt.Printf("docsync agent started\n")
	fmt.Printf("  Proxy:  http://localhost%s\n", cfg.ListenAddr)
	fmt.Printf("  Notify: ws://localhost%s/ws\n", cfg.NotifyAddr)
	fmt.Println("\nPress Ctrl+C to stop...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Printf("Received signal %v, shutting down", sig)
	case err := <-errCh:
		logger.Printf("Proxy error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := proxy.Shutdown(shutdownCtx); err != nil {
		logger.Printf("Proxy shutdown error: %v", err)
	}

	return nil
}
