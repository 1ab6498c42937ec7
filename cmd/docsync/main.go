// docsync is a local offline-sync agent for the document archive.
//
// It keeps a working copy of documents in a local SQLite store, serves the
// web UI through a caching proxy that survives upstream outages, and replays
// queued changes to the upstream API whenever connectivity returns.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/openarchive/docsync/internal/config"
	"github.com/openarchive/docsync/internal/logging"
)

var (
	configPath string
	dataDir    string

	version = "0.3.0"
)

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Offline-first sync agent for the document archive",
	Long: `docsync keeps documents available while the upstream API is unreachable.

It runs a local caching proxy in front of the upstream, stores pinned
documents in a SQLite database, queues edits made while offline, and
replays them in order once the upstream comes back.

Common workflow:
  docsync init                 # write a starter docsync.yaml
  docsync run                  # start the agent (proxy + sync daemon)
  docsync cache add <doc-id>   # pin a document for offline use
  docsync status               # show connectivity, queue, and cache state
  docsync sync                 # force a sync pass now`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./docsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the data directory")
}

// loadConfig reads configuration honoring the persistent flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

// newLoggerFactory builds the shared component-logger factory.
func newLoggerFactory(cfg *config.Config) func(prefix string) *log.Logger {
	return logging.Setup(cfg.LogFile)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
