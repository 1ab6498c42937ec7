package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openarchive/docsync/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter docsync.yaml",
	Long: `Write a docsync.yaml populated with the built-in defaults so the
settings are easy to discover and edit. Refuses to overwrite an
existing file unless --force is given.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().Bool("force", false, "overwrite an existing config file")
	initCmd.Flags().String("upstream", "", "upstream API base URL to record")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	upstream, _ := cmd.Flags().GetString("upstream")

	path := configPath
	if path == "" {
		path = "docsync.yaml"
	}

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.Default()
	if upstream != "" {
		cfg.UpstreamURL = upstream
	}

	if err := cfg.Save(path); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Edit it, then start the agent with: docsync run")
	return nil
}
