package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kanbanlab/boardsync/internal/config"
	"github.com/kanbanlab/boardsync/internal/engine"
	"github.com/kanbanlab/boardsync/internal/events"
)

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool

	cfg    *config.Config
	logger *events.Logger
	client *engine.Client
)

var rootCmd = &cobra.Command{
	Use:   "boardsync",
	Short: "Offline-tolerant sync engine for collaborative task boards",
	Long: `Boardsync keeps a local task board responsive while changes
synchronize in the background: edits apply optimistically, conflicts are
merged or surfaced, field locks coordinate concurrent editors, and
snapshots guard against crashes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.NewLoader(cfgFile).Load()
		if err != nil {
			return err
		}
		if verbose {
			cfg.Log.Level = "debug"
		}

		logger, err = events.NewLogger(&cfg.Log)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}

		client, err = engine.New(cfg, engine.Options{Logger: logger})
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if client != nil {
			return client.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file path (default searches ./.boardsync, ~/.config/boardsync)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
}
