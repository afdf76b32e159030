package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/kanbanlab/boardsync/internal/backup"
	"github.com/kanbanlab/boardsync/internal/models"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore engine state from a snapshot",
	Long: `Restore replaces stored entity baselines with the snapshot's.
Pending update records are skipped unless --include-updates is set;
replaying them can resubmit writes the server already accepted.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

var restoreIncludeUpdates bool

func init() {
	rootCmd.AddCommand(restoreCmd)

	restoreCmd.Flags().BoolVar(&restoreIncludeUpdates, "include-updates", false,
		"Also restore and re-queue pending update records")
}

func runRestore(cmd *cobra.Command, args []string) error {
	rec, err := client.Backups().Restore(args[0], client, backup.RestoreOptions{
		IncludeUpdates: restoreIncludeUpdates,
	})

	var mismatch *models.ChecksumMismatchError
	corrupt := errors.As(err, &mismatch)
	if err != nil && !corrupt {
		return err
	}

	if jsonOutput {
		printJSON(map[string]any{
			"backup_id":         rec.ID,
			"include_updates":   restoreIncludeUpdates,
			"checksum_mismatch": corrupt,
		})
		return nil
	}

	if corrupt {
		printWarning("Backup %s failed checksum verification; data may be corrupt", rec.ID)
	}
	printSuccess("Restored backup %s", rec.ID)
	return nil
}
