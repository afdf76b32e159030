package main

import (
	"github.com/spf13/cobra"

	"github.com/kanbanlab/boardsync/internal/models"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage state snapshots",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a snapshot of current engine state",
	RunE:  runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots",
	RunE:  runBackupList,
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <backup-id>",
	Short: "Delete one snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupDelete,
}

var backupDescription string

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupDeleteCmd)

	backupCreateCmd.Flags().StringVarP(&backupDescription, "description", "d", "",
		"Snapshot description")
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	rec, err := client.Backups().Snapshot(models.BackupManual, backupDescription)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]any{
			"backup_id": rec.ID,
			"timestamp": rec.Timestamp,
			"checksum":  rec.Checksum,
		})
		return nil
	}

	updates, locks, entities := rec.Payload.Counts()
	printSuccess("Created backup %s (%d updates, %d locks, %d entities)",
		rec.ID, updates, locks, entities)
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	records, err := client.Backups().List()
	if err != nil {
		return err
	}

	if jsonOutput {
		type entry struct {
			ID          string `json:"id"`
			Type        string `json:"type"`
			Description string `json:"description,omitempty"`
			Timestamp   string `json:"timestamp"`
		}
		out := make([]entry, 0, len(records))
		for _, rec := range records {
			out = append(out, entry{
				ID:          rec.ID,
				Type:        string(rec.Type),
				Description: rec.Description,
				Timestamp:   rec.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			})
		}
		printJSON(out)
		return nil
	}

	if len(records) == 0 {
		printInfo("No backups stored")
		return nil
	}
	for _, rec := range records {
		desc := rec.Description
		if desc != "" {
			desc = " - " + desc
		}
		printInfo("%s  %-14s  %s%s",
			rec.Timestamp.Format("2006-01-02 15:04:05"), rec.Type, rec.ID, desc)
	}
	return nil
}

func runBackupDelete(cmd *cobra.Command, args []string) error {
	if err := client.Backups().Delete(args[0]); err != nil {
		return err
	}
	if jsonOutput {
		printJSON(map[string]any{"deleted": args[0]})
		return nil
	}
	printSuccess("Deleted backup %s", args[0])
	return nil
}
