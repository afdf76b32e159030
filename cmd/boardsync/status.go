package main

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine state",
	Long:  `Status reports the sync queue state, pending updates, held locks, and stored backups.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := client.Status()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(status)
		return nil
	}

	printInfo("Client:     %s (%s)", status.ClientName, status.ClientID)
	printInfo("Queue:      %s, %d pending", status.QueueState, status.QueuePending)
	if status.SyncProgress.Processed > 0 {
		printInfo("Last sync:  %d processed, %d failed, %d conflicted",
			status.SyncProgress.Processed, status.SyncProgress.Failed, status.SyncProgress.Conflicted)
	}
	printInfo("Locks held: %d", status.LocksHeld)
	printInfo("Entities:   %d", status.Entities)
	printInfo("Backups:    %d", status.Backups)
	return nil
}
