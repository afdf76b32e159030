package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/kanbanlab/boardsync/internal/events"
	"github.com/kanbanlab/boardsync/internal/syncq"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the pending update queue",
	Long: `Sync pushes every pending optimistic update to the remote API in
order, one at a time, retrying transient failures with backoff. Press
Ctrl-C to stop; the in-flight item finishes first.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		printWarning("\nSync interrupted, cancelling...")
		client.Queue().Cancel()
		cancel()
	}()

	if _, err := client.Start(ctx); err != nil {
		return err
	}

	unsub := client.Bus().Subscribe(events.EventSyncItemProcessed, func(evt events.Event) {
		item, ok := evt.Payload.(syncq.ItemEvent)
		if !ok || jsonOutput {
			return
		}
		switch item.Status {
		case syncq.ItemCompleted:
			printSuccess("%s synced", item.UpdateID)
		case syncq.ItemConflicted:
			printWarning("%s conflicted", item.UpdateID)
		case syncq.ItemFailed:
			printError("%s failed: %s", item.UpdateID, item.Error)
		}
	})
	defer unsub()

	if err := client.Sync(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	progress := client.Queue().Progress()
	if jsonOutput {
		printJSON(progress)
		return nil
	}

	printSuccess("Sync complete: %d processed, %d failed, %d conflicted",
		progress.Processed, progress.Failed, progress.Conflicted)
	return nil
}
