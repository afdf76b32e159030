package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kanbanlab/boardsync/internal/backup"
	"github.com/kanbanlab/boardsync/internal/models"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import engine state from an exported file",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var (
	importFormat         string
	importIncludeUpdates bool
)

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVarP(&importFormat, "format", "f", "",
		"Import format: json or csv (default inferred from extension)")
	importCmd.Flags().BoolVar(&importIncludeUpdates, "include-updates", false,
		"Also adopt and re-queue imported update records")
}

func runImport(cmd *cobra.Command, args []string) error {
	path := args[0]

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read import: %w", err)
	}

	format := backup.ExportFormat(importFormat)
	if format == "" {
		if strings.HasSuffix(path, ".csv") {
			format = backup.FormatCSV
		} else {
			format = backup.FormatJSON
		}
	}

	err = client.Backups().Import(data, format, client, backup.RestoreOptions{
		IncludeUpdates: importIncludeUpdates,
	})

	var mismatch *models.ChecksumMismatchError
	corrupt := errors.As(err, &mismatch)
	if err != nil && !corrupt {
		return err
	}

	if jsonOutput {
		printJSON(map[string]any{
			"path":              path,
			"format":            format,
			"checksum_mismatch": corrupt,
		})
		return nil
	}

	if corrupt {
		printWarning("Imported data failed checksum verification; contents may be corrupt")
	}
	printSuccess("Imported %s", path)
	return nil
}
