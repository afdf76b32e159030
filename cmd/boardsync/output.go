package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
)

var (
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
)

func printSuccess(format string, args ...any) {
	successColor.Fprintf(os.Stdout, "✓ "+format+"\n", args...)
}

func printError(format string, args ...any) {
	errorColor.Fprintf(os.Stderr, "✗ "+format+"\n", args...)
}

func printWarning(format string, args ...any) {
	warningColor.Fprintf(os.Stderr, "! "+format+"\n", args...)
}

func printInfo(format string, args ...any) {
	infoColor.Fprintf(os.Stdout, format+"\n", args...)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
