// Package utils provides utility functions for CLI commands in Depker.
package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/depker/depker/cmd/output"
)

// HandleCommandError logs and prints a failed command, then exits with status 1
func HandleCommandError(operation string, err error, context ...any) {
	ReportCommandError(os.Stderr, operation, err, context...)
	os.Exit(1)
}

// ReportCommandError logs err and writes the user facing message to w
func ReportCommandError(w io.Writer, operation string, err error, context ...any) {
	slog.Error("Command failed", append([]any{"operation", operation, "error", err}, context...)...)
	_, _ = fmt.Fprint(w, output.PrintMessage(output.Error, "Error: %s failed: %v", operation, err))
}

// ParseDeployID validates a deploy id given on the command line
func ParseDeployID(operation, input string) (uint, error) {
	id, err := strconv.ParseUint(input, 10, 64)
	if err != nil || id == 0 {
		slog.Warn("Invalid deploy ID provided", "operation", operation, "input", input)
		return 0, fmt.Errorf("invalid deploy ID '%s': must be a positive integer", input)
	}
	return uint(id), nil
}
