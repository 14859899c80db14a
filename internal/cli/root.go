// Package cli implements the procedure-engine command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Run dispatches args to a command, writing results to stdout.
func Run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) < 1 {
		printUsage(stdout)
		return nil
	}
	rest := args[1:]
	switch strings.TrimSpace(args[0]) {
	case "task":
		return runTaskCLI(ctx, rest, stdout)
	case "session":
		return runSessionCLI(ctx, rest, stdout)
	case "worker":
		return runWorker(ctx, rest, stdout)
	case "run":
		return runLocal(ctx, rest, stdout)
	case "queue":
		return runQueueCLI(ctx, rest, stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stdout)
		return fmt.Errorf("unknown command %q", args[0])
	}
}
