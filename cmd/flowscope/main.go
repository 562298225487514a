package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/obsglobal/flowscope/cmd"
	"github.com/obsglobal/flowscope/internal/observability"
)

// main is the entry point for the flowscope binary.
func main() {
	// Listen for interrupt signals so a long ingest loop shuts down cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
