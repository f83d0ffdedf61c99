// Command pipeline-standalone runs a frame analysis pipeline in process
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tendant/simple-frame-pipeline/cmd/pipeline-standalone/commands"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := commands.Root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
