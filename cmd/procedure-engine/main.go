package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/PipeOpsHQ/procedure-engine/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cli.Run(ctx, os.Args[1:], os.Stdout); err != nil {
		stop()
		log.Fatal(err)
	}
}
