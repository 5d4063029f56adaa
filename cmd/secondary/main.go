package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	secondarycmd "github.com/tillworks/cashsync/internal/cmd/secondary"
)

func main() {
	log.SetPrefix("[SECONDARY] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := secondarycmd.Run(ctx, os.Args[1:]); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
