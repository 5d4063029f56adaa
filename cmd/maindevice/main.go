package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	maindevicecmd "github.com/tillworks/cashsync/internal/cmd/maindevice"
)

func main() {
	log.SetPrefix("[MAIN] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := maindevicecmd.Run(ctx, os.Args[1:]); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
