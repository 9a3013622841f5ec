// Package main starts the council deliberation service and handles
// termination.
//
// The process is a fold boundary around the orchestration event stream: it
// owns session state and the real-time surface while agent execution stays
// with the orchestration backend.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	councilcmd "github.com/datacendia/council/internal/cmd/council"
)

func main() {
	cfg, err := councilcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[COUNCIL] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := councilcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
