package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kaikybrofc/omnizap-relay/internal/bridge"
)

func main() {
	log.SetPrefix("[omnizap-bridge] ")
	log.SetFlags(log.LstdFlags)

	cfg, err := bridge.LoadConfig()
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := bridge.New(cfg)
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("bridge stopped: %v", err)
	}
}
