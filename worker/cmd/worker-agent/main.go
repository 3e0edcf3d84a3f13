package main

import (
	"context"
	"log"
	"net/http"

	"github.com/example/taskgate/worker/internal/agent"
	"github.com/example/taskgate/worker/internal/config"
	"github.com/example/taskgate/worker/internal/gatewayclient"
)

func main() {
	cfg := config.FromEnv()

	a := agent.New(cfg)
	gw := gatewayclient.New(cfg, a.RunningTasks)

	ctx := context.Background()
	if err := gw.Register(ctx); err != nil {
		log.Fatalf("register with gateway: %v", err)
	}
	go gw.Start(ctx)

	log.Printf("worker agent %s listening on %s", cfg.ServerID, cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, a.Handler()); err != nil {
		log.Fatalf("worker agent failed: %v", err)
	}
}
