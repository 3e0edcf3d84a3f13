package main

import (
	"context"
	"log"
	"net/http"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/taskgate/internal/bootstrap"
	"github.com/example/taskgate/internal/config"
	"github.com/example/taskgate/internal/observability"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	shutdownTracing, err := observability.InitTracingFromEnv("taskgate-gateway")
	if err != nil {
		log.Fatalf("tracing init: %v", err)
	}
	defer func() {
		_ = shutdownTracing(context.Background())
	}()

	gw, err := bootstrap.NewGateway(cfg)
	if err != nil {
		log.Fatalf("bootstrap gateway: %v", err)
	}
	defer gw.Close()

	log.Printf("taskgate gateway listening on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, gw.API.Handler()); err != nil {
		log.Fatalf("gateway failed: %v", err)
	}
}
