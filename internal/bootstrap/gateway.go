// Package bootstrap assembles the actor graph from configuration and
// closes the interface loops between registry, balancer, fleet and tasks.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/benbjohnson/clock"

	"github.com/example/taskgate/internal/api"
	"github.com/example/taskgate/internal/balancer"
	"github.com/example/taskgate/internal/config"
	"github.com/example/taskgate/internal/registry"
	"github.com/example/taskgate/internal/server"
	"github.com/example/taskgate/internal/state"
	"github.com/example/taskgate/internal/stats"
	"github.com/example/taskgate/internal/task"
)

type Gateway struct {
	API   *api.Server
	close []func() error
}

func (g *Gateway) Close() {
	for _, fn := range g.close {
		if err := fn(); err != nil {
			log.Printf("gateway close: %v", err)
		}
	}
}

func NewGateway(cfg config.Config) (*Gateway, error) {
	clk := clock.New()
	store := state.NewMemoryStore()

	var table state.TaskTable = state.NoopTaskTable{}
	if cfg.TasksTableDSN != "" {
		pg, err := state.NewPostgresTaskTable(cfg.TasksTableDSN)
		if err != nil {
			return nil, fmt.Errorf("tasks table: %w", err)
		}
		table = pg
	}

	bal := balancer.New(clk, store.Namespace("loadbalancer", "global"))
	fleet := server.NewFleet(clk, store, server.Options{
		MinCheckInterval: cfg.MinHealthCheckInterval,
		MaxCheckInterval: cfg.MaxHealthCheckInterval,
	})
	reg := registry.New(clk, store.Namespace("registry", "global"), registry.Options{
		StaleThreshold:  cfg.StaleThreshold,
		CleanupInterval: cfg.CleanupInterval,
	})
	statsDir := stats.NewDirectory(clk, store)
	tasks := task.NewDirectory(clk, store, table, bal, fleet, statsDir, task.Options{
		TaskTimeout:  cfg.TaskTimeout,
		CleanupDelay: cfg.CleanupDelay,
		MaxRetries:   cfg.MaxRetries,
		CallbackBase: strings.TrimRight(cfg.WorkerURL, "/"),
	})

	fleet.Wire(bal, reg)
	fleet.SetTaskUpdater(tasks)
	bal.Wire(reg)
	reg.Wire(fleet, bal)

	if fleetCfgs, err := config.LoadFleetFile(cfg.FleetFile); err != nil {
		return nil, err
	} else {
		for _, sc := range fleetCfgs {
			id, err := reg.RegisterServer(context.Background(), sc)
			if err != nil {
				log.Printf("fleet file server %s registration failed: %v", sc.Name, err)
				continue
			}
			log.Printf("fleet file server=%s registered", id)
		}
	}

	return &Gateway{
		API:   api.NewServer(reg, fleet, bal, tasks, statsDir, cfg.JWTSecret),
		close: []func() error{table.Close},
	}, nil
}
