package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/taskgate/internal/actor"
	"github.com/example/taskgate/internal/state"
	"github.com/example/taskgate/pkg/gateapi"
)

// Fleet owns the per-server instances. The registry drives Initialize and
// Shutdown; the task layer dispatches through ExecuteTask.
type Fleet struct {
	mu        sync.Mutex
	clk       actor.Clock
	store     state.Store
	opts      Options
	balancer  BalancerNotifier
	registry  RegistrySink
	tasks     TaskUpdater
	instances map[string]*Instance
}

func NewFleet(clk actor.Clock, store state.Store, opts Options) *Fleet {
	return &Fleet{
		clk:       clk,
		store:     store,
		opts:      opts,
		instances: make(map[string]*Instance),
	}
}

// Wire closes the interface loops after all actors exist. The task updater
// may arrive later still (the task directory depends on the fleet).
func (f *Fleet) Wire(balancer BalancerNotifier, registry RegistrySink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balancer = balancer
	f.registry = registry
}

func (f *Fleet) SetTaskUpdater(tasks TaskUpdater) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = tasks
}

func (f *Fleet) taskUpdater() TaskUpdater {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks
}

// Initialize creates (or re-runs initialize on) the instance for cfg.ID.
func (f *Fleet) Initialize(ctx context.Context, cfg gateapi.ServerConfig) error {
	f.mu.Lock()
	inst, ok := f.instances[cfg.ID]
	if !ok {
		inst = newInstance(cfg, f.clk, f.store.Namespace("server", cfg.ID), f.opts,
			f.balancer, f.registry, f.taskUpdater)
		f.instances[cfg.ID] = inst
	}
	f.mu.Unlock()
	return inst.Initialize(ctx, cfg)
}

func (f *Fleet) Get(serverID string) (*Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[serverID]
	return inst, ok
}

func (f *Fleet) ExecuteTask(ctx context.Context, serverID, taskID string, req gateapi.TaskRequest, callbackURL string) error {
	inst, ok := f.Get(serverID)
	if !ok {
		return fmt.Errorf("%w: %s", gateapi.ErrNotRegistered, serverID)
	}
	return inst.ExecuteTask(ctx, taskID, req, callbackURL)
}

func (f *Fleet) GetMetrics(serverID string) (gateapi.ServerMetrics, error) {
	inst, ok := f.Get(serverID)
	if !ok {
		return gateapi.ServerMetrics{}, fmt.Errorf("%w: %s", gateapi.ErrNotRegistered, serverID)
	}
	return inst.GetMetrics(), nil
}

func (f *Fleet) SetMaintenanceMode(ctx context.Context, serverID string, enabled bool) error {
	inst, ok := f.Get(serverID)
	if !ok {
		return fmt.Errorf("%w: %s", gateapi.ErrNotRegistered, serverID)
	}
	return inst.SetMaintenanceMode(ctx, enabled)
}

// Shutdown drains and removes the instance. Missing ids are a no-op.
func (f *Fleet) Shutdown(ctx context.Context, serverID string) error {
	f.mu.Lock()
	inst, ok := f.instances[serverID]
	delete(f.instances, serverID)
	f.mu.Unlock()
	if !ok {
		return nil
	}
	return inst.Shutdown(ctx)
}
