// Package registry is the source of truth for fleet membership. A single
// instance exists per gateway, addressed as "global".
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/taskgate/internal/actor"
	"github.com/example/taskgate/internal/state"
	"github.com/example/taskgate/pkg/gateapi"
)

// InstanceSupervisor creates and tears down per-server instances.
type InstanceSupervisor interface {
	Initialize(ctx context.Context, cfg gateapi.ServerConfig) error
	Shutdown(ctx context.Context, serverID string) error
}

// RebalanceNotifier is poked after membership changes. Failures are logged
// and swallowed; rebalance is self-healing.
type RebalanceNotifier interface {
	Rebalance(ctx context.Context) error
}

type Filter struct {
	Status string
	Group  string
	MaxAge time.Duration
}

type Options struct {
	StaleThreshold  time.Duration
	CleanupInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 5 * time.Minute
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Minute
	}
	return o
}

type entry struct {
	Config        gateapi.ServerConfig    `json:"config"`
	Status        string                  `json:"status"`
	RegisteredAt  time.Time               `json:"registered_at"`
	LastHeartbeat time.Time               `json:"last_heartbeat"`
	Report        gateapi.HeartbeatReport `json:"report"`
}

type Registry struct {
	mu      sync.Mutex
	servers map[string]*entry
	groups  map[string]map[string]struct{}

	supervisor InstanceSupervisor
	balancer   RebalanceNotifier
	opts       Options
	clk        actor.Clock
	kv         state.KV
	timer      *actor.Timer
}

func New(clk actor.Clock, kv state.KV, opts Options) *Registry {
	r := &Registry{
		servers: make(map[string]*entry),
		groups:  make(map[string]map[string]struct{}),
		opts:    opts.withDefaults(),
		clk:     clk,
		kv:      kv,
		timer:   actor.NewTimer(clk),
	}
	r.recover()
	return r
}

// Wire attaches collaborators and starts the stale-cleanup loop.
func (r *Registry) Wire(supervisor InstanceSupervisor, balancer RebalanceNotifier) {
	r.mu.Lock()
	r.supervisor = supervisor
	r.balancer = balancer
	r.mu.Unlock()
	r.timer.Arm(r.opts.CleanupInterval, r.onCleanupTimer)
}

func (r *Registry) recover() {
	ctx := context.Background()
	if _, err := state.GetJSON(ctx, r.kv, "servers", &r.servers); err != nil {
		log.Printf("registry recover servers failed: %v", err)
	}
	if _, err := state.GetJSON(ctx, r.kv, "groups", &r.groups); err != nil {
		log.Printf("registry recover groups failed: %v", err)
	}
	if r.servers == nil {
		r.servers = make(map[string]*entry)
	}
	if r.groups == nil {
		r.groups = make(map[string]map[string]struct{})
	}
}

// RegisterServer instantiates the server instance and records membership.
// Repeated registration with the same id re-runs initialize.
func (r *Registry) RegisterServer(ctx context.Context, cfg gateapi.ServerConfig) (string, error) {
	if cfg.ID == "" {
		cfg.ID = "server-" + uuid.NewString()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}

	if err := r.supervisor.Initialize(ctx, cfg); err != nil {
		return "", fmt.Errorf("initialize server %s: %w", cfg.ID, err)
	}

	now := r.clk.Now().UTC()
	r.mu.Lock()
	if old, ok := r.servers[cfg.ID]; ok {
		r.removeFromGroupsLocked(cfg.ID, old.Config.Groups)
	}
	r.servers[cfg.ID] = &entry{
		Config:        cfg,
		Status:        gateapi.ServerOnline,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	for _, g := range cfg.Groups {
		set, ok := r.groups[g]
		if !ok {
			set = make(map[string]struct{})
			r.groups[g] = set
		}
		set[cfg.ID] = struct{}{}
	}
	r.persistLocked(ctx)
	r.mu.Unlock()

	log.Printf("registry server=%s status=%s registered", cfg.ID, gateapi.ServerOnline)
	r.notifyRebalance()
	return cfg.ID, nil
}

// UnregisterServer removes a server. Unknown ids are a no-op; shutdown
// failures do not block removal, membership is the authority here.
func (r *Registry) UnregisterServer(ctx context.Context, serverID string) error {
	if err := r.supervisor.Shutdown(ctx, serverID); err != nil {
		log.Printf("registry server=%s shutdown failed: %v", serverID, err)
	}

	r.mu.Lock()
	e, ok := r.servers[serverID]
	if ok {
		r.removeFromGroupsLocked(serverID, e.Config.Groups)
		delete(r.servers, serverID)
		r.persistLocked(ctx)
	}
	r.mu.Unlock()

	if ok {
		log.Printf("registry server=%s unregistered", serverID)
		r.notifyRebalance()
	}
	return nil
}

// GetAvailableServers reclassifies stale servers to offline, then returns
// the (optionally filtered) fleet with derived timing fields.
func (r *Registry) GetAvailableServers(ctx context.Context, filter Filter) []gateapi.ServerInfo {
	now := r.clk.Now().UTC()

	r.mu.Lock()
	changed := false
	for id, e := range r.servers {
		if e.Status != gateapi.ServerOffline && now.Sub(e.LastHeartbeat) > r.opts.StaleThreshold {
			e.Status = gateapi.ServerOffline
			changed = true
			log.Printf("registry server=%s status=%s stale heartbeat", id, gateapi.ServerOffline)
		}
	}
	if changed {
		r.persistLocked(ctx)
	}

	out := make([]gateapi.ServerInfo, 0, len(r.servers))
	for id, e := range r.servers {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Group != "" {
			if _, ok := r.groups[filter.Group][id]; !ok {
				continue
			}
		}
		if filter.MaxAge > 0 && now.Sub(e.LastHeartbeat) > filter.MaxAge {
			continue
		}
		out = append(out, gateapi.ServerInfo{
			ServerConfig:         e.Config,
			Status:               e.Status,
			RegisteredAt:         e.RegisteredAt,
			LastHeartbeat:        e.LastHeartbeat,
			UptimeMillis:         now.Sub(e.RegisteredAt).Milliseconds(),
			SinceHeartbeatMillis: now.Sub(e.LastHeartbeat).Milliseconds(),
			LastReport:           e.Report,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnlineServers implements the balancer's fleet view.
func (r *Registry) OnlineServers(ctx context.Context) ([]gateapi.ServerInfo, error) {
	return r.GetAvailableServers(ctx, Filter{Status: gateapi.ServerOnline}), nil
}

func (r *Registry) UpdateHeartbeat(serverID string) error {
	return r.heartbeat(serverID, nil)
}

// RecordHeartbeatReport is a heartbeat that also carries the worker's
// sampled load; the report surfaces on the fleet listing.
func (r *Registry) RecordHeartbeatReport(serverID string, report gateapi.HeartbeatReport) error {
	return r.heartbeat(serverID, &report)
}

func (r *Registry) heartbeat(serverID string, report *gateapi.HeartbeatReport) error {
	ctx := context.Background()
	now := r.clk.Now().UTC()

	r.mu.Lock()
	e, ok := r.servers[serverID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", gateapi.ErrNotRegistered, serverID)
	}
	e.LastHeartbeat = now
	if report != nil {
		e.Report = *report
	}
	cameBack := e.Status == gateapi.ServerOffline
	if cameBack {
		e.Status = gateapi.ServerOnline
	}
	r.persistLocked(ctx)
	r.mu.Unlock()

	if cameBack {
		log.Printf("registry server=%s status=%s heartbeat revived", serverID, gateapi.ServerOnline)
		r.notifyRebalance()
	}
	return nil
}

// UpdateServerStatus records a status transition driven by the server
// instance. Unknown ids are ignored: the instance may already be removed.
func (r *Registry) UpdateServerStatus(serverID, status string) {
	ctx := context.Background()

	r.mu.Lock()
	e, ok := r.servers[serverID]
	if !ok || e.Status == status {
		r.mu.Unlock()
		return
	}
	e.Status = status
	r.persistLocked(ctx)
	r.mu.Unlock()

	log.Printf("registry server=%s status=%s", serverID, status)
	r.notifyRebalance()
}

// CleanupStaleServers removes servers whose heartbeat exceeded the stale
// threshold and returns the removed ids.
func (r *Registry) CleanupStaleServers(ctx context.Context) []string {
	now := r.clk.Now().UTC()

	r.mu.Lock()
	removed := make([]string, 0)
	for id, e := range r.servers {
		if now.Sub(e.LastHeartbeat) > r.opts.StaleThreshold {
			r.removeFromGroupsLocked(id, e.Config.Groups)
			delete(r.servers, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		r.persistLocked(ctx)
	}
	r.mu.Unlock()

	for _, id := range removed {
		log.Printf("registry server=%s removed as stale", id)
		if err := r.supervisor.Shutdown(ctx, id); err != nil {
			log.Printf("registry server=%s shutdown failed: %v", id, err)
		}
	}
	if len(removed) > 0 {
		r.notifyRebalance()
	}
	sort.Strings(removed)
	return removed
}

func (r *Registry) onCleanupTimer() {
	r.CleanupStaleServers(context.Background())
	r.timer.Arm(r.opts.CleanupInterval, r.onCleanupTimer)
}

func (r *Registry) notifyRebalance() {
	go func() {
		if err := r.balancer.Rebalance(context.Background()); err != nil {
			log.Printf("registry rebalance notification failed: %v", err)
		}
	}()
}

func (r *Registry) removeFromGroupsLocked(serverID string, groups []string) {
	for _, g := range groups {
		if set, ok := r.groups[g]; ok {
			delete(set, serverID)
			if len(set) == 0 {
				delete(r.groups, g)
			}
		}
	}
}

func (r *Registry) persistLocked(ctx context.Context) {
	servers, serr := json.Marshal(r.servers)
	groups, gerr := json.Marshal(r.groups)
	if serr != nil || gerr != nil {
		log.Printf("registry persist marshal failed: %v %v", serr, gerr)
		return
	}
	if err := r.kv.PutMany(ctx, map[string][]byte{"servers": servers, "groups": groups}); err != nil {
		log.Printf("registry persist failed: %v", err)
	}
}
