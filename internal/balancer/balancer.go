// Package balancer ranks candidate servers for dispatch. A single instance
// exists per gateway, addressed as "global".
package balancer

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/example/taskgate/internal/actor"
	"github.com/example/taskgate/internal/observability"
	"github.com/example/taskgate/internal/state"
	"github.com/example/taskgate/pkg/gateapi"
)

const rebalanceInterval = 30 * time.Second

// FleetView is the registry's read surface. Calls may suspend; the balancer
// never holds its lock across them.
type FleetView interface {
	OnlineServers(ctx context.Context) ([]gateapi.ServerInfo, error)
}

type SelectionCriteria struct {
	TaskType             string
	Priority             int
	RequiredCapabilities []string
}

type serverEntry struct {
	Metrics   gateapi.ServerMetrics `json:"metrics"`
	UpdatedAt time.Time             `json:"updated_at"`
}

type Balancer struct {
	mu        sync.Mutex
	algorithm string
	weights   map[string]int
	loads     map[string]int
	entries   map[string]*serverEntry
	healthy   map[string]struct{}
	rrCursor  int

	fleet FleetView
	clk   actor.Clock
	kv    state.KV
	timer *actor.Timer
}

func New(clk actor.Clock, kv state.KV) *Balancer {
	b := &Balancer{
		algorithm: gateapi.AlgorithmRoundRobin,
		weights:   make(map[string]int),
		loads:     make(map[string]int),
		entries:   make(map[string]*serverEntry),
		healthy:   make(map[string]struct{}),
		clk:       clk,
		kv:        kv,
		timer:     actor.NewTimer(clk),
	}
	b.recover()
	return b
}

// Wire attaches the registry view and starts the periodic rebalance.
func (b *Balancer) Wire(fleet FleetView) {
	b.mu.Lock()
	b.fleet = fleet
	b.mu.Unlock()
	b.timer.Arm(rebalanceInterval, b.onRebalanceTimer)
}

func (b *Balancer) recover() {
	ctx := context.Background()
	if raw, ok, err := b.kv.Get(ctx, "algorithm"); err == nil && ok {
		if alg := string(raw); gateapi.IsValidAlgorithm(alg) {
			b.algorithm = alg
		}
	}
	if _, err := state.GetJSON(ctx, b.kv, "weights", &b.weights); err != nil {
		log.Printf("balancer recover weights failed: %v", err)
	}
	if b.weights == nil {
		b.weights = make(map[string]int)
	}
}

// SelectServer refreshes the healthy set, filters candidates and applies
// the configured algorithm. It returns "" when nothing qualifies and never
// fails: selection errors degrade to "no server".
func (b *Balancer) SelectServer(ctx context.Context, criteria SelectionCriteria) string {
	b.refreshHealthy(ctx)

	b.mu.Lock()
	candidates := b.candidatesLocked(criteria)
	if len(candidates) == 0 {
		b.mu.Unlock()
		return ""
	}
	selected := b.applyAlgorithmLocked(candidates)
	if selected == "" {
		b.mu.Unlock()
		return ""
	}
	b.loads[selected]++
	b.mu.Unlock()

	go b.persist()
	return selected
}

func (b *Balancer) refreshHealthy(ctx context.Context) {
	b.mu.Lock()
	fleet := b.fleet
	b.mu.Unlock()
	if fleet == nil {
		return
	}
	servers, err := fleet.OnlineServers(ctx)
	if err != nil {
		// Stale healthy set beats no selection at all.
		log.Printf("balancer healthy refresh failed: %v", err)
		return
	}
	b.mu.Lock()
	b.resetHealthyLocked(servers)
	b.mu.Unlock()
}

func (b *Balancer) resetHealthyLocked(servers []gateapi.ServerInfo) {
	observability.HealthyServers(len(servers))
	b.healthy = make(map[string]struct{}, len(servers))
	for _, info := range servers {
		b.healthy[info.ID] = struct{}{}
		if _, ok := b.entries[info.ID]; !ok {
			b.entries[info.ID] = &serverEntry{
				Metrics: gateapi.ServerMetrics{
					ServerID:      info.ID,
					SuccessRate:   1.0,
					Healthy:       true,
					Capabilities:  info.Capabilities,
					MaxConcurrent: info.MaxConcurrent,
				},
				UpdatedAt: b.clk.Now().UTC(),
			}
			b.weights[info.ID] = 5
		}
	}
}

func (b *Balancer) candidatesLocked(criteria SelectionCriteria) []string {
	out := make([]string, 0, len(b.healthy))
	for id := range b.healthy {
		e, ok := b.entries[id]
		if !ok {
			continue
		}
		if e.Metrics.MaxConcurrent > 0 && b.loads[id] >= e.Metrics.MaxConcurrent {
			continue
		}
		if !hasAllCapabilities(e.Metrics.Capabilities, criteria.RequiredCapabilities) {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *Balancer) applyAlgorithmLocked(candidates []string) string {
	switch b.algorithm {
	case gateapi.AlgorithmRoundRobin:
		return b.roundRobinLocked(candidates, false)
	case gateapi.AlgorithmWeightedRoundRobin:
		return b.roundRobinLocked(candidates, true)
	case gateapi.AlgorithmLeastConnections:
		return b.leastConnectionsLocked(candidates)
	case gateapi.AlgorithmResponseTime:
		return b.responseTimeLocked(candidates)
	case gateapi.AlgorithmRandom:
		return candidates[rand.Intn(len(candidates))]
	default:
		return b.roundRobinLocked(candidates, false)
	}
}

func (b *Balancer) roundRobinLocked(candidates []string, weighted bool) string {
	expanded := make([]string, 0, len(candidates))
	for _, id := range candidates {
		copies := 1
		if weighted {
			copies = b.weights[id]
			if copies < 0 {
				copies = 0
			}
		}
		for i := 0; i < copies; i++ {
			expanded = append(expanded, id)
		}
	}
	if len(expanded) == 0 {
		return ""
	}
	selected := expanded[b.rrCursor%len(expanded)]
	b.rrCursor++
	return selected
}

func (b *Balancer) leastConnectionsLocked(candidates []string) string {
	best := ""
	bestLoad := 0
	for _, id := range candidates {
		load := b.loads[id]
		if best == "" || load < bestLoad {
			best = id
			bestLoad = load
		}
	}
	return best
}

func (b *Balancer) responseTimeLocked(candidates []string) string {
	best := ""
	bestTime := 0.0
	bestKnown := false
	for _, id := range candidates {
		e := b.entries[id]
		known := e.Metrics.TasksProcessed > 0
		avg := e.Metrics.AvgResponseMillis
		switch {
		case best == "":
			best, bestTime, bestKnown = id, avg, known
		case known && !bestKnown:
			best, bestTime, bestKnown = id, avg, known
		case known && bestKnown && avg < bestTime:
			best, bestTime, bestKnown = id, avg, known
		}
	}
	return best
}

// UpdateServerMetrics merges a pushed snapshot, recomputes the weight and
// adjusts the healthy set and load counter.
func (b *Balancer) UpdateServerMetrics(serverID string, m gateapi.ServerMetrics) {
	b.mu.Lock()
	e, ok := b.entries[serverID]
	if !ok {
		e = &serverEntry{}
		b.entries[serverID] = e
	}
	taskCompleted := m.TaskCompleted
	m.TaskCompleted = false
	e.Metrics = m
	e.UpdatedAt = b.clk.Now().UTC()
	b.weights[serverID] = computeWeight(m)
	if m.Healthy {
		b.healthy[serverID] = struct{}{}
	} else {
		delete(b.healthy, serverID)
	}
	if taskCompleted && b.loads[serverID] > 0 {
		b.loads[serverID]--
	}
	b.mu.Unlock()

	go b.persist()
}

func (b *Balancer) MarkServerUnhealthy(serverID string) {
	b.mu.Lock()
	delete(b.healthy, serverID)
	b.weights[serverID] = 0
	b.mu.Unlock()
	log.Printf("balancer server=%s marked unhealthy", serverID)
	go b.persist()
}

// Rebalance re-reads the fleet, resets the healthy set and prunes state
// for servers that no longer exist.
func (b *Balancer) Rebalance(ctx context.Context) error {
	b.mu.Lock()
	fleet := b.fleet
	b.mu.Unlock()
	if fleet == nil {
		return nil
	}
	servers, err := fleet.OnlineServers(ctx)
	if err != nil {
		return err
	}
	present := make(map[string]struct{}, len(servers))
	for _, info := range servers {
		present[info.ID] = struct{}{}
	}

	b.mu.Lock()
	b.resetHealthyLocked(servers)
	for id := range b.entries {
		if _, ok := present[id]; !ok {
			delete(b.entries, id)
			delete(b.weights, id)
			delete(b.loads, id)
		}
	}
	b.mu.Unlock()

	go b.persist()
	return nil
}

func (b *Balancer) onRebalanceTimer() {
	if err := b.Rebalance(context.Background()); err != nil {
		log.Printf("balancer rebalance failed: %v", err)
	}
	b.timer.Arm(rebalanceInterval, b.onRebalanceTimer)
}

func (b *Balancer) SetAlgorithm(algorithm string) error {
	if !gateapi.IsValidAlgorithm(algorithm) {
		return gateapi.ErrValidation
	}
	b.mu.Lock()
	b.algorithm = algorithm
	b.rrCursor = 0
	b.mu.Unlock()
	log.Printf("balancer algorithm=%s", algorithm)
	go b.persist()
	return nil
}

func (b *Balancer) Status() gateapi.LoadBalancerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	healthy := make([]string, 0, len(b.healthy))
	for id := range b.healthy {
		healthy = append(healthy, id)
	}
	sort.Strings(healthy)
	loads := make(map[string]int, len(b.loads))
	for id, load := range b.loads {
		loads[id] = load
	}
	return gateapi.LoadBalancerStatus{
		Algorithm:      b.algorithm,
		HealthyServers: healthy,
		ServerLoads:    loads,
	}
}

func (b *Balancer) persist() {
	ctx := context.Background()
	b.mu.Lock()
	entries := make(map[string][]byte, 4)
	entries["algorithm"] = []byte(b.algorithm)
	weights, werr := json.Marshal(b.weights)
	loads, lerr := json.Marshal(b.loads)
	healthy := make([]string, 0, len(b.healthy))
	for id := range b.healthy {
		healthy = append(healthy, id)
	}
	sort.Strings(healthy)
	healthyRaw, herr := json.Marshal(healthy)
	b.mu.Unlock()
	if werr != nil || lerr != nil || herr != nil {
		log.Printf("balancer persist marshal failed: %v %v %v", werr, lerr, herr)
		return
	}
	entries["weights"] = weights
	entries["loads"] = loads
	entries["healthyServers"] = healthyRaw
	if err := b.kv.PutMany(ctx, entries); err != nil {
		log.Printf("balancer persist failed: %v", err)
	}
}

// computeWeight favors high success rates and sub-second responses; it
// falls monotonically as either degrades.
func computeWeight(m gateapi.ServerMetrics) int {
	responseScore := 10 - m.AvgResponseMillis/1000
	if responseScore < 0 {
		responseScore = 0
	}
	return int(math.Round((m.SuccessRate*10 + responseScore) / 2))
}

func hasAllCapabilities(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, c := range want {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
