// Package server hosts the per-server actor: runtime health state, the
// adaptive health-check loop, and dispatch to the backend worker.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/taskgate/internal/actor"
	"github.com/example/taskgate/internal/observability"
	"github.com/example/taskgate/internal/state"
	"github.com/example/taskgate/pkg/gateapi"
)

const (
	predictTimeout  = 30 * time.Second
	healthTimeout   = 5 * time.Second
	drainTimeout    = 30 * time.Second
	drainPoll       = 1 * time.Second
	maxIdle         = 1 * time.Hour
	healthScoreMax  = 100
	offlineFailures = 3
	recoverySuccess = 3
)

// BalancerNotifier receives fire-and-forget metric pushes. Implementations
// must not call back into the instance synchronously.
type BalancerNotifier interface {
	UpdateServerMetrics(serverID string, m gateapi.ServerMetrics)
	MarkServerUnhealthy(serverID string)
}

// RegistrySink receives heartbeats and status transitions so the fleet
// view tracks each instance's runtime state.
type RegistrySink interface {
	UpdateHeartbeat(serverID string) error
	UpdateServerStatus(serverID, status string)
}

// TaskUpdater lets the synchronous dispatch path complete a task.
type TaskUpdater interface {
	UpdateTask(ctx context.Context, taskID string, upd gateapi.TaskUpdate) (gateapi.Task, error)
}

type Options struct {
	MinCheckInterval time.Duration
	MaxCheckInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MinCheckInterval <= 0 {
		o.MinCheckInterval = 5 * time.Second
	}
	if o.MaxCheckInterval <= 0 {
		o.MaxCheckInterval = 60 * time.Second
	}
	return o
}

type runtimeMetrics struct {
	TasksProcessed int64 `json:"tasks_processed"`
	Successes      int64 `json:"successes"`
	Failures       int64 `json:"failures"`
	TotalDuration  int64 `json:"total_duration_ms"`
}

type Instance struct {
	mu            sync.Mutex
	cfg           gateapi.ServerConfig
	status        string
	healthScore   int
	consecFails   int
	consecOKs     int
	checkInterval time.Duration
	lastActivity  time.Time
	active        map[string]struct{}
	metrics       runtimeMetrics

	opts     Options
	clk      actor.Clock
	kv       state.KV
	timer    *actor.Timer
	client   *http.Client
	balancer BalancerNotifier
	registry RegistrySink
	tasks    func() TaskUpdater
}

func newInstance(cfg gateapi.ServerConfig, clk actor.Clock, kv state.KV, opts Options,
	balancer BalancerNotifier, registry RegistrySink, tasks func() TaskUpdater) *Instance {
	opts = opts.withDefaults()
	return &Instance{
		cfg:           cfg,
		status:        gateapi.ServerInitializing,
		healthScore:   healthScoreMax,
		checkInterval: opts.MinCheckInterval,
		lastActivity:  clk.Now().UTC(),
		active:        make(map[string]struct{}),
		opts:          opts,
		clk:           clk,
		kv:            kv,
		timer:         actor.NewTimer(clk),
		client:        &http.Client{},
		balancer:      balancer,
		registry:      registry,
		tasks:         tasks,
	}
}

func (s *Instance) ID() string { return s.cfg.ID }

// Initialize stores the config, brings the instance online, schedules the
// first health check and seeds the load balancer with a metrics snapshot.
func (s *Instance) Initialize(ctx context.Context, cfg gateapi.ServerConfig) error {
	s.mu.Lock()
	s.cfg = cfg
	s.status = gateapi.ServerOnline
	s.checkInterval = s.opts.MinCheckInterval
	s.lastActivity = s.clk.Now().UTC()
	if err := s.persistLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	snapshot := s.metricsLocked()
	s.mu.Unlock()

	log.Printf("server id=%s status=%s initialized", cfg.ID, gateapi.ServerOnline)
	s.timer.Arm(s.opts.MinCheckInterval, s.onHealthTimer)
	go s.balancer.UpdateServerMetrics(cfg.ID, snapshot)
	return nil
}

// ExecuteTask dispatches one task to the backend worker. The synchronous
// path completes the task itself; the asynchronous path relies on the
// worker's callback.
func (s *Instance) ExecuteTask(ctx context.Context, taskID string, req gateapi.TaskRequest, callbackURL string) error {
	s.mu.Lock()
	if s.status != gateapi.ServerOnline {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: server %s is %s", gateapi.ErrServerUnavailable, s.cfg.ID, status)
	}
	if len(s.active) >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		return fmt.Errorf("%w: server %s", gateapi.ErrAtCapacity, s.cfg.ID)
	}
	s.active[taskID] = struct{}{}
	started := s.clk.Now().UTC()
	predictURL := s.cfg.Endpoints.Predict
	apiKey := s.cfg.APIKey
	s.mu.Unlock()

	ctx, span := observability.StartSpan(ctx, "server.execute_task",
		attribute.String("server.id", s.cfg.ID),
		attribute.String("task.id", taskID),
	)
	defer span.End()

	result, err := s.postPredict(ctx, predictURL, apiKey, gateapi.PredictRequest{
		TaskID:      taskID,
		Request:     req,
		CallbackURL: callbackURL,
	}, req.Async)

	elapsed := s.clk.Now().UTC().Sub(started)
	s.mu.Lock()
	delete(s.active, taskID)
	s.lastActivity = s.clk.Now().UTC()
	s.metrics.TasksProcessed++
	s.metrics.TotalDuration += elapsed.Milliseconds()
	if err != nil {
		s.metrics.Failures++
	} else {
		s.metrics.Successes++
	}
	snapshot := s.metricsLocked()
	s.mu.Unlock()

	// TaskCompleted releases the balancer's in-flight slot for this server.
	snapshot.TaskCompleted = true
	go s.balancer.UpdateServerMetrics(s.cfg.ID, snapshot)

	if err != nil {
		observability.DispatchFailed(s.cfg.ID)
		return err
	}
	if !req.Async && s.tasks != nil {
		if updater := s.tasks(); updater != nil {
			go func() {
				if _, uerr := updater.UpdateTask(context.Background(), taskID, gateapi.TaskUpdate{
					Status: gateapi.TaskCompleted,
					Result: result,
				}); uerr != nil {
					log.Printf("server id=%s task=%s sync completion failed: %v", s.cfg.ID, taskID, uerr)
				}
			}()
		}
	}
	return nil
}

func (s *Instance) postPredict(ctx context.Context, url, apiKey string, body gateapi.PredictRequest, async bool) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, predictTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predict request to %s failed: %w", s.cfg.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("predict request to %s failed with status %s", s.cfg.ID, resp.Status)
	}
	if async {
		return nil, nil
	}
	out, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("predict response from %s unreadable: %w", s.cfg.ID, err)
	}
	return out, nil
}

// PerformHealthCheck probes the health endpoint. A 2xx body whose serverId
// does not match the registered id counts as a failure: the peer is not the
// peer we registered.
func (s *Instance) PerformHealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Endpoints.Health, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	var health gateapi.HealthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&health); err != nil {
		return false
	}
	return health.ServerID == s.cfg.ID
}

func (s *Instance) onHealthTimer() {
	ctx := context.Background()

	s.mu.Lock()
	idle := s.clk.Now().UTC().Sub(s.lastActivity) > maxIdle && len(s.active) == 0
	s.mu.Unlock()

	if idle {
		log.Printf("server id=%s idle beyond %s, shutting down", s.cfg.ID, maxIdle)
		if err := s.Shutdown(ctx); err != nil {
			log.Printf("server id=%s idle shutdown failed: %v", s.cfg.ID, err)
		}
		return
	}

	healthy := s.PerformHealthCheck(ctx)

	s.mu.Lock()
	if healthy {
		s.consecFails = 0
		s.consecOKs++
		s.healthScore += 5
		if s.healthScore > healthScoreMax {
			s.healthScore = healthScoreMax
		}
		if s.status == gateapi.ServerDegraded && s.consecOKs >= recoverySuccess {
			s.status = gateapi.ServerOnline
			log.Printf("server id=%s status=%s recovered", s.cfg.ID, s.status)
			go s.registry.UpdateServerStatus(s.cfg.ID, gateapi.ServerOnline)
		}
		s.checkInterval = time.Duration(float64(s.checkInterval) * 1.2)
		if s.checkInterval > s.opts.MaxCheckInterval {
			s.checkInterval = s.opts.MaxCheckInterval
		}
	} else {
		s.consecOKs = 0
		s.consecFails++
		s.healthScore -= 10
		if s.healthScore < 0 {
			s.healthScore = 0
		}
		prev := s.status
		if s.consecFails >= offlineFailures {
			s.status = gateapi.ServerOffline
		} else if s.status != gateapi.ServerMaintenance {
			s.status = gateapi.ServerDegraded
		}
		if s.status != prev {
			go s.registry.UpdateServerStatus(s.cfg.ID, s.status)
		}
		log.Printf("server id=%s status=%s health check failed (consecutive=%d score=%d)",
			s.cfg.ID, s.status, s.consecFails, s.healthScore)
		s.checkInterval = time.Duration(float64(s.checkInterval) / 1.5)
		if s.checkInterval < s.opts.MinCheckInterval {
			s.checkInterval = s.opts.MinCheckInterval
		}
	}
	if err := s.persistLocked(ctx); err != nil {
		log.Printf("server id=%s persist failed: %v", s.cfg.ID, err)
	}
	interval := s.checkInterval
	snapshot := s.metricsLocked()
	s.mu.Unlock()

	if healthy {
		go func() {
			if err := s.registry.UpdateHeartbeat(s.cfg.ID); err != nil {
				log.Printf("server id=%s heartbeat propagation failed: %v", s.cfg.ID, err)
			}
		}()
	}
	go s.balancer.UpdateServerMetrics(s.cfg.ID, snapshot)

	s.timer.Arm(interval, s.onHealthTimer)
}

func (s *Instance) GetMetrics() gateapi.ServerMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metricsLocked()
}

func (s *Instance) metricsLocked() gateapi.ServerMetrics {
	rate := 1.0
	if s.metrics.TasksProcessed > 0 {
		rate = float64(s.metrics.Successes) / float64(s.metrics.TasksProcessed)
	}
	avg := 0.0
	if s.metrics.TasksProcessed > 0 {
		avg = float64(s.metrics.TotalDuration) / float64(s.metrics.TasksProcessed)
	}
	return gateapi.ServerMetrics{
		ServerID:          s.cfg.ID,
		TasksProcessed:    s.metrics.TasksProcessed,
		Successes:         s.metrics.Successes,
		Failures:          s.metrics.Failures,
		SuccessRate:       rate,
		AvgResponseMillis: avg,
		HealthScore:       s.healthScore,
		ActiveTasks:       len(s.active),
		Status:            s.status,
		Healthy:           s.status == gateapi.ServerOnline,
		Capabilities:      s.cfg.Capabilities,
		MaxConcurrent:     s.cfg.MaxConcurrent,
	}
}

func (s *Instance) SetMaintenanceMode(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	if enabled {
		s.status = gateapi.ServerMaintenance
	} else {
		s.status = gateapi.ServerOnline
	}
	if err := s.persistLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	status := s.status
	snapshot := s.metricsLocked()
	s.mu.Unlock()

	log.Printf("server id=%s status=%s maintenance=%t", s.cfg.ID, status, enabled)
	go s.registry.UpdateServerStatus(s.cfg.ID, status)
	if enabled {
		go s.balancer.MarkServerUnhealthy(s.cfg.ID)
	} else {
		go s.balancer.UpdateServerMetrics(s.cfg.ID, snapshot)
	}
	return nil
}

// Shutdown takes the instance offline, waits up to drainTimeout for active
// tasks, then clears its storage regardless.
func (s *Instance) Shutdown(ctx context.Context) error {
	s.timer.Stop()
	s.mu.Lock()
	s.status = gateapi.ServerOffline
	if err := s.persistLocked(ctx); err != nil {
		log.Printf("server id=%s persist on shutdown failed: %v", s.cfg.ID, err)
	}
	s.mu.Unlock()

	deadline := s.clk.Now().Add(drainTimeout)
	for s.clk.Now().Before(deadline) {
		s.mu.Lock()
		remaining := len(s.active)
		s.mu.Unlock()
		if remaining == 0 {
			break
		}
		s.clk.Sleep(drainPoll)
	}

	go s.balancer.MarkServerUnhealthy(s.cfg.ID)
	go s.registry.UpdateServerStatus(s.cfg.ID, gateapi.ServerOffline)
	log.Printf("server id=%s status=%s shut down", s.cfg.ID, gateapi.ServerOffline)
	return s.kv.Clear(ctx)
}

func (s *Instance) persistLocked(ctx context.Context) error {
	entries := make(map[string][]byte, 5)
	var err error
	if entries["config"], err = json.Marshal(s.cfg); err != nil {
		return err
	}
	entries["status"] = []byte(s.status)
	entries["healthScore"] = []byte(fmt.Sprintf("%d", s.healthScore))
	entries["checkInterval"] = []byte(fmt.Sprintf("%d", s.checkInterval.Milliseconds()))
	entries["lastActivityTime"] = []byte(fmt.Sprintf("%d", s.lastActivity.UnixMilli()))
	if entries["metrics"], err = json.Marshal(s.metrics); err != nil {
		return err
	}
	return s.kv.PutMany(ctx, entries)
}
