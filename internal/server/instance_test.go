package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/example/taskgate/internal/state"
	"github.com/example/taskgate/pkg/gateapi"
)

type recordingBalancer struct {
	mu        sync.Mutex
	snapshots []gateapi.ServerMetrics
	unhealthy []string
}

func (b *recordingBalancer) UpdateServerMetrics(_ string, m gateapi.ServerMetrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = append(b.snapshots, m)
}

func (b *recordingBalancer) MarkServerUnhealthy(serverID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unhealthy = append(b.unhealthy, serverID)
}

type recordingSink struct {
	mu         sync.Mutex
	heartbeats []string
	statuses   []string
}

func (s *recordingSink) UpdateHeartbeat(serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, serverID)
	return nil
}

func (s *recordingSink) UpdateServerStatus(_, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func (s *recordingSink) lastStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return ""
	}
	return s.statuses[len(s.statuses)-1]
}

type recordingUpdater struct {
	updates chan gateapi.TaskUpdate
}

func (u *recordingUpdater) UpdateTask(_ context.Context, _ string, upd gateapi.TaskUpdate) (gateapi.Task, error) {
	u.updates <- upd
	return gateapi.Task{}, nil
}

func testConfig(id, predictURL, healthURL string, maxConcurrent int) gateapi.ServerConfig {
	return gateapi.ServerConfig{
		ID:            id,
		Endpoints:     gateapi.ServerEndpoints{Predict: predictURL, Health: healthURL},
		MaxConcurrent: maxConcurrent,
	}
}

func newTestInstance(t *testing.T, clk clock.Clock, cfg gateapi.ServerConfig,
	bal *recordingBalancer, sink *recordingSink, updater TaskUpdater) *Instance {
	t.Helper()
	kv := state.NewMemoryStore().Namespace("server", cfg.ID)
	inst := newInstance(cfg, clk, kv, Options{}, bal, sink, func() TaskUpdater { return updater })
	if err := inst.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return inst
}

func TestExecuteTaskSyncCompletesTask(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gateapi.PredictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode predict body: %v", err)
		}
		if req.TaskID != "t1" {
			t.Errorf("unexpected task id %q", req.TaskID)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":"done"}`))
	}))
	defer backend.Close()

	updater := &recordingUpdater{updates: make(chan gateapi.TaskUpdate, 1)}
	inst := newTestInstance(t, clock.New(), testConfig("s1", backend.URL, backend.URL, 2),
		&recordingBalancer{}, &recordingSink{}, updater)

	err := inst.ExecuteTask(context.Background(), "t1", gateapi.TaskRequest{Type: "echo"}, "http://gw/api/task/t1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	select {
	case upd := <-updater.updates:
		if upd.Status != gateapi.TaskCompleted {
			t.Fatalf("expected COMPLETED update, got %s", upd.Status)
		}
		if string(upd.Result) != `{"output":"done"}` {
			t.Fatalf("unexpected result %q", upd.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no completion update delivered")
	}

	m := inst.GetMetrics()
	if m.TasksProcessed != 1 || m.Successes != 1 || m.ActiveTasks != 0 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestExecuteTaskAtCapacity(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer backend.Close()
	defer close(release)

	inst := newTestInstance(t, clock.New(), testConfig("s1", backend.URL, backend.URL, 1),
		&recordingBalancer{}, &recordingSink{}, nil)

	started := make(chan struct{})
	go func() {
		close(started)
		_ = inst.ExecuteTask(context.Background(), "t1", gateapi.TaskRequest{Type: "echo", Async: true}, "")
	}()
	<-started
	waitFor(t, func() bool { return inst.GetMetrics().ActiveTasks == 1 })

	err := inst.ExecuteTask(context.Background(), "t2", gateapi.TaskRequest{Type: "echo"}, "")
	if err == nil {
		t.Fatalf("expected capacity rejection")
	}
	if !errors.Is(err, gateapi.ErrAtCapacity) {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}
}

func TestExecuteTaskRejectedWhenNotOnline(t *testing.T) {
	cfg := testConfig("s1", "http://backend/predict", "http://backend/health", 1)
	kv := state.NewMemoryStore().Namespace("server", cfg.ID)
	inst := newInstance(cfg, clock.New(), kv, Options{}, &recordingBalancer{}, &recordingSink{}, nil)

	err := inst.ExecuteTask(context.Background(), "t1", gateapi.TaskRequest{}, "")
	if !errors.Is(err, gateapi.ErrServerUnavailable) {
		t.Fatalf("expected ErrServerUnavailable, got %v", err)
	}
}

func TestHealthCheckIdentityMismatchFails(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"serverId":"imposter"}`))
	}))
	defer backend.Close()

	inst := newTestInstance(t, clock.New(), testConfig("s1", backend.URL, backend.URL, 1),
		&recordingBalancer{}, &recordingSink{}, nil)

	if inst.PerformHealthCheck(context.Background()) {
		t.Fatalf("identity mismatch must count as a failed check")
	}
}

func TestHealthLoopDegradesThenGoesOffline(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	sink := &recordingSink{}
	inst := newTestInstance(t, clock.New(), testConfig("s1", backend.URL, backend.URL, 1),
		&recordingBalancer{}, sink, nil)

	inst.onHealthTimer()
	if got := inst.GetMetrics(); got.Status != gateapi.ServerDegraded || got.HealthScore != 90 {
		t.Fatalf("after one failure: %+v", got)
	}
	inst.onHealthTimer()
	inst.onHealthTimer()
	if got := inst.GetMetrics(); got.Status != gateapi.ServerOffline || got.HealthScore != 70 {
		t.Fatalf("after three failures: %+v", got)
	}
	waitFor(t, func() bool { return sink.lastStatus() == gateapi.ServerOffline })
}

func TestHealthLoopRecoversAfterThreeSuccesses(t *testing.T) {
	var healthy sync.Map
	healthy.Store("ok", false)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if ok, _ := healthy.Load("ok"); ok.(bool) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"serverId":"s1"}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	sink := &recordingSink{}
	inst := newTestInstance(t, clock.New(), testConfig("s1", backend.URL, backend.URL, 1),
		&recordingBalancer{}, sink, nil)

	inst.onHealthTimer()
	if got := inst.GetMetrics(); got.Status != gateapi.ServerDegraded {
		t.Fatalf("expected degraded, got %+v", got)
	}

	healthy.Store("ok", true)
	inst.onHealthTimer()
	inst.onHealthTimer()
	if got := inst.GetMetrics(); got.Status != gateapi.ServerDegraded {
		t.Fatalf("two successes must not recover yet, got %+v", got)
	}
	inst.onHealthTimer()
	if got := inst.GetMetrics(); got.Status != gateapi.ServerOnline {
		t.Fatalf("expected online after recovery, got %+v", got)
	}
	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.heartbeats) >= 2
	})
}

func TestHealthScoreSaturates(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	inst := newTestInstance(t, clock.New(), testConfig("s1", backend.URL, backend.URL, 1),
		&recordingBalancer{}, &recordingSink{}, nil)

	for i := 0; i < 15; i++ {
		inst.onHealthTimer()
	}
	if got := inst.GetMetrics().HealthScore; got != 0 {
		t.Fatalf("health score must floor at 0, got %d", got)
	}
}

func TestShutdownClearsStorageAndMarksUnhealthy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	bal := &recordingBalancer{}
	cfg := testConfig("s1", backend.URL, backend.URL, 1)
	kv := state.NewMemoryStore().Namespace("server", cfg.ID)
	inst := newInstance(cfg, clock.New(), kv, Options{}, bal, &recordingSink{}, nil)
	if err := inst.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, ok, _ := kv.Get(context.Background(), "status"); ok {
		t.Fatalf("storage should be cleared on shutdown")
	}
	waitFor(t, func() bool {
		bal.mu.Lock()
		defer bal.mu.Unlock()
		return len(bal.unhealthy) == 1
	})
	if got := inst.GetMetrics().Status; got != gateapi.ServerOffline {
		t.Fatalf("expected offline after shutdown, got %s", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
