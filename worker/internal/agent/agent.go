// Package agent is a reference backend worker: it serves the predict and
// health endpoints the gateway dispatches against and reports its own
// utilization on an optional metrics endpoint.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/example/taskgate/pkg/gateapi"
	"github.com/example/taskgate/worker/internal/config"
	"github.com/example/taskgate/worker/internal/hostinfo"
)

type Agent struct {
	cfg     config.Config
	running atomic.Int64
	client  *http.Client
}

func New(cfg config.Config) *Agent {
	return &Agent{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/predict", a.handlePredict)
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/metrics", a.handleMetrics)
	return mux
}

func (a *Agent) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, gateapi.HealthResponse{ServerID: a.cfg.ServerID, Status: "ok"})
}

func (a *Agent) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req gateapi.PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.TaskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task_id is required"})
		return
	}

	if req.Request.Async {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": gateapi.TaskProcessing})
		go a.processAsync(req)
		return
	}

	result := a.process(req)
	writeJSON(w, http.StatusOK, result)
}

// process stands in for real work: it waits the configured delay and
// echoes the payload back.
func (a *Agent) process(req gateapi.PredictRequest) map[string]any {
	a.running.Add(1)
	defer a.running.Add(-1)
	time.Sleep(a.cfg.ProcessDelay)
	return map[string]any{
		"task_id":      req.TaskID,
		"echo":         req.Request.Payload,
		"processed_by": a.cfg.ServerID,
	}
}

func (a *Agent) processAsync(req gateapi.PredictRequest) {
	result := a.process(req)
	if req.CallbackURL == "" {
		log.Printf("worker task=%s completed without callback url", req.TaskID)
		return
	}
	if err := a.deliverCallback(req.CallbackURL, result); err != nil {
		log.Printf("worker task=%s callback failed: %v", req.TaskID, err)
		return
	}
	log.Printf("worker task=%s callback delivered", req.TaskID)
}

func (a *Agent) deliverCallback(callbackURL string, result map[string]any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	body, err := json.Marshal(gateapi.TaskUpdate{Status: gateapi.TaskCompleted, Result: raw})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPut, callbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIToken)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback rejected with status %s", resp.Status)
	}
	return nil
}

// RunningTasks reports the in-flight count for the heartbeat client.
func (a *Agent) RunningTasks() int {
	return int(a.running.Load())
}

func (a *Agent) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	cpuPct, memPct := hostinfo.Utilization()
	writeJSON(w, http.StatusOK, map[string]any{
		"server_id":          a.cfg.ServerID,
		"running_tasks":      a.running.Load(),
		"cpu_utilization":    cpuPct,
		"memory_utilization": memPct,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
