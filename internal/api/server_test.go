package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/example/taskgate/internal/balancer"
	"github.com/example/taskgate/internal/registry"
	"github.com/example/taskgate/internal/server"
	"github.com/example/taskgate/internal/state"
	"github.com/example/taskgate/internal/stats"
	"github.com/example/taskgate/internal/task"
	"github.com/example/taskgate/pkg/gateapi"
)

const testSecret = "test-secret"

func newTestGateway(t *testing.T) *httptest.Server {
	t.Helper()
	clk := clock.New()
	store := state.NewMemoryStore()

	bal := balancer.New(clk, store.Namespace("loadbalancer", "global"))
	fleet := server.NewFleet(clk, store, server.Options{})
	reg := registry.New(clk, store.Namespace("registry", "global"), registry.Options{})
	statsDir := stats.NewDirectory(clk, store)
	tasks := task.NewDirectory(clk, store, state.NoopTaskTable{}, bal, fleet, statsDir, task.Options{
		TaskTimeout:  time.Hour,
		CleanupDelay: 5 * time.Minute,
		MaxRetries:   3,
		CallbackBase: "http://gateway.test",
	})

	fleet.Wire(bal, reg)
	fleet.SetTaskUpdater(tasks)
	bal.Wire(reg)
	reg.Wire(fleet, bal)

	srv := httptest.NewServer(NewServer(reg, fleet, bal, tasks, statsDir, testSecret).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func signToken(t *testing.T, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   "tester",
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestAuthRejectsMissingAndInvalidTokens(t *testing.T) {
	srv := newTestGateway(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/task", "", map[string]any{"type": "echo"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/task", "not-a-jwt", map[string]any{"type": "echo"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: got %d", resp.StatusCode)
	}
}

func TestAdminRoleRequiredForServerMutations(t *testing.T) {
	srv := newTestGateway(t)
	client := signToken(t, "client")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/servers", client, map[string]any{
		"name": "w", "endpoints": map[string]string{"predict": "http://b/p", "health": "http://b/h"},
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("client registering server: got %d", resp.StatusCode)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	srv := newTestGateway(t)
	token := signToken(t, "client")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/task", token, map[string]any{"priority": 2})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing type: got %d body=%v", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/task", token, map[string]any{"type": "echo", "priority": 42})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("out-of-range priority: got %d", resp.StatusCode)
	}
}

func TestCreateTaskWithNoServersFails(t *testing.T) {
	srv := newTestGateway(t)
	token := signToken(t, "client")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/task", token, map[string]any{
		"type": "echo", "priority": 1, "payload": map[string]any{"x": 1}, "async": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got %d body=%v", resp.StatusCode, body)
	}
	taskID, _ := body["id"].(string)
	if taskID == "" {
		t.Fatalf("no task id in response: %v", body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/task/"+taskID, token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status: got %d", resp.StatusCode)
		}
		if body["status"] == gateapi.TaskFailed {
			if body["error"] != "No available servers" {
				t.Fatalf("unexpected error %v", body["error"])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task never failed, last=%v", body)
}

func TestTaskDispatchAndCallbackFlow(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"serverId":"s1"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"PROCESSING"}`))
	}))
	defer backend.Close()

	srv := newTestGateway(t)
	admin := signToken(t, "admin")
	client := signToken(t, "client")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/servers", admin, gateapi.ServerConfig{
		ID:   "s1",
		Name: "backend one",
		Endpoints: gateapi.ServerEndpoints{
			Predict: backend.URL + "/predict",
			Health:  backend.URL + "/health",
		},
		MaxConcurrent: 2,
		Capabilities:  []string{"video"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: got %d body=%v", resp.StatusCode, body)
	}
	if body["serverId"] != "s1" {
		t.Fatalf("unexpected register response %v", body)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/task", client, map[string]any{
		"type": "video-processing", "priority": 1, "async": true,
		"payload": map[string]any{"url": "http://media/x"}, "capabilities": []string{"video"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got %d body=%v", resp.StatusCode, body)
	}
	taskID := body["id"].(string)

	waitForTaskStatus(t, srv.URL, client, taskID, gateapi.TaskProcessing)

	resp, body = doJSON(t, http.MethodPut, srv.URL+"/api/task/"+taskID, client, map[string]any{
		"status": gateapi.TaskCompleted, "result": map[string]any{"output_url": "x"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback: got %d body=%v", resp.StatusCode, body)
	}

	_, body = doJSON(t, http.MethodGet, srv.URL+"/api/task/"+taskID, client, nil)
	if body["status"] != gateapi.TaskCompleted {
		t.Fatalf("expected COMPLETED, got %v", body["status"])
	}
	result, _ := body["result"].(map[string]any)
	if result["output_url"] != "x" {
		t.Fatalf("result not preserved: %v", body["result"])
	}

	// The completion event lands in the day's stats.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, body = doJSON(t, http.MethodGet, srv.URL+"/api/stats", admin, nil)
		if n, _ := body["successful_tasks"].(float64); n == 1 {
			break
		}
		if !time.Now().Before(deadline) {
			t.Fatalf("stats never recorded the completion: %v", body)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerListingAndRemovalRoundTrip(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"serverId":"s1"}`))
	}))
	defer backend.Close()

	srv := newTestGateway(t)
	admin := signToken(t, "admin")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/servers", admin, gateapi.ServerConfig{
		ID:        "s1",
		Endpoints: gateapi.ServerEndpoints{Predict: backend.URL, Health: backend.URL},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: got %d", resp.StatusCode)
	}

	_, body := doJSON(t, http.MethodGet, srv.URL+"/api/servers", admin, nil)
	if !listingContains(body, "s1") {
		t.Fatalf("listing missing s1: %v", body)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/servers/s1", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: got %d", resp.StatusCode)
	}
	_, body = doJSON(t, http.MethodGet, srv.URL+"/api/servers", admin, nil)
	if listingContains(body, "s1") {
		t.Fatalf("listing still has s1 after delete: %v", body)
	}
}

func TestHeartbeatUnknownServerIs404(t *testing.T) {
	srv := newTestGateway(t)
	admin := signToken(t, "admin")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/servers/ghost/heartbeat", admin, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestLoadBalancerEndpoints(t *testing.T) {
	srv := newTestGateway(t)
	admin := signToken(t, "admin")

	resp, _ := doJSON(t, http.MethodPut, srv.URL+"/api/loadbalancer/algorithm", admin, map[string]string{
		"algorithm": "fastest-first",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad algorithm: got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPut, srv.URL+"/api/loadbalancer/algorithm", admin, map[string]string{
		"algorithm": gateapi.AlgorithmLeastConnections,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set algorithm: got %d", resp.StatusCode)
	}

	_, body := doJSON(t, http.MethodGet, srv.URL+"/api/loadbalancer/status", admin, nil)
	if body["algorithm"] != gateapi.AlgorithmLeastConnections {
		t.Fatalf("status: %v", body)
	}
}

func TestTaskNotFoundIs404(t *testing.T) {
	srv := newTestGateway(t)
	token := signToken(t, "client")

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/task/ghost", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStatsDateValidation(t *testing.T) {
	srv := newTestGateway(t)
	admin := signToken(t, "admin")

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/stats?date=yesterday", admin, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/stats/hourly?date=2024-01-06", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("hourly: got %d %v", resp.StatusCode, body)
	}
}

func waitForTaskStatus(t *testing.T, base, token, taskID, status string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last any
	for time.Now().Before(deadline) {
		_, body := doJSON(t, http.MethodGet, base+"/api/task/"+taskID, token, nil)
		last = body["status"]
		if body["status"] == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s, last=%v", taskID, status, last)
}

func listingContains(body map[string]any, serverID string) bool {
	servers, _ := body["servers"].([]any)
	for _, raw := range servers {
		s, _ := raw.(map[string]any)
		if fmt.Sprint(s["id"]) == serverID {
			return true
		}
	}
	return false
}
