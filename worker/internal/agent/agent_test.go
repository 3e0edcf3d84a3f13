package agent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/example/taskgate/pkg/gateapi"
	"github.com/example/taskgate/worker/internal/config"
)

func testAgent() *Agent {
	return New(config.Config{
		ServerID:     "worker-test",
		ProcessDelay: time.Millisecond,
	})
}

func TestHealthReportsServerID(t *testing.T) {
	srv := httptest.NewServer(testAgent().Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	var health gateapi.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.ServerID != "worker-test" {
		t.Fatalf("unexpected serverId %q", health.ServerID)
	}
}

func TestPredictSyncEchoesPayload(t *testing.T) {
	srv := httptest.NewServer(testAgent().Handler())
	defer srv.Close()

	body, _ := json.Marshal(gateapi.PredictRequest{
		TaskID:  "t1",
		Request: gateapi.TaskRequest{Type: "echo", Payload: json.RawMessage(`{"k":"v"}`)},
	})
	resp, err := http.Post(srv.URL+"/predict", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result["task_id"] != "t1" || result["processed_by"] != "worker-test" {
		t.Fatalf("unexpected result %v", result)
	}
}

func TestPredictAsyncDeliversCallback(t *testing.T) {
	var mu sync.Mutex
	var callback gateapi.TaskUpdate
	received := make(chan struct{})
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("callback must be a PUT, got %s", r.Method)
		}
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&callback)
		mu.Unlock()
		close(received)
		w.WriteHeader(http.StatusOK)
	}))
	defer gw.Close()

	srv := httptest.NewServer(testAgent().Handler())
	defer srv.Close()

	body, _ := json.Marshal(gateapi.PredictRequest{
		TaskID:      "t1",
		Request:     gateapi.TaskRequest{Type: "echo", Async: true},
		CallbackURL: gw.URL + "/api/task/t1",
	})
	resp, err := http.Post(srv.URL+"/predict", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatalf("callback never delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if callback.Status != gateapi.TaskCompleted {
		t.Fatalf("callback status %q", callback.Status)
	}
}

func TestPredictRejectsMissingTaskID(t *testing.T) {
	srv := httptest.NewServer(testAgent().Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/predict", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
