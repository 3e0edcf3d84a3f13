// Package gatewayclient registers the worker with the gateway and keeps
// its heartbeat alive.
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/example/taskgate/pkg/gateapi"
	"github.com/example/taskgate/worker/internal/config"
	"github.com/example/taskgate/worker/internal/hostinfo"
)

type Client struct {
	cfg        config.Config
	running    func() int
	httpClient *http.Client
}

// New builds a client; running reports the agent's in-flight task count
// for the heartbeat body.
func New(cfg config.Config, running func() int) *Client {
	if running == nil {
		running = func() int { return 0 }
	}
	return &Client{
		cfg:        cfg,
		running:    running,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Register announces this worker's ServerConfig to the gateway.
func (c *Client) Register(ctx context.Context) error {
	payload := gateapi.ServerConfig{
		ID:   c.cfg.ServerID,
		Name: c.cfg.Name,
		Endpoints: gateapi.ServerEndpoints{
			Predict: c.cfg.AdvertiseURL + "/predict",
			Health:  c.cfg.AdvertiseURL + "/health",
			Metrics: c.cfg.AdvertiseURL + "/metrics",
		},
		MaxConcurrent: c.cfg.MaxConcurrent,
		Capabilities:  c.cfg.Capabilities,
		Groups:        c.cfg.Groups,
		Priority:      c.cfg.Priority,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.post(ctx, c.cfg.GatewayBaseURL+"/api/servers", body)
}

// Start sends heartbeats until the context is done. Each heartbeat
// carries the host's sampled utilization and the in-flight task count.
func (c *Client) Start(ctx context.Context) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.sendHeartbeat(ctx); err != nil {
				log.Printf("heartbeat failed: %v", err)
			}
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context) error {
	cpuPct, memPct := hostinfo.Utilization()
	body, err := json.Marshal(gateapi.HeartbeatReport{
		RunningTasks:      c.running(),
		CPUUtilization:    cpuPct,
		MemoryUtilization: memPct,
	})
	if err != nil {
		return err
	}
	url := c.cfg.GatewayBaseURL + "/api/servers/" + c.cfg.ServerID + "/heartbeat"
	return c.post(ctx, url, body)
}

func (c *Client) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("request to %s failed with status %s", url, resp.Status)
	}
	return nil
}
