package gateapi

import (
	"encoding/json"
	"time"
)

// Task lifecycle statuses.
const (
	TaskPending    = "PENDING"
	TaskProcessing = "PROCESSING"
	TaskCompleted  = "COMPLETED"
	TaskFailed     = "FAILED"
	TaskTimeout    = "TIMEOUT"
	TaskCancelled  = "CANCELLED"
)

// Server statuses as reported by the registry.
const (
	ServerInitializing = "initializing"
	ServerOnline       = "online"
	ServerDegraded     = "degraded"
	ServerOffline      = "offline"
	ServerMaintenance  = "maintenance"
)

// Load balancing algorithms.
const (
	AlgorithmRoundRobin         = "round-robin"
	AlgorithmWeightedRoundRobin = "weighted-round-robin"
	AlgorithmLeastConnections   = "least-connections"
	AlgorithmResponseTime       = "response-time"
	AlgorithmRandom             = "random"
)

func IsTerminalTaskStatus(status string) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskTimeout, TaskCancelled:
		return true
	default:
		return false
	}
}

func IsValidAlgorithm(algorithm string) bool {
	switch algorithm {
	case AlgorithmRoundRobin, AlgorithmWeightedRoundRobin, AlgorithmLeastConnections, AlgorithmResponseTime, AlgorithmRandom:
		return true
	default:
		return false
	}
}

type TaskRequest struct {
	Type         string          `json:"type"`
	Priority     int             `json:"priority"`
	Payload      json.RawMessage `json:"payload"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Async        bool            `json:"async"`
}

// TaskAttempt records one prior dispatch of the task before a retry.
type TaskAttempt struct {
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"started_at"`
	PrevStatus string    `json:"prev_status"`
	PrevError  string    `json:"prev_error,omitempty"`
}

type Task struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Request   TaskRequest     `json:"request"`
	ServerID  string          `json:"server_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Progress  int             `json:"progress"`
	Attempts  []TaskAttempt   `json:"attempts,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TaskUpdate is the body of PUT /api/task/{id}, delivered by a backend
// worker callback or the synchronous dispatch path.
type TaskUpdate struct {
	Status   string          `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Progress *int            `json:"progress,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type ServerEndpoints struct {
	Predict string `json:"predict"`
	Health  string `json:"health"`
	Metrics string `json:"metrics,omitempty"`
}

// ServerConfig is immutable after registration.
type ServerConfig struct {
	ID            string          `json:"id,omitempty"`
	Name          string          `json:"name"`
	Endpoints     ServerEndpoints `json:"endpoints"`
	APIKey        string          `json:"api_key,omitempty"`
	MaxConcurrent int             `json:"max_concurrent"`
	Capabilities  []string        `json:"capabilities,omitempty"`
	Groups        []string        `json:"groups,omitempty"`
	Priority      int             `json:"priority"`
}

// HeartbeatReport is the optional body of a heartbeat POST: the worker's
// own view of its load, sampled on its host.
type HeartbeatReport struct {
	RunningTasks      int     `json:"running_tasks"`
	CPUUtilization    float64 `json:"cpu_utilization"`
	MemoryUtilization float64 `json:"memory_utilization"`
}

type ServerInfo struct {
	ServerConfig
	Status               string          `json:"status"`
	RegisteredAt         time.Time       `json:"registered_at"`
	LastHeartbeat        time.Time       `json:"last_heartbeat"`
	UptimeMillis         int64           `json:"uptime_ms"`
	SinceHeartbeatMillis int64           `json:"time_since_last_heartbeat_ms"`
	LastReport           HeartbeatReport `json:"last_report"`
}

// ServerMetrics is the snapshot a server instance pushes to the load
// balancer and serves on its metrics endpoint.
type ServerMetrics struct {
	ServerID          string   `json:"server_id"`
	TasksProcessed    int64    `json:"tasks_processed"`
	Successes         int64    `json:"successes"`
	Failures          int64    `json:"failures"`
	SuccessRate       float64  `json:"success_rate"`
	AvgResponseMillis float64  `json:"average_response_ms"`
	HealthScore       int      `json:"health_score"`
	ActiveTasks       int      `json:"active_tasks"`
	Status            string   `json:"status"`
	Healthy           bool     `json:"healthy"`
	Capabilities      []string `json:"capabilities,omitempty"`
	MaxConcurrent     int      `json:"max_concurrent"`
	TaskCompleted     bool     `json:"task_completed,omitempty"`
}

type ServerStatistics struct {
	ServerID            string    `json:"server_id"`
	TasksProcessed      int64     `json:"tasks_processed"`
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
	TotalDurationMillis int64     `json:"total_duration_ms"`
	SuccessRate         float64   `json:"success_rate"`
	AvgResponseMillis   float64   `json:"average_response_ms"`
	LastActive          time.Time `json:"last_active,omitempty"`
}

type HourlyReport struct {
	Hour      int    `json:"hour"`
	Period    string `json:"period"`
	Tasks     int64  `json:"tasks"`
	Successes int64  `json:"successes"`
	Failures  int64  `json:"failures"`
}

type Statistics struct {
	Date                 string             `json:"date"`
	TotalTasks           int64              `json:"total_tasks"`
	PendingTasks         int64              `json:"pending_tasks"`
	SuccessfulTasks      int64              `json:"successful_tasks"`
	FailedTasks          int64              `json:"failed_tasks"`
	RetriedTasks         int64              `json:"retried_tasks"`
	TotalSuccessDuration int64              `json:"total_success_duration_ms"`
	AvgProcessingMillis  float64            `json:"average_processing_ms"`
	TopServers           []ServerStatistics `json:"top_servers"`
	HourlyTrend          []HourlyReport     `json:"hourly_trend"`
}

type LoadBalancerStatus struct {
	Algorithm      string         `json:"algorithm"`
	HealthyServers []string       `json:"healthy_servers"`
	ServerLoads    map[string]int `json:"server_loads"`
}

// PredictRequest is the body POSTed to a backend worker's predict endpoint.
type PredictRequest struct {
	TaskID      string      `json:"task_id"`
	Request     TaskRequest `json:"request"`
	CallbackURL string      `json:"callback_url"`
}

type HealthResponse struct {
	ServerID string `json:"serverId"`
	Status   string `json:"status,omitempty"`
}
