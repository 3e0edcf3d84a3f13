// Package stats aggregates task events into per-day, per-hour and
// per-server rollups. One aggregator exists per calendar day.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/example/taskgate/internal/actor"
	"github.com/example/taskgate/internal/state"
	"github.com/example/taskgate/pkg/gateapi"
)

const (
	flushThreshold = 1000
	flushInterval  = 10 * time.Second
	topServerCount = 5
)

const (
	EventStart    = "start"
	EventComplete = "complete"
)

type Event struct {
	Kind           string    `json:"kind"`
	TaskID         string    `json:"task_id"`
	ServerID       string    `json:"server_id"`
	Success        bool      `json:"success"`
	DurationMillis int64     `json:"duration_ms"`
	Retries        int       `json:"retries"`
	Timestamp      time.Time `json:"timestamp"`
}

type counters struct {
	TotalTasks           int64 `json:"total_tasks"`
	PendingTasks         int64 `json:"pending_tasks"`
	SuccessfulTasks      int64 `json:"successful_tasks"`
	FailedTasks          int64 `json:"failed_tasks"`
	RetriedTasks         int64 `json:"retried_tasks"`
	TotalSuccessDuration int64 `json:"total_success_duration_ms"`
}

type Aggregator struct {
	mu       sync.Mutex
	date     string
	clk      actor.Clock
	kv       state.KV
	buffer   []Event
	stats    counters
	servers  map[string]*gateapi.ServerStatistics
	hourly   map[int]*gateapi.HourlyReport
	timer    *actor.Timer
	lastHour int
}

// New builds (or recovers) the aggregator for one ISO date and starts the
// periodic flush.
func New(date string, clk actor.Clock, kv state.KV) *Aggregator {
	a := &Aggregator{
		date:     date,
		clk:      clk,
		kv:       kv,
		buffer:   make([]Event, 0, flushThreshold),
		servers:  make(map[string]*gateapi.ServerStatistics),
		hourly:   make(map[int]*gateapi.HourlyReport),
		timer:    actor.NewTimer(clk),
		lastHour: clk.Now().UTC().Hour(),
	}
	a.recover()
	a.timer.Arm(flushInterval, a.onFlushTimer)
	return a
}

func (a *Aggregator) Date() string { return a.date }

func (a *Aggregator) recover() {
	ctx := context.Background()
	if _, err := state.GetJSON(ctx, a.kv, "stats", &a.stats); err != nil {
		log.Printf("stats date=%s recover stats failed: %v", a.date, err)
	}
	if _, err := state.GetJSON(ctx, a.kv, "serverStats", &a.servers); err != nil {
		log.Printf("stats date=%s recover serverStats failed: %v", a.date, err)
	}
	if _, err := state.GetJSON(ctx, a.kv, "hourlyStats", &a.hourly); err != nil {
		log.Printf("stats date=%s recover hourlyStats failed: %v", a.date, err)
	}
	if a.servers == nil {
		a.servers = make(map[string]*gateapi.ServerStatistics)
	}
	if a.hourly == nil {
		a.hourly = make(map[int]*gateapi.HourlyReport)
	}
}

func (a *Aggregator) RecordTaskStart(taskID, serverID string) {
	now := a.clk.Now().UTC()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer = append(a.buffer, Event{
		Kind:      EventStart,
		TaskID:    taskID,
		ServerID:  serverID,
		Timestamp: now,
	})
	a.stats.TotalTasks++
	a.stats.PendingTasks++
	a.hourBucket(now.Hour()).Tasks++
	a.maybeFlushLocked()
}

func (a *Aggregator) RecordTaskComplete(taskID, serverID string, success bool, duration time.Duration, retries int) {
	now := a.clk.Now().UTC()
	durationMs := duration.Milliseconds()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer = append(a.buffer, Event{
		Kind:           EventComplete,
		TaskID:         taskID,
		ServerID:       serverID,
		Success:        success,
		DurationMillis: durationMs,
		Retries:        retries,
		Timestamp:      now,
	})
	if a.stats.PendingTasks > 0 {
		a.stats.PendingTasks--
	}
	if success {
		a.stats.SuccessfulTasks++
		a.stats.TotalSuccessDuration += durationMs
	} else {
		a.stats.FailedTasks++
	}
	if retries > 0 {
		a.stats.RetriedTasks++
	}

	if serverID != "" {
		s := a.serverBucket(serverID)
		s.TasksProcessed++
		if success {
			s.Successes++
		} else {
			s.Failures++
		}
		s.TotalDurationMillis += durationMs
		if s.TasksProcessed > 0 {
			s.SuccessRate = float64(s.Successes) / float64(s.TasksProcessed)
			s.AvgResponseMillis = float64(s.TotalDurationMillis) / float64(s.TasksProcessed)
		}
		s.LastActive = now
	}

	h := a.hourBucket(now.Hour())
	if success {
		h.Successes++
	} else {
		h.Failures++
	}
	a.maybeFlushLocked()
}

func (a *Aggregator) GetStats() gateapi.Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked()

	top := make([]gateapi.ServerStatistics, 0, len(a.servers))
	for _, s := range a.servers {
		top = append(top, *s)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].TasksProcessed != top[j].TasksProcessed {
			return top[i].TasksProcessed > top[j].TasksProcessed
		}
		return top[i].ServerID < top[j].ServerID
	})
	if len(top) > topServerCount {
		top = top[:topServerCount]
	}

	avg := 0.0
	if a.stats.SuccessfulTasks > 0 {
		avg = float64(a.stats.TotalSuccessDuration) / float64(a.stats.SuccessfulTasks)
	}
	return gateapi.Statistics{
		Date:                 a.date,
		TotalTasks:           a.stats.TotalTasks,
		PendingTasks:         a.stats.PendingTasks,
		SuccessfulTasks:      a.stats.SuccessfulTasks,
		FailedTasks:          a.stats.FailedTasks,
		RetriedTasks:         a.stats.RetriedTasks,
		TotalSuccessDuration: a.stats.TotalSuccessDuration,
		AvgProcessingMillis:  avg,
		TopServers:           top,
		HourlyTrend:          a.hourlyLocked(),
	}
}

func (a *Aggregator) GetServerStats(serverID string) gateapi.ServerStatistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked()
	if s, ok := a.servers[serverID]; ok {
		return *s
	}
	return gateapi.ServerStatistics{ServerID: serverID}
}

func (a *Aggregator) GetHourlyReport() []gateapi.HourlyReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked()
	return a.hourlyLocked()
}

func (a *Aggregator) hourlyLocked() []gateapi.HourlyReport {
	out := make([]gateapi.HourlyReport, 24)
	for h := 0; h < 24; h++ {
		out[h] = gateapi.HourlyReport{Hour: h, Period: periodLabel(h)}
		if b, ok := a.hourly[h]; ok {
			out[h].Tasks = b.Tasks
			out[h].Successes = b.Successes
			out[h].Failures = b.Failures
		}
	}
	return out
}

func (a *Aggregator) serverBucket(serverID string) *gateapi.ServerStatistics {
	s, ok := a.servers[serverID]
	if !ok {
		s = &gateapi.ServerStatistics{ServerID: serverID}
		a.servers[serverID] = s
	}
	return s
}

func (a *Aggregator) hourBucket(hour int) *gateapi.HourlyReport {
	b, ok := a.hourly[hour]
	if !ok {
		b = &gateapi.HourlyReport{Hour: hour, Period: periodLabel(hour)}
		a.hourly[hour] = b
	}
	return b
}

func (a *Aggregator) maybeFlushLocked() {
	if len(a.buffer) >= flushThreshold {
		a.flushLocked()
	}
}

// flushLocked re-persists the aggregate counters alongside the buffered
// events in one batched write, so a crash between flushes loses only the
// buffer tail, never the counters.
func (a *Aggregator) flushLocked() {
	ctx := context.Background()
	entries := make(map[string][]byte, 4)
	var err error
	if entries["stats"], err = json.Marshal(a.stats); err != nil {
		log.Printf("stats date=%s flush marshal failed: %v", a.date, err)
		return
	}
	if entries["serverStats"], err = json.Marshal(a.servers); err != nil {
		log.Printf("stats date=%s flush marshal failed: %v", a.date, err)
		return
	}
	if entries["hourlyStats"], err = json.Marshal(a.hourly); err != nil {
		log.Printf("stats date=%s flush marshal failed: %v", a.date, err)
		return
	}
	if len(a.buffer) > 0 {
		raw, err := json.Marshal(a.buffer)
		if err != nil {
			log.Printf("stats date=%s flush marshal failed: %v", a.date, err)
			return
		}
		entries[fmt.Sprintf("events-%d", a.clk.Now().UTC().UnixMilli())] = raw
	}
	if err := a.kv.PutMany(ctx, entries); err != nil {
		// Buffer is kept; the next timer tick retries.
		log.Printf("stats date=%s flush failed: %v", a.date, err)
		return
	}
	a.buffer = a.buffer[:0]
}

func (a *Aggregator) onFlushTimer() {
	a.mu.Lock()
	a.flushLocked()
	hour := a.clk.Now().UTC().Hour()
	if hour == 0 && a.lastHour != 0 {
		// Rolled past midnight: this instance's hourly map starts fresh.
		a.hourly = make(map[int]*gateapi.HourlyReport)
	}
	a.lastHour = hour
	a.mu.Unlock()
	a.timer.Arm(flushInterval, a.onFlushTimer)
}

// Stop flushes once more and disarms the timer.
func (a *Aggregator) Stop() {
	a.timer.Stop()
	a.mu.Lock()
	a.flushLocked()
	a.mu.Unlock()
}

func periodLabel(hour int) string {
	return fmt.Sprintf("%d:00-%d:59", hour, hour)
}
