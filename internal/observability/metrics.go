// Package observability carries the gateway's runtime counters and the
// tracing bootstrap. The registry tracks a small set of families (task
// intake, dispatch outcomes, fleet health) and serves them as JSON or
// Prometheus exposition text.
package observability

import (
	"slices"
	"strconv"
	"strings"
	"sync"
)

type Labels map[string]string

const (
	kindCounter = iota
	kindGauge
)

type sample struct {
	kind   int
	name   string
	labels Labels
	value  float64
}

type Registry struct {
	mu      sync.Mutex
	samples map[string]*sample
}

func NewRegistry() *Registry {
	return &Registry{samples: make(map[string]*sample)}
}

var Default = NewRegistry()

// Count adds delta to a counter family.
func (r *Registry) Count(name string, labels Labels, delta float64) {
	if delta == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(kindCounter, name, labels).value += delta
}

// Gauge replaces a gauge family's current value.
func (r *Registry) Gauge(name string, labels Labels, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(kindGauge, name, labels).value = value
}

func (r *Registry) upsertLocked(kind int, name string, labels Labels) *sample {
	key := sampleKey(name, labels)
	s, ok := r.samples[key]
	if !ok {
		owned := make(Labels, len(labels))
		for k, v := range labels {
			owned[k] = v
		}
		s = &sample{kind: kind, name: name, labels: owned}
		r.samples[key] = s
	}
	return s
}

type MetricPoint struct {
	Name   string  `json:"name"`
	Labels Labels  `json:"labels,omitempty"`
	Value  float64 `json:"value"`
}

type Snapshot struct {
	Counters []MetricPoint `json:"counters"`
	Gauges   []MetricPoint `json:"gauges"`
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out Snapshot
	for _, s := range r.samples {
		point := MetricPoint{Name: s.name, Labels: s.labels, Value: s.value}
		if s.kind == kindCounter {
			out.Counters = append(out.Counters, point)
		} else {
			out.Gauges = append(out.Gauges, point)
		}
	}
	byName := func(a, b MetricPoint) int { return strings.Compare(a.Name, b.Name) }
	slices.SortFunc(out.Counters, byName)
	slices.SortFunc(out.Gauges, byName)
	return out
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = make(map[string]*sample)
}

// RenderText emits the registry in Prometheus exposition format.
func (r *Registry) RenderText() string {
	r.mu.Lock()
	lines := make([]string, 0, len(r.samples))
	for _, s := range r.samples {
		lines = append(lines, expositionLine(s))
	}
	r.mu.Unlock()
	slices.Sort(lines)
	return strings.Join(lines, "\n") + "\n"
}

func sampleKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte(0xff)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func expositionLine(s *sample) string {
	var b strings.Builder
	b.WriteString(sanitize(s.name))
	if len(s.labels) > 0 {
		keys := make([]string, 0, len(s.labels))
		for k := range s.labels {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(sanitize(k))
			b.WriteByte('=')
			b.WriteString(strconv.Quote(s.labels[k]))
		}
		b.WriteByte('}')
	}
	b.WriteByte(' ')
	b.WriteString(strconv.FormatFloat(s.value, 'f', -1, 64))
	return b.String()
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "taskgate_metric"
	}
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if mapped[0] >= '0' && mapped[0] <= '9' {
		mapped = "_" + mapped
	}
	return mapped
}

// The families the core actors record. Keeping them here keeps metric
// names in one place instead of scattered across handlers.

func TaskCreated(taskType string) {
	Default.Count("taskgate_tasks_created_total", Labels{"type": taskType}, 1)
}

func TaskFinished(status string) {
	Default.Count("taskgate_tasks_finished_total", Labels{"status": status}, 1)
}

func DispatchFailed(serverID string) {
	Default.Count("taskgate_dispatch_errors_total", Labels{"server_id": serverID}, 1)
}

func HealthyServers(n int) {
	Default.Gauge("taskgate_healthy_servers", nil, float64(n))
}
