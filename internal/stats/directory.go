package stats

import (
	"sync"
	"time"

	"github.com/example/taskgate/internal/actor"
	"github.com/example/taskgate/internal/state"
)

// Directory maps ISO dates to their aggregator, creating instances on
// demand. The date string is the actor's well-known name.
type Directory struct {
	mu    sync.Mutex
	clk   actor.Clock
	store state.Store
	days  map[string]*Aggregator
}

func NewDirectory(clk actor.Clock, store state.Store) *Directory {
	return &Directory{clk: clk, store: store, days: make(map[string]*Aggregator)}
}

func (d *Directory) ForDate(date string) *Aggregator {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.days[date]
	if !ok {
		a = New(date, d.clk, d.store.Namespace("stats", date))
		d.days[date] = a
	}
	return a
}

func (d *Directory) ForTime(t time.Time) *Aggregator {
	return d.ForDate(t.UTC().Format("2006-01-02"))
}

// Today resolves the aggregator for the current clock day.
func (d *Directory) Today() *Aggregator {
	return d.ForTime(d.clk.Now())
}

// RecordTaskStart routes the event to the current day's aggregator.
func (d *Directory) RecordTaskStart(taskID, serverID string) {
	d.Today().RecordTaskStart(taskID, serverID)
}

// RecordTaskComplete routes the event to the current day's aggregator.
func (d *Directory) RecordTaskComplete(taskID, serverID string, success bool, duration time.Duration, retries int) {
	d.Today().RecordTaskComplete(taskID, serverID, success, duration, retries)
}
