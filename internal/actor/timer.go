// Package actor carries the small amount of runtime shared by the stateful
// actors: a superseding single-slot timer and the clock they all tick on.
package actor

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the time source injected into every actor. Production wiring
// passes clock.New(); tests pass clock.NewMock().
type Clock = clock.Clock

// Timer is an actor's single pending timer. Arming it supersedes any
// previously armed timer; a superseded handler never fires.
type Timer struct {
	mu  sync.Mutex
	clk Clock
	t   *clock.Timer
	gen uint64
}

func NewTimer(clk Clock) *Timer {
	return &Timer{clk: clk}
}

func (t *Timer) Arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	gen := t.gen
	t.t = t.clk.AfterFunc(d, func() {
		t.mu.Lock()
		live := t.gen == gen
		t.mu.Unlock()
		if live {
			fn()
		}
	})
}

func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
}
