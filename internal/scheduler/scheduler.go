// Package scheduler fires the periodic incremental sync.
package scheduler

import (
	"sync"
	"time"
)

// DefaultInterval is the period between scheduled passes.
const DefaultInterval = 10 * time.Minute

// Scheduler periodically invokes a function. Stop is idempotent and safe
// to call before Start.
type Scheduler interface {
	Start(fn func())
	Stop()
}

// Guard reports whether a fire should go ahead. The orchestrator passes
// one that is true only while online and not already syncing.
type Guard func() bool

// Ticker is the wall-clock Scheduler.
type Ticker struct {
	interval time.Duration
	guard    Guard

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

var _ Scheduler = (*Ticker)(nil)

// NewTicker creates a ticker scheduler. A non-positive interval uses
// DefaultInterval. A nil guard always allows.
func NewTicker(interval time.Duration, guard Guard) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Ticker{
		interval: interval,
		guard:    guard,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins firing fn every interval. Calls after the first, or after
// Stop, are ignored. fn runs on the ticker goroutine, so a slow fn delays
// later ticks rather than overlapping them.
func (t *Ticker) Start(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started || t.stopped {
		return
	}

	t.started = true

	go t.loop(fn)
}

func (t *Ticker) loop(fn func()) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if t.guard == nil || t.guard() {
				fn()
			}
		}
	}
}

// Stop halts the ticker and waits for the loop to exit.
func (t *Ticker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	t.stopped = true
	started := t.started
	close(t.stop)
	t.mu.Unlock()

	if started {
		<-t.done
	}
}

// Manual is a Scheduler that fires only when told to.
type Manual struct {
	guard Guard

	mu      sync.Mutex
	fn      func()
	stopped bool
}

var _ Scheduler = (*Manual)(nil)

// NewManual creates a manual scheduler. A nil guard always allows.
func NewManual(guard Guard) *Manual {
	return &Manual{guard: guard}
}

// Start records fn.
func (m *Manual) Start(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fn == nil && !m.stopped {
		m.fn = fn
	}
}

// Stop prevents further fires.
func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	m.fn = nil
}

// Fire runs fn synchronously if the scheduler is started and the guard
// allows. It reports whether fn ran.
func (m *Manual) Fire() bool {
	m.mu.Lock()
	fn := m.fn
	m.mu.Unlock()

	if fn == nil || (m.guard != nil && !m.guard()) {
		return false
	}

	fn()

	return true
}
