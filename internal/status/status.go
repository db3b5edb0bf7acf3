// Package status holds the process-wide sync status snapshot and fans
// changes out to subscribers.
package status

import (
	"sync"
	"sync/atomic"

	"github.com/alexjbarnes/draw-sync/internal/models"
)

// Publisher owns the current SyncStatus. Readers always see a complete
// snapshot; writers replace it as a whole.
type Publisher struct {
	current atomic.Pointer[models.SyncStatus]

	mu     sync.Mutex // serializes Update and guards subs
	subs   map[int]chan models.SyncStatus
	nextID int
}

// NewPublisher creates a publisher holding initial.
func NewPublisher(initial models.SyncStatus) *Publisher {
	p := &Publisher{subs: make(map[int]chan models.SyncStatus)}
	p.current.Store(&initial)

	return p
}

// Get returns the current snapshot.
func (p *Publisher) Get() models.SyncStatus {
	return *p.current.Load()
}

// Update applies fn to a copy of the current snapshot, publishes the
// result and returns it.
func (p *Publisher) Update(fn func(*models.SyncStatus)) models.SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := *p.current.Load()
	fn(&next)
	p.current.Store(&next)

	for _, ch := range p.subs {
		offer(ch, next)
	}

	return next
}

// Subscribe returns a channel that receives every published snapshot.
// A subscriber that falls behind skips intermediate snapshots and
// receives the latest one. The cancel func closes the channel and is
// safe to call more than once.
func (p *Publisher) Subscribe() (<-chan models.SyncStatus, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++

	ch := make(chan models.SyncStatus, 1)
	p.subs[id] = ch

	var once sync.Once

	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()

			delete(p.subs, id)
			close(ch)
		})
	}

	return ch, cancel
}

// offer delivers s, replacing an undelivered older snapshot. Callers
// hold p.mu, so ch has no other sender.
func offer(ch chan models.SyncStatus, s models.SyncStatus) {
	select {
	case ch <- s:
		return
	default:
	}

	select {
	case <-ch:
	default:
	}

	ch <- s
}
