// Package connectivity tracks whether the remote service is reachable and
// kicks off a sync when it comes back.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/draw-sync/internal/models"
	"github.com/alexjbarnes/draw-sync/internal/status"
)

// Notifier delivers online/offline observations until ctx is cancelled.
// Observations may repeat; the Monitor only acts on transitions.
type Notifier interface {
	Run(ctx context.Context, report func(online bool)) error
}

// Monitor turns notifier observations into the published IsOnline flag
// and calls onOnline on each offline to online transition, at most once
// per minInterval. A reconnect inside the interval is deferred to its end
// and dropped only if the service is offline again by then. Going offline
// never cancels work in flight.
type Monitor struct {
	notifier    Notifier
	publisher   *status.Publisher
	onOnline    func()
	minInterval time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu          sync.Mutex
	online      bool
	lastTrigger time.Time
	pending     *time.Timer
	stopped     bool
}

// NewMonitor creates a monitor. The initial online state is taken from
// the publisher's current snapshot.
func NewMonitor(n Notifier, pub *status.Publisher, onOnline func(), minInterval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		notifier:    n,
		publisher:   pub,
		onOnline:    onOnline,
		minInterval: minInterval,
		logger:      logger,
		now:         time.Now,
		online:      pub.Get().IsOnline,
	}
}

// Run blocks until ctx is cancelled or the notifier fails. A deferred
// trigger does not fire after Run returns.
func (m *Monitor) Run(ctx context.Context) error {
	err := m.notifier.Run(ctx, m.observe)

	m.mu.Lock()
	m.stopped = true
	m.stopPending()
	m.mu.Unlock()

	return err
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.online
}

func (m *Monitor) observe(online bool) {
	m.mu.Lock()

	prev := m.online
	m.online = online

	if prev == online {
		m.mu.Unlock()
		return
	}

	m.publisher.Update(func(s *models.SyncStatus) { s.IsOnline = online })

	if !online {
		m.mu.Unlock()
		m.logger.Info("connectivity lost")

		return
	}

	now := m.now()
	if since := now.Sub(m.lastTrigger); !m.lastTrigger.IsZero() && since < m.minInterval {
		if m.pending == nil && !m.stopped {
			m.pending = time.AfterFunc(m.minInterval-since, m.deferred)
		}
		m.mu.Unlock()

		m.logger.Debug("connectivity restored, sync trigger deferred",
			slog.Duration("since_last", since),
		)

		return
	}

	m.lastTrigger = now
	m.stopPending()
	m.mu.Unlock()

	m.trigger()
}

// deferred fires the trigger held back by the debounce, if still online.
func (m *Monitor) deferred() {
	m.mu.Lock()

	m.pending = nil
	if !m.online || m.stopped {
		m.mu.Unlock()
		return
	}

	m.lastTrigger = m.now()
	m.mu.Unlock()

	m.trigger()
}

func (m *Monitor) trigger() {
	m.logger.Info("connectivity restored, triggering sync")

	if m.onOnline != nil {
		m.onOnline()
	}
}

// stopPending cancels a deferred trigger. Callers hold mu.
func (m *Monitor) stopPending() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}
