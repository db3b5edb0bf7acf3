package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pinger is the slice of the gateway a ProbeNotifier needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProbeNotifier observes connectivity by pinging the service on an
// interval. The first probe runs immediately.
type ProbeNotifier struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewProbeNotifier creates a probe-based notifier. Each probe is bounded
// by timeout.
func NewProbeNotifier(p Pinger, interval, timeout time.Duration, logger *slog.Logger) *ProbeNotifier {
	return &ProbeNotifier{pinger: p, interval: interval, timeout: timeout, logger: logger}
}

// Run probes until ctx is cancelled.
func (p *ProbeNotifier) Run(ctx context.Context, report func(online bool)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		report(p.probe(ctx))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *ProbeNotifier) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.pinger.Ping(probeCtx); err != nil {
		p.logger.Debug("connectivity probe failed", slog.String("error", err.Error()))
		return false
	}

	return true
}

// ManualNotifier reports whatever state it is set to. It backs offline
// runs, always-online deployments and tests.
type ManualNotifier struct {
	mu     sync.Mutex // held while reporting so observations stay ordered
	online bool
	report func(bool)
}

// NewManualNotifier creates a notifier starting in the given state.
func NewManualNotifier(online bool) *ManualNotifier {
	return &ManualNotifier{online: online}
}

// Run reports the current state and then every Set until ctx is cancelled.
func (n *ManualNotifier) Run(ctx context.Context, report func(online bool)) error {
	n.mu.Lock()
	n.report = report
	report(n.online)
	n.mu.Unlock()

	<-ctx.Done()

	n.mu.Lock()
	n.report = nil
	n.mu.Unlock()

	return ctx.Err()
}

// Set changes the state. When Run is active the observation is delivered
// before Set returns.
func (n *ManualNotifier) Set(online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.online = online
	if n.report != nil {
		n.report(online)
	}
}
