// Package orchestrator runs reconciliation passes between the local cache
// and the remote draw service and owns the sync state machine.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/draw-sync/internal/catalog"
	"github.com/alexjbarnes/draw-sync/internal/connectivity"
	apperrors "github.com/alexjbarnes/draw-sync/internal/errors"
	"github.com/alexjbarnes/draw-sync/internal/gateway"
	"github.com/alexjbarnes/draw-sync/internal/models"
	"github.com/alexjbarnes/draw-sync/internal/scheduler"
	"github.com/alexjbarnes/draw-sync/internal/status"
	"golang.org/x/sync/singleflight"
)

const (
	defaultFullSyncLimit       = 500
	defaultRequestTimeout      = 30 * time.Second
	defaultReadFallbackTimeout = 10 * time.Second
)

// Store is the slice of the local cache the orchestrator writes through.
type Store interface {
	Get(collection string, limit int) ([]models.CacheEntry, error)
	GetCursor(collection string) (*models.Cursor, error)
	CommitBatch(collection string, entries []models.CacheEntry, cursor models.Cursor) (models.MergeCounts, error)
	PurgeOlderThan(collection string, policy models.RetentionPolicy) (int, error)
	TotalCount() (int, error)
	LastFullSyncAt() (time.Time, error)
}

// Config holds the orchestrator's collaborators and tuning.
type Config struct {
	Gateway   gateway.Gateway
	Store     Store
	Catalog   *catalog.Catalog
	Publisher *status.Publisher

	// Notifier feeds the connectivity monitor. Nil means always online.
	Notifier connectivity.Notifier

	// NewScheduler builds the periodic scheduler around the orchestrator's
	// guard. Nil uses a wall-clock ticker at SyncInterval.
	NewScheduler func(guard scheduler.Guard) scheduler.Scheduler
	SyncInterval time.Duration

	FullSyncLimit       int
	FullResyncAfter     time.Duration
	RequestTimeout      time.Duration
	ReadFallbackTimeout time.Duration
	MinTriggerInterval  time.Duration
	RetentionDays       int

	Now func() time.Time
}

// Orchestrator coordinates reconciliation passes. One instance per
// process; construct with New and tear down with Close.
type Orchestrator struct {
	gateway   gateway.Gateway
	store     Store
	publisher *status.Publisher
	notifier  connectivity.Notifier
	logger    *slog.Logger
	now       func() time.Time

	catalog atomic.Pointer[catalog.Catalog]

	sched scheduler.Scheduler

	fullSyncLimit       int
	fullResyncAfter     time.Duration
	requestTimeout      time.Duration
	readFallbackTimeout time.Duration
	minTriggerInterval  time.Duration
	retentionDays       int

	passes singleflight.Group // every pass, under passKey

	stateMu    sync.Mutex
	active     int
	lastFailed bool

	lifeMu      sync.Mutex
	initialized bool
	closed      atomic.Bool
	runCtx      context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates an orchestrator. Nothing runs until Initialize.
func New(cfg Config, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		gateway:             cfg.Gateway,
		store:               cfg.Store,
		publisher:           cfg.Publisher,
		notifier:            cfg.Notifier,
		logger:              logger,
		now:                 cfg.Now,
		fullSyncLimit:       cfg.FullSyncLimit,
		fullResyncAfter:     cfg.FullResyncAfter,
		requestTimeout:      cfg.RequestTimeout,
		readFallbackTimeout: cfg.ReadFallbackTimeout,
		minTriggerInterval:  cfg.MinTriggerInterval,
		retentionDays:       cfg.RetentionDays,
	}

	if o.publisher == nil {
		o.publisher = status.NewPublisher(models.SyncStatus{State: models.StateIdle})
	}

	if o.now == nil {
		o.now = time.Now
	}

	if o.fullSyncLimit <= 0 {
		o.fullSyncLimit = defaultFullSyncLimit
	}

	if o.requestTimeout <= 0 {
		o.requestTimeout = defaultRequestTimeout
	}

	if o.readFallbackTimeout <= 0 {
		o.readFallbackTimeout = defaultReadFallbackTimeout
	}

	cat := cfg.Catalog
	if cat == nil {
		cat, _ = catalog.New(nil)
	}

	o.catalog.Store(cat)

	if cfg.NewScheduler != nil {
		o.sched = cfg.NewScheduler(o.shouldFire)
	} else {
		o.sched = scheduler.NewTicker(cfg.SyncInterval, o.shouldFire)
	}

	o.runCtx, o.cancel = context.WithCancel(context.Background())

	return o
}

// Initialize rebuilds the status snapshot from the cache and starts the
// scheduler and connectivity monitor. Calls after the first are no-ops.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	if o.closed.Load() {
		return apperrors.ErrClosed
	}

	if o.initialized {
		return nil
	}

	o.rebuildStatus()

	if o.notifier == nil {
		o.publisher.Update(func(s *models.SyncStatus) { s.IsOnline = true })
	} else {
		monitor := connectivity.NewMonitor(o.notifier, o.publisher, o.TriggerSync, o.minTriggerInterval, o.logger)

		o.wg.Add(1)

		go func() {
			defer o.wg.Done()

			if err := monitor.Run(o.runCtx); err != nil && o.runCtx.Err() == nil {
				o.logger.Error("connectivity monitor stopped", slog.String("error", err.Error()))
			}
		}()
	}

	o.sched.Start(o.TriggerSync)
	o.initialized = true

	o.logger.InfoContext(ctx, "orchestrator initialized",
		slog.Int("collections", len(o.catalog.Load().Names())),
		slog.Int("total_records", o.publisher.Get().TotalRecords),
	)

	return nil
}

func (o *Orchestrator) rebuildStatus() {
	total, totalErr := o.store.TotalCount()
	lastFull, fullErr := o.store.LastFullSyncAt()

	o.publisher.Update(func(s *models.SyncStatus) {
		s.State = models.StateIdle
		s.IsSyncing = false

		if totalErr != nil {
			s.State = models.StateDegraded
			s.LastError = totalErr.Error()

			return
		}

		s.TotalRecords = total

		if fullErr == nil && lastFull.After(s.LastSyncedAt) {
			s.LastSyncedAt = lastFull
		}
	})

	if totalErr != nil {
		o.logger.Warn("cache unavailable at startup", slog.String("error", totalErr.Error()))
	}
}

// Close stops the scheduler and monitor and waits for background passes.
// A pass finishing after Close does not publish its result. Close is
// idempotent.
func (o *Orchestrator) Close() error {
	o.lifeMu.Lock()
	if !o.closed.CompareAndSwap(false, true) {
		o.lifeMu.Unlock()
		return nil
	}
	o.lifeMu.Unlock()

	o.sched.Stop()
	o.cancel()
	o.wg.Wait()

	o.logger.Info("orchestrator closed")

	return nil
}

// Status returns the current sync status snapshot.
func (o *Orchestrator) Status() models.SyncStatus {
	return o.publisher.Get()
}

// Subscribe forwards to the status publisher.
func (o *Orchestrator) Subscribe() (<-chan models.SyncStatus, func()) {
	return o.publisher.Subscribe()
}

// Catalog returns the collections currently tracked.
func (o *Orchestrator) Catalog() *catalog.Catalog {
	return o.catalog.Load()
}

// SetCatalog swaps in a reloaded catalog. Collections that were not
// tracked before are synced in the background.
func (o *Orchestrator) SetCatalog(c *catalog.Catalog) {
	prev := o.catalog.Swap(c)

	for _, name := range c.Names() {
		if prev != nil && prev.Has(name) {
			continue
		}

		o.logger.Info("new collection tracked", slog.String("collection", name))
		o.TriggerCollection(name)
	}
}

// TriggerSync starts an incremental pass in the background. It never
// blocks and never starts a second pass while one is in flight.
func (o *Orchestrator) TriggerSync() {
	o.background(func(ctx context.Context) {
		o.PerformIncrementalSync(ctx)
	})
}

// TriggerCollection starts an incremental pass of one collection in the
// background, as hinted by the change feed.
func (o *Orchestrator) TriggerCollection(name string) {
	o.background(func(ctx context.Context) {
		o.SyncCollection(ctx, name)
	})
}

func (o *Orchestrator) background(fn func(ctx context.Context)) {
	o.spawn(func() { fn(o.runCtx) })
}

// spawn runs fn on a goroutine Close waits for. It reports false, without
// running fn, once the orchestrator is closed.
func (o *Orchestrator) spawn(fn func()) bool {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	if o.closed.Load() {
		return false
	}

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		fn()
	}()

	return true
}

// shouldFire is the scheduler guard.
func (o *Orchestrator) shouldFire() bool {
	s := o.publisher.Get()
	return s.IsOnline && !s.IsSyncing
}

func (o *Orchestrator) online() bool {
	return o.publisher.Get().IsOnline
}

// Online reports whether the draw service was last seen reachable.
func (o *Orchestrator) Online() bool {
	return o.online()
}

// Validate checks r against the current catalog, so edits follow catalog
// reloads.
func (o *Orchestrator) Validate(r models.Record) error {
	return o.Catalog().Validate(r)
}
