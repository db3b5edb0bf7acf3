// Package admin applies administrator edits to the local cache and
// forwards them to the remote service.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/draw-sync/internal/catalog"
	"github.com/alexjbarnes/draw-sync/internal/models"
)

const defaultPushTimeout = 15 * time.Second

// Store is the slice of the cache administrative edits write to.
type Store interface {
	UpsertBatch(collection string, entries []models.CacheEntry) (models.MergeCounts, error)
	DeleteByKey(collection, key string) (bool, error)
	InvalidateCursor(collection string) error
}

// Validator checks a record's structure.
type Validator interface {
	Validate(r models.Record) error
}

// Pusher forwards manual changes upstream.
type Pusher interface {
	Push(ctx context.Context, collection string, op models.Operation) error
}

// Config holds the adapter's collaborators.
type Config struct {
	Store     Store
	Validator Validator
	Pusher    Pusher

	// Online gates pushes. Nil means never push.
	Online func() bool

	PushTimeout time.Duration
	Now         func() time.Time
}

// Admin is the administrative adapter.
type Admin struct {
	store       Store
	validator   Validator
	pusher      Pusher
	online      func() bool
	pushTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// PutResult reports what a manual entry did.
type PutResult struct {
	Counts models.MergeCounts `json:"counts"`
	Pushed bool               `json:"pushed"`
}

// New creates an adapter.
func New(cfg Config, logger *slog.Logger) *Admin {
	a := &Admin{
		store:       cfg.Store,
		validator:   cfg.Validator,
		pusher:      cfg.Pusher,
		online:      cfg.Online,
		pushTimeout: cfg.PushTimeout,
		now:         cfg.Now,
		logger:      logger,
	}

	if a.online == nil {
		a.online = func() bool { return false }
	}

	if a.pushTimeout <= 0 {
		a.pushTimeout = defaultPushTimeout
	}

	if a.now == nil {
		a.now = time.Now
	}

	return a
}

// Put stores r as a manual entry stamped now and pushes it when online.
// A failed push leaves the local entry in place; the next push of the
// same record is idempotent upstream.
func (a *Admin) Put(ctx context.Context, r models.Record) (PutResult, error) {
	r.Collection = catalog.Normalize(r.Collection)
	r.EffectiveDate = r.EffectiveDate.UTC().Truncate(24 * time.Hour)

	if err := a.validator.Validate(r); err != nil {
		return PutResult{}, err
	}

	counts, err := a.store.UpsertBatch(r.Collection, []models.CacheEntry{models.ManualEntry(r, a.now().UTC())})
	if err != nil {
		return PutResult{}, fmt.Errorf("storing manual record: %w", err)
	}

	a.logger.Info("manual record stored",
		slog.String("collection", r.Collection),
		slog.String("date", r.Key()),
	)

	return PutResult{Counts: counts, Pushed: a.push(ctx, models.Operation{Kind: models.OpUpsert, Record: r})}, nil
}

// Delete removes the record of collection dated date. It reports whether
// an entry existed.
func (a *Admin) Delete(ctx context.Context, collection string, date time.Time) (bool, error) {
	r := models.Record{Collection: catalog.Normalize(collection), EffectiveDate: date.UTC()}

	existed, err := a.store.DeleteByKey(r.Collection, r.Key())
	if err != nil {
		return false, fmt.Errorf("deleting record: %w", err)
	}

	if existed {
		a.logger.Info("record deleted",
			slog.String("collection", r.Collection),
			slog.String("date", r.Key()),
		)
	}

	a.push(ctx, models.Operation{Kind: models.OpDelete, Record: r})

	return existed, nil
}

// Import bulk-loads records as manual entries. Structurally invalid
// records are counted as rejected. The collection's cursor is
// invalidated so the next pass reconciles it in full.
func (a *Admin) Import(ctx context.Context, collection string, records []models.Record) (models.MergeCounts, error) {
	collection = catalog.Normalize(collection)
	now := a.now().UTC()

	var (
		entries  []models.CacheEntry
		rejected int
	)

	for _, r := range records {
		r.Collection = collection
		if err := a.validator.Validate(r); err != nil {
			rejected++

			a.logger.Debug("import rejected record", slog.String("error", err.Error()))

			continue
		}

		entries = append(entries, models.ManualEntry(r, now))
	}

	counts, err := a.store.UpsertBatch(collection, entries)
	if err != nil {
		return models.MergeCounts{}, fmt.Errorf("importing %s: %w", collection, err)
	}

	counts.Rejected = rejected

	if err := a.store.InvalidateCursor(collection); err != nil {
		return counts, fmt.Errorf("invalidating cursor after import: %w", err)
	}

	a.logger.InfoContext(ctx, "import finished",
		slog.String("collection", collection),
		slog.Int("inserted", counts.Inserted),
		slog.Int("updated", counts.Updated),
		slog.Int("rejected", rejected),
	)

	return counts, nil
}

func (a *Admin) push(ctx context.Context, op models.Operation) bool {
	if a.pusher == nil || !a.online() {
		return false
	}

	pushCtx, cancel := context.WithTimeout(ctx, a.pushTimeout)
	defer cancel()

	if err := a.pusher.Push(pushCtx, op.Record.Collection, op); err != nil {
		a.logger.Warn("push failed, local change kept",
			slog.String("collection", op.Record.Collection),
			slog.String("date", op.Record.Key()),
			slog.String("kind", string(op.Kind)),
			slog.String("error", err.Error()),
		)

		return false
	}

	return true
}
