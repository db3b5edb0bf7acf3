package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alexjbarnes/draw-sync/internal/catalog"
	"github.com/alexjbarnes/draw-sync/internal/models"
	"github.com/alexjbarnes/draw-sync/internal/reconcile"
)

// GetRecords returns up to limit records of a collection, most recent
// first, from the cache. On a cache miss it runs one full reconciliation
// of that collection, waiting at most ReadFallbackTimeout, and returns
// whatever is then available. Collections the catalog does not track are
// fetched the same way and seeded without structural rules. It never
// returns a sync error; failures show up in Status.
func (o *Orchestrator) GetRecords(ctx context.Context, collection string, limit int) []models.Record {
	name := catalog.Normalize(collection)
	logger := o.logger.With(slog.String("collection", name))

	cached, err := o.store.Get(name, limit)
	if err != nil {
		logger.Warn("cache read failed", slog.String("error", err.Error()))
	}

	if len(cached) > 0 {
		return recordsOf(cached)
	}

	if name == "" || o.closed.Load() || !o.online() {
		return recordsOf(cached)
	}

	fetched, ok := o.fallback(ctx, logger, name)
	if !ok {
		return recordsOf(cached)
	}

	seeded, err := o.store.Get(name, limit)
	if err != nil {
		logger.Warn("cache read after fallback failed", slog.String("error", err.Error()))
	}

	merged := reconcile.Merge(seeded, fetched)
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}

	return recordsOf(merged)
}

// fallback runs the read-path reconciliation through the same
// single-flight group and cursor as scheduled passes, joining an
// in-flight pass that covers the collection. It returns the fetched
// entries and whether the pass finished within the deadline.
func (o *Orchestrator) fallback(ctx context.Context, logger *slog.Logger, name string) ([]models.CacheEntry, bool) {
	waitCtx, cancel := context.WithTimeout(ctx, o.readFallbackTimeout)
	defer cancel()

	done := make(chan outcome, 1)

	started := o.spawn(func() {
		p := o.run(ctx, true, []string{name}, coversName(name))

		out, ok := p.collections[name]
		if !ok {
			out.err = errors.New(p.result.Message)
		}

		done <- out
	})
	if !started {
		return nil, false
	}

	select {
	case out := <-done:
		if out.err != nil {
			logger.Warn("read fallback failed, serving cache", slog.String("error", out.err.Error()))
		}

		return out.entries, true
	case <-waitCtx.Done():
		logger.Warn("read fallback timed out, serving cache")
		return nil, false
	}
}

func recordsOf(entries []models.CacheEntry) []models.Record {
	records := make([]models.Record, len(entries))
	for i, e := range entries {
		records[i] = e.Record
	}

	return records
}
