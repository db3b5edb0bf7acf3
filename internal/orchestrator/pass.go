package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alexjbarnes/draw-sync/internal/catalog"
	apperrors "github.com/alexjbarnes/draw-sync/internal/errors"
	"github.com/alexjbarnes/draw-sync/internal/models"
	"github.com/oklog/ulid/v2"
)

// passKey is the single-flight key every pass runs under, so at most one
// reconciliation is in flight at a time.
const passKey = "pass"

// outcome is the result of reconciling one collection.
type outcome struct {
	counts models.MergeCounts

	// entries are the validated records fetched by the pass, kept so the
	// read path can serve them even if the commit failed.
	entries []models.CacheEntry
	err     error
}

// passOutcome is what one pass produced, shared with every caller that
// joined it.
type passOutcome struct {
	full        bool
	result      models.SyncResult
	collections map[string]outcome
}

// covers reports whether the pass reconciled every one of names.
func (p passOutcome) covers(names []string) bool {
	for _, name := range names {
		if _, ok := p.collections[name]; !ok {
			return false
		}
	}

	return true
}

// PerformIncrementalSync reconciles every tracked collection, each in the
// mode its cursor calls for. A call made while any pass is in flight
// joins it and returns its result.
func (o *Orchestrator) PerformIncrementalSync(ctx context.Context) models.SyncResult {
	p := o.run(ctx, false, nil, func(passOutcome) bool { return true })
	return p.result
}

// ForceSync reconciles every tracked collection in full mode regardless
// of cursor state. It joins an in-flight full pass over the whole
// catalog, and otherwise runs once the in-flight pass is done.
func (o *Orchestrator) ForceSync(ctx context.Context) models.SyncResult {
	p := o.run(ctx, true, nil, func(p passOutcome) bool {
		return p.full && p.covers(o.catalog.Load().Names())
	})

	return p.result
}

// SyncCollection reconciles one collection, joining an in-flight pass
// that covers it.
func (o *Orchestrator) SyncCollection(ctx context.Context, name string) models.SyncResult {
	name = catalog.Normalize(name)
	if !o.catalog.Load().Has(name) {
		return models.SyncResult{Message: fmt.Sprintf("%s: %q", apperrors.ErrUnknownCollection, name)}
	}

	p := o.run(ctx, false, []string{name}, coversName(name))

	return p.result
}

func coversName(name string) func(passOutcome) bool {
	return func(p passOutcome) bool { return p.covers([]string{name}) }
}

// run starts a pass over names, nil meaning the whole catalog, or joins
// the one in flight. When the joined pass does not satisfy accept the
// caller runs its own pass after it, never alongside it.
func (o *Orchestrator) run(ctx context.Context, full bool, names []string, accept func(passOutcome) bool) passOutcome {
	// The pass outlives any single caller; each gateway call carries its
	// own timeout.
	passCtx := context.WithoutCancel(ctx)

	for {
		if o.closed.Load() {
			return passOutcome{result: models.SyncResult{Message: apperrors.ErrClosed.Error()}}
		}

		if !o.online() {
			o.logger.Debug("sync skipped while offline", slog.Bool("full", full))
			return passOutcome{result: models.SyncResult{Message: apperrors.ErrOffline.Error()}}
		}

		v, _, shared := o.passes.Do(passKey, func() (any, error) {
			targets := names
			if targets == nil {
				targets = o.catalog.Load().Names()
			}

			return o.pass(passCtx, full, targets), nil
		})

		p := v.(passOutcome)
		if !shared || accept(p) {
			if shared {
				o.logger.Debug("joined in-flight sync", slog.Bool("full", p.full))
			}

			return p
		}

		o.logger.Debug("in-flight sync did not cover request, running after it", slog.Bool("full", full))
	}
}

// pass reconciles names one after another and publishes the outcome.
func (o *Orchestrator) pass(ctx context.Context, full bool, names []string) passOutcome {
	passID := ulid.Make().String()
	logger := o.logger.With(slog.String("pass", passID))
	start := o.now()

	o.begin()

	p := passOutcome{full: full, collections: make(map[string]outcome, len(names))}
	result := models.SyncResult{CountsByCollection: make(map[string]models.MergeCounts, len(names))}

	var failures []string

	for _, name := range names {
		out := o.reconcileCollection(ctx, logger.With(slog.String("collection", name)), name, full)
		p.collections[name] = out

		if out.err != nil {
			failures = append(failures, name+": "+out.err.Error())
			continue
		}

		result.CountsByCollection[name] = out.counts
	}

	var total models.MergeCounts
	for _, c := range result.CountsByCollection {
		total = total.Add(c)
	}

	if len(failures) == 0 {
		result.Success = true
		result.Message = fmt.Sprintf("synced %d collections: %d inserted, %d updated, %d skipped, %d rejected",
			len(result.CountsByCollection), total.Inserted, total.Updated, total.Skipped, total.Rejected)
	} else {
		result.Message = strings.Join(failures, "; ")
	}

	logger.Info("sync pass finished",
		slog.Bool("full", full),
		slog.Bool("success", result.Success),
		slog.Int("collections", len(names)),
		slog.Int("inserted", total.Inserted),
		slog.Int("updated", total.Updated),
		slog.Int("rejected", total.Rejected),
		slog.Int("failed", len(failures)),
		slog.Duration("elapsed", o.now().Sub(start)),
	)

	if !o.finish(result) {
		result = models.SyncResult{Message: apperrors.ErrClosed.Error() + ": result discarded"}
	}

	p.result = result

	return p
}

// reconcileCollection runs fetch, validate, commit and purge for one
// collection. The cursor only moves inside a successful commit.
func (o *Orchestrator) reconcileCollection(ctx context.Context, logger *slog.Logger, name string, forceFull bool) outcome {
	cur, err := o.store.GetCursor(name)
	if err != nil {
		logger.Warn("reading cursor failed", slog.String("error", err.Error()))
		return outcome{err: err}
	}

	// Untracked collections are read with a rules-free definition.
	def, ok := o.catalog.Load().Lookup(name)
	if !ok {
		def = catalog.Collection{Name: name}
	}

	full := forceFull || cur.NeedsFull() || o.stale(cur)

	records, err := o.fetch(ctx, def, cur, full)
	if err != nil {
		logger.Warn("fetch failed, cursor unchanged",
			slog.Bool("full", full),
			slog.Bool("transient", isTransient(err)),
			slog.String("error", err.Error()),
		)

		return outcome{err: err}
	}

	entries, rejected := validate(logger, def, records)

	var base models.Cursor
	if cur != nil {
		base = *cur
	}

	now := o.now().UTC()
	next := base.Advance(watermark(entries, base.Watermark), now, full)

	if len(entries) == 0 && !full {
		logger.Debug("nothing new", slog.Int("rejected", rejected))
		return outcome{counts: models.MergeCounts{Rejected: rejected}}
	}

	counts, err := o.store.CommitBatch(name, entries, next)
	if err != nil {
		logger.Error("commit failed, cursor unchanged", slog.String("error", err.Error()))
		return outcome{entries: entries, err: err}
	}

	counts.Rejected = rejected

	o.purge(logger, def, now)

	logger.Debug("collection reconciled",
		slog.Bool("full", full),
		slog.Int("fetched", len(records)),
		slog.Int("inserted", counts.Inserted),
		slog.Int("updated", counts.Updated),
		slog.Int("skipped", counts.Skipped),
		slog.Int("conflicts", counts.Conflicts),
		slog.Time("watermark", next.Watermark),
	)

	return outcome{counts: counts, entries: entries}
}

func (o *Orchestrator) fetch(ctx context.Context, def catalog.Collection, cur *models.Cursor, full bool) ([]models.Record, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()

	if full {
		limit := o.fullSyncLimit
		if def.FullLimit > 0 {
			limit = def.FullLimit
		}

		return o.gateway.FetchFull(fetchCtx, def.Name, limit)
	}

	return o.gateway.FetchSince(fetchCtx, def.Name, cur.Watermark)
}

// stale reports whether the last full pass is older than FullResyncAfter.
func (o *Orchestrator) stale(cur *models.Cursor) bool {
	if o.fullResyncAfter <= 0 || cur == nil {
		return false
	}

	return o.now().Sub(cur.LastFullSyncAt) > o.fullResyncAfter
}

// validate wraps the records that satisfy def as remote entries and
// counts the rest.
func validate(logger *slog.Logger, def catalog.Collection, records []models.Record) ([]models.CacheEntry, int) {
	entries := make([]models.CacheEntry, 0, len(records))
	rejected := 0

	for _, r := range records {
		if err := def.Validate(r); err != nil {
			rejected++

			logger.Debug("rejecting record", slog.String("error", err.Error()))

			continue
		}

		entries = append(entries, models.RemoteEntry(r))
	}

	if rejected > 0 {
		logger.Warn("rejected malformed records", slog.Int("rejected", rejected))
	}

	return entries, rejected
}

// watermark is the newest source timestamp in entries, or prev when the
// batch is empty. Records without a source timestamp count by their
// effective date.
func watermark(entries []models.CacheEntry, prev time.Time) time.Time {
	w := prev

	for _, e := range entries {
		ts := e.Record.SourceTimestamp
		if ts.IsZero() {
			ts = e.Record.EffectiveDate
		}

		if ts.After(w) {
			w = ts
		}
	}

	return w
}

func (o *Orchestrator) purge(logger *slog.Logger, def catalog.Collection, now time.Time) {
	policy := def.RetentionPolicy(now)
	if policy.Before.IsZero() && o.retentionDays > 0 {
		policy.Before = now.AddDate(0, 0, -o.retentionDays)
	}

	if !policy.Enabled() {
		return
	}

	n, err := o.store.PurgeOlderThan(def.Name, policy)
	if err != nil {
		logger.Warn("retention purge failed", slog.String("error", err.Error()))
		return
	}

	if n > 0 {
		logger.Info("purged expired records", slog.Int("purged", n))
	}
}

// begin moves the state machine into Syncing.
func (o *Orchestrator) begin() {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	o.active++
	if o.active == 1 && !o.closed.Load() {
		o.publisher.Update(func(s *models.SyncStatus) {
			s.IsSyncing = true
			s.State = models.StateSyncing
		})
	}
}

// finish publishes a pass result. It reports false when the orchestrator
// was closed in the meantime and the result was dropped.
func (o *Orchestrator) finish(result models.SyncResult) bool {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	o.active--

	if o.closed.Load() {
		return false
	}

	total, totalErr := o.store.TotalCount()
	now := o.now().UTC()
	idle := o.active == 0
	o.lastFailed = !result.Success

	o.publisher.Update(func(s *models.SyncStatus) {
		if totalErr == nil {
			s.TotalRecords = total
		}

		if result.Success {
			s.LastSyncedAt = now
			s.LastError = ""
		} else {
			s.LastError = result.Message
		}

		if idle {
			s.IsSyncing = false
			s.State = models.StateIdle

			if o.lastFailed {
				s.State = models.StateDegraded
			}
		}
	})

	return true
}

// isTransient reports whether err is worth retrying on the next pass.
func isTransient(err error) bool {
	return errors.Is(err, apperrors.ErrNetwork) || errors.Is(err, apperrors.ErrStoreUnavailable)
}
