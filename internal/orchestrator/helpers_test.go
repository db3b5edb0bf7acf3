package orchestrator

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/draw-sync/internal/cache"
	"github.com/alexjbarnes/draw-sync/internal/catalog"
	"github.com/alexjbarnes/draw-sync/internal/gateway/gatewaymock"
	"github.com/alexjbarnes/draw-sync/internal/models"
	"github.com/alexjbarnes/draw-sync/internal/scheduler"
	"github.com/alexjbarnes/draw-sync/internal/status"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var (
	day0    = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

// draw returns a valid National record i days after day0, stamped at
// 21:00 on its draw day.
func draw(i int) models.Record {
	d := day0.AddDate(0, 0, i)

	return models.Record{
		Collection:      "National",
		EffectiveDate:   d,
		Primary:         []int{1, 2, 3, 4, 5, 6},
		Secondary:       []int{7},
		SourceTimestamp: d.Add(21 * time.Hour),
	}
}

func draws(from, n int) []models.Record {
	out := make([]models.Record, n)
	for i := range out {
		out[i] = draw(from + i)
	}

	return out
}

func timeEq(want time.Time) gomock.Matcher {
	return gomock.Cond(func(x any) bool {
		got, ok := x.(time.Time)
		return ok && got.Equal(want)
	})
}

// failingStore lets tests break individual store operations.
type failingStore struct {
	*cache.Store
	commitErr error
	getErr    error
}

func (f *failingStore) CommitBatch(collection string, entries []models.CacheEntry, cursor models.Cursor) (models.MergeCounts, error) {
	if f.commitErr != nil {
		return models.MergeCounts{}, f.commitErr
	}

	return f.Store.CommitBatch(collection, entries, cursor)
}

func (f *failingStore) Get(collection string, limit int) ([]models.CacheEntry, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}

	return f.Store.Get(collection, limit)
}

type harness struct {
	o     *Orchestrator
	gw    *gatewaymock.MockGateway
	store *cache.Store
	pub   *status.Publisher
	sched *scheduler.Manual
}

func testCatalog(t *testing.T, defs ...catalog.Collection) *catalog.Catalog {
	t.Helper()

	if len(defs) == 0 {
		defs = []catalog.Collection{{Name: "National", Primary: 6, Secondary: 1, Max: 59, SecondaryMax: 59}}
	}

	c, err := catalog.New(defs)
	require.NoError(t, err)

	return c
}

// newHarness wires an orchestrator to a mock gateway and a real cache in
// a temp dir. The orchestrator is not initialized.
func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	ctrl := gomock.NewController(t)

	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		gw:    gatewaymock.NewMockGateway(ctrl),
		store: store,
		pub:   status.NewPublisher(models.SyncStatus{}),
	}

	cfg := Config{
		Gateway:   h.gw,
		Store:     store,
		Catalog:   testCatalog(t),
		Publisher: h.pub,
		NewScheduler: func(g scheduler.Guard) scheduler.Scheduler {
			h.sched = scheduler.NewManual(g)
			return h.sched
		},
		Now: func() time.Time { return testNow },
	}

	for _, m := range mutate {
		m(&cfg)
	}

	h.o = New(cfg, slog.Default())
	t.Cleanup(func() { h.o.Close() })

	return h
}

// started returns an initialized harness.
func started(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	h := newHarness(t, mutate...)
	require.NoError(t, h.o.Initialize(context.Background()))

	return h
}

// seed stores records as remote entries with a matching cursor.
func (h *harness) seed(t *testing.T, records []models.Record) {
	t.Helper()

	entries := make([]models.CacheEntry, len(records))
	for i, r := range records {
		entries[i] = models.RemoteEntry(r)
	}

	cur := models.Cursor{}.Advance(records[len(records)-1].SourceTimestamp, testNow, true)
	_, err := h.store.CommitBatch("National", entries, cur)
	require.NoError(t, err)
}

func (h *harness) cursor(t *testing.T) *models.Cursor {
	t.Helper()

	cur, err := h.store.GetCursor("National")
	require.NoError(t, err)

	return cur
}
