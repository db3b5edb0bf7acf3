package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"testing/synctest"
	"time"

	"github.com/alexjbarnes/draw-sync/internal/catalog"
	"github.com/alexjbarnes/draw-sync/internal/connectivity"
	apperrors "github.com/alexjbarnes/draw-sync/internal/errors"
	"github.com/alexjbarnes/draw-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// --- Scenarios ---

func TestForceSync_EmptyCacheSeedsFromFullSnapshot(t *testing.T) {
	h := started(t)
	records := draws(0, 120)

	h.gw.EXPECT().FetchFull(gomock.Any(), "National", 500).Return(records, nil).Times(1)

	res := h.o.ForceSync(context.Background())
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 120, res.CountsByCollection["National"].Inserted)

	cur := h.cursor(t)
	require.NotNil(t, cur)
	assert.True(t, cur.Watermark.Equal(records[119].SourceTimestamp))
	assert.Equal(t, testNow, cur.LastFullSyncAt)

	st := h.o.Status()
	assert.Equal(t, 120, st.TotalRecords)
	assert.Equal(t, testNow, st.LastSyncedAt)
	assert.Equal(t, models.StateIdle, st.State)
	assert.False(t, st.IsSyncing)
}

func TestIncrementalSync_FetchesOnlyAfterCursor(t *testing.T) {
	h := started(t)
	jan10 := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, h.store.SetCursor("National", models.Cursor{Watermark: jan10, LastFullSyncAt: testNow}))

	fresh := draws(12, 3)
	h.gw.EXPECT().FetchSince(gomock.Any(), "National", timeEq(jan10)).Return(fresh, nil).Times(1)

	res := h.o.PerformIncrementalSync(context.Background())
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 3, res.CountsByCollection["National"].Inserted)
	assert.True(t, h.cursor(t).Watermark.Equal(fresh[2].SourceTimestamp))
}

func TestIncrementalSync_TimeoutDegradesAndKeepsCache(t *testing.T) {
	h := started(t)
	h.seed(t, draws(0, 120))
	before := h.cursor(t)

	timeout := fmt.Errorf("fetching National: %w: %w: context deadline exceeded", apperrors.ErrNetwork, apperrors.ErrTimeout)
	h.gw.EXPECT().FetchSince(gomock.Any(), "National", gomock.Any()).Return(nil, timeout)

	res := h.o.PerformIncrementalSync(context.Background())
	assert.False(t, res.Success)

	st := h.o.Status()
	assert.Equal(t, models.StateDegraded, st.State)
	assert.Contains(t, st.LastError, "timed out")
	assert.Equal(t, before, h.cursor(t))

	records := h.o.GetRecords(context.Background(), "National", 200)
	assert.Len(t, records, 120)
}

func TestPerformIncrementalSync_ConcurrentCallsShareOnePass(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := started(t)
		release := make(chan struct{})

		h.gw.EXPECT().FetchFull(gomock.Any(), "National", gomock.Any()).
			DoAndReturn(func(ctx context.Context, _ string, _ int) ([]models.Record, error) {
				<-release
				return draws(0, 2), nil
			}).Times(1)

		results := make(chan models.SyncResult, 2)
		for range 2 {
			go func() { results <- h.o.PerformIncrementalSync(context.Background()) }()
		}

		synctest.Wait()
		assert.True(t, h.o.Status().IsSyncing)
		close(release)

		first, second := <-results, <-results
		assert.True(t, first.Success)
		assert.Equal(t, first, second)
	})
}

func TestForceSync_ConcurrentCallsShareOneFetch(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := started(t)
		h.seed(t, draws(0, 5))
		release := make(chan struct{})

		h.gw.EXPECT().FetchFull(gomock.Any(), "National", 500).
			DoAndReturn(func(ctx context.Context, _ string, _ int) ([]models.Record, error) {
				<-release
				return draws(0, 6), nil
			}).Times(1)

		results := make(chan models.SyncResult, 2)
		for range 2 {
			go func() { results <- h.o.ForceSync(context.Background()) }()
		}

		synctest.Wait()
		close(release)

		first, second := <-results, <-results
		assert.Equal(t, first, second)
		assert.Equal(t, 1, first.CountsByCollection["National"].Inserted)
	})
}

func TestPerformIncrementalSync_JoinsInFlightForceSync(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := started(t)
		h.seed(t, draws(0, 5))
		release := make(chan struct{})

		h.gw.EXPECT().FetchFull(gomock.Any(), "National", 500).
			DoAndReturn(func(ctx context.Context, _ string, _ int) ([]models.Record, error) {
				<-release
				return draws(0, 6), nil
			}).Times(1)
		h.gw.EXPECT().FetchSince(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		forced := make(chan models.SyncResult, 1)
		go func() { forced <- h.o.ForceSync(context.Background()) }()
		synctest.Wait()
		require.Equal(t, models.StateSyncing, h.o.Status().State)

		incremental := make(chan models.SyncResult, 1)
		go func() { incremental <- h.o.PerformIncrementalSync(context.Background()) }()
		synctest.Wait()
		close(release)

		first, second := <-forced, <-incremental
		assert.True(t, first.Success, first.Message)
		assert.Equal(t, first, second)
	})
}

func TestTriggerSync_JoinsInFlightFallback(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := started(t)
		release := make(chan struct{})

		h.gw.EXPECT().FetchFull(gomock.Any(), "National", 500).
			DoAndReturn(func(ctx context.Context, _ string, _ int) ([]models.Record, error) {
				<-release
				return draws(0, 3), nil
			}).Times(1)

		records := make(chan []models.Record, 1)
		go func() { records <- h.o.GetRecords(context.Background(), "National", 10) }()
		synctest.Wait()

		h.o.TriggerSync()
		synctest.Wait()
		close(release)

		assert.Len(t, <-records, 3)
		require.NoError(t, h.o.Close())
		assert.Equal(t, 3, h.o.Status().TotalRecords)
	})
}

func TestForceSync_RunsAfterInFlightIncremental(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := started(t)
		h.seed(t, draws(0, 5))
		release := make(chan struct{})

		gomock.InOrder(
			h.gw.EXPECT().FetchSince(gomock.Any(), "National", gomock.Any()).
				DoAndReturn(func(ctx context.Context, _ string, _ time.Time) ([]models.Record, error) {
					<-release
					return draws(5, 1), nil
				}),
			h.gw.EXPECT().FetchFull(gomock.Any(), "National", 500).Return(draws(0, 7), nil),
		)

		incremental := make(chan models.SyncResult, 1)
		go func() { incremental <- h.o.PerformIncrementalSync(context.Background()) }()
		synctest.Wait()

		forced := make(chan models.SyncResult, 1)
		go func() { forced <- h.o.ForceSync(context.Background()) }()
		synctest.Wait()
		close(release)

		assert.Equal(t, 1, (<-incremental).CountsByCollection["National"].Inserted)
		assert.Equal(t, 1, (<-forced).CountsByCollection["National"].Inserted)

		n, err := h.store.Count("National")
		require.NoError(t, err)
		assert.Equal(t, 7, n)
	})
}

func TestIncrementalSync_ManualRecordSurvivesOlderRemote(t *testing.T) {
	h := started(t)
	h.seed(t, draws(0, 5))

	manual := draw(5)
	manual.Primary = []int{10, 20, 30, 40, 50, 59}
	manualAt := draw(5).SourceTimestamp.Add(time.Hour)
	_, err := h.store.UpsertBatch("National", []models.CacheEntry{models.ManualEntry(manual, manualAt)})
	require.NoError(t, err)

	h.gw.EXPECT().FetchSince(gomock.Any(), "National", gomock.Any()).Return([]models.Record{draw(5)}, nil)

	res := h.o.PerformIncrementalSync(context.Background())
	require.True(t, res.Success, res.Message)

	counts := res.CountsByCollection["National"]
	assert.Equal(t, 1, counts.Skipped)
	assert.Equal(t, 1, counts.Conflicts)

	got, err := h.store.Entry("National", manual.Key())
	require.NoError(t, err)
	assert.Equal(t, models.OriginManual, got.Origin)
	assert.Equal(t, manual.Primary, got.Record.Primary)
}

// --- Properties ---

func TestIncrementalSync_Idempotent(t *testing.T) {
	h := started(t)
	h.seed(t, draws(0, 10))

	h.gw.EXPECT().FetchSince(gomock.Any(), "National", gomock.Any()).Return(draws(10, 2), nil)
	require.True(t, h.o.PerformIncrementalSync(context.Background()).Success)

	cursorBefore := h.cursor(t)
	entriesBefore, err := h.store.Get("National", 0)
	require.NoError(t, err)

	// A repeat with nothing new, then one where the service resends the
	// same window.
	h.gw.EXPECT().FetchSince(gomock.Any(), "National", gomock.Any()).Return(nil, nil)
	h.gw.EXPECT().FetchSince(gomock.Any(), "National", gomock.Any()).Return(draws(10, 2), nil)

	for range 2 {
		res := h.o.PerformIncrementalSync(context.Background())
		require.True(t, res.Success, res.Message)
		assert.False(t, res.CountsByCollection["National"].Changed())
	}

	entriesAfter, err := h.store.Get("National", 0)
	require.NoError(t, err)
	assert.Equal(t, cursorBefore, h.cursor(t))
	assert.Equal(t, entriesBefore, entriesAfter)
}

func TestIncrementalSync_CursorNeverMovesBack(t *testing.T) {
	h := started(t)
	h.seed(t, draws(0, 10))
	before := h.cursor(t).Watermark

	late := draw(3)
	late.SourceTimestamp = day0.AddDate(0, 0, 4)
	h.gw.EXPECT().FetchSince(gomock.Any(), "National", gomock.Any()).Return([]models.Record{late}, nil)

	require.True(t, h.o.PerformIncrementalSync(context.Background()).Success)
	assert.True(t, h.cursor(t).Watermark.Equal(before))
}

func TestSync_OfflinePerformsNoNetworkCall(t *testing.T) {
	n := connectivity.NewManualNotifier(false)
	h := started(t, func(c *Config) { c.Notifier = n })

	before := h.o.Status()
	res := h.o.PerformIncrementalSync(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, apperrors.ErrOffline.Error(), res.Message)
	assert.False(t, h.o.ForceSync(context.Background()).Success)
	assert.Equal(t, before, h.o.Status())

	// No gateway expectations are set, so a call would fail the test.
	assert.False(t, h.sched.Fire(), "guard must hold the scheduler while offline")
}

func TestSync_ReconnectTriggersPass(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		n := connectivity.NewManualNotifier(false)
		h := started(t, func(c *Config) { c.Notifier = n })
		synctest.Wait()

		h.gw.EXPECT().FetchFull(gomock.Any(), "National", 500).Return(draws(0, 3), nil).Times(1)

		n.Set(true)
		synctest.Wait()

		st := h.o.Status()
		assert.True(t, st.IsOnline)
		assert.Equal(t, 3, st.TotalRecords)

		require.NoError(t, h.o.Close())
	})
}

func TestSync_ValidationRejectsAreCounted(t *testing.T) {
	h := started(t)

	bad := draw(3)
	bad.Primary = []int{1, 2}
	missing := models.Record{Collection: "National"}

	h.gw.EXPECT().FetchFull(gomock.Any(), "National", 500).
		Return([]models.Record{draw(0), draw(1), bad, missing, draw(2)}, nil)

	res := h.o.ForceSync(context.Background())
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 3, res.CountsByCollection["National"].Inserted)
	assert.Equal(t, 2, res.CountsByCollection["National"].Rejected)
	assert.True(t, h.cursor(t).Watermark.Equal(draw(2).SourceTimestamp))
}

func TestSync_StoreFailureDegradesAndKeepsCursor(t *testing.T) {
	h := newHarness(t)
	fs := &failingStore{Store: h.store, commitErr: fmt.Errorf("committing batch: %w", apperrors.ErrStore)}
	h.o.store = fs
	require.NoError(t, h.o.Initialize(context.Background()))
	h.seed(t, draws(0, 3))
	before := h.cursor(t)

	h.gw.EXPECT().FetchSince(gomock.Any(), "National", gomock.Any()).Return(draws(3, 2), nil)

	res := h.o.PerformIncrementalSync(context.Background())
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "store error")
	assert.Equal(t, models.StateDegraded, h.o.Status().State)
	assert.Equal(t, before, h.cursor(t))

	// Degraded to Syncing to Idle on the next successful pass.
	fs.commitErr = nil
	h.gw.EXPECT().FetchSince(gomock.Any(), "National", gomock.Any()).Return(draws(3, 2), nil)
	require.True(t, h.o.PerformIncrementalSync(context.Background()).Success)

	st := h.o.Status()
	assert.Equal(t, models.StateIdle, st.State)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 5, st.TotalRecords)
}

func TestSync_FailingCollectionDoesNotBlockOthers(t *testing.T) {
	cat := testCatalog(t,
		catalog.Collection{Name: "National", Primary: 6, Secondary: 1},
		catalog.Collection{Name: "Thunderball"},
	)
	h := started(t, func(c *Config) { c.Catalog = cat })

	h.gw.EXPECT().FetchFull(gomock.Any(), "National", 500).Return(draws(0, 2), nil)
	h.gw.EXPECT().FetchFull(gomock.Any(), "Thunderball", 500).Return(nil, apperrors.ErrNetwork)

	res := h.o.PerformIncrementalSync(context.Background())
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Thunderball")
	assert.Equal(t, 2, res.CountsByCollection["National"].Inserted)
	assert.NotContains(t, res.CountsByCollection, "Thunderball")
}

func TestSync_StaleCursorRunsFull(t *testing.T) {
	h := started(t, func(c *Config) { c.FullResyncAfter = 24 * time.Hour })
	require.NoError(t, h.store.SetCursor("National", models.Cursor{
		Watermark:      day0,
		LastFullSyncAt: testNow.Add(-48 * time.Hour),
	}))

	h.gw.EXPECT().FetchFull(gomock.Any(), "National", 500).Return(nil, nil)

	require.True(t, h.o.PerformIncrementalSync(context.Background()).Success)
	assert.Equal(t, testNow, h.cursor(t).LastFullSyncAt)
}

func TestSync_InvalidCursorRunsFull(t *testing.T) {
	h := started(t)
	h.seed(t, draws(0, 3))
	require.NoError(t, h.store.InvalidateCursor("National"))

	h.gw.EXPECT().FetchFull(gomock.Any(), "National", 500).Return(draws(0, 3), nil)

	require.True(t, h.o.PerformIncrementalSync(context.Background()).Success)
	assert.False(t, h.cursor(t).Invalid)
}

func TestSync_InvalidationDuringPassSurvivesCommit(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := started(t)
		h.seed(t, draws(0, 3))
		release := make(chan struct{})

		h.gw.EXPECT().FetchSince(gomock.Any(), "National", gomock.Any()).
			DoAndReturn(func(ctx context.Context, _ string, _ time.Time) ([]models.Record, error) {
				<-release
				return draws(3, 2), nil
			})

		result := make(chan models.SyncResult, 1)
		go func() { result <- h.o.PerformIncrementalSync(context.Background()) }()
		synctest.Wait()

		require.NoError(t, h.store.InvalidateCursor("National"))
		close(release)
		require.True(t, (<-result).Success)

		cur := h.cursor(t)
		assert.True(t, cur.Invalid)
		assert.True(t, cur.Watermark.Equal(draw(4).SourceTimestamp))

		h.gw.EXPECT().FetchFull(gomock.Any(), "National", 500).Return(draws(0, 5), nil)
		require.True(t, h.o.PerformIncrementalSync(context.Background()).Success)
		assert.False(t, h.cursor(t).Invalid)
	})
}

func TestSync_CollectionFullLimitAndRetention(t *testing.T) {
	cat := testCatalog(t, catalog.Collection{Name: "National", Primary: 6, Secondary: 1, FullLimit: 50, KeepLatest: 20})
	h := started(t, func(c *Config) { c.Catalog = cat })

	h.gw.EXPECT().FetchFull(gomock.Any(), "National", 50).Return(draws(0, 50), nil)

	require.True(t, h.o.ForceSync(context.Background()).Success)

	n, err := h.store.Count("National")
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Equal(t, 20, h.o.Status().TotalRecords)
}

func TestSyncCollection_UnknownCollection(t *testing.T) {
	h := started(t)

	res := h.o.SyncCollection(context.Background(), "Lotto")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "unknown collection")
}

// --- Lifecycle ---

func TestInitialize_IdempotentAndRebuildsStatus(t *testing.T) {
	h := newHarness(t)
	h.seed(t, draws(0, 7))

	require.NoError(t, h.o.Initialize(context.Background()))
	require.NoError(t, h.o.Initialize(context.Background()))

	st := h.o.Status()
	assert.Equal(t, 7, st.TotalRecords)
	assert.Equal(t, testNow, st.LastSyncedAt)
	assert.True(t, st.IsOnline)
	assert.Equal(t, models.StateIdle, st.State)
}

func TestInitialize_AfterClose(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Close())
	require.NoError(t, h.o.Close())

	assert.ErrorIs(t, h.o.Initialize(context.Background()), apperrors.ErrClosed)
	assert.False(t, h.o.PerformIncrementalSync(context.Background()).Success)
}

func TestClose_DiscardsInFlightResult(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := started(t)
		release := make(chan struct{})

		h.gw.EXPECT().FetchFull(gomock.Any(), "National", 500).
			DoAndReturn(func(ctx context.Context, _ string, _ int) ([]models.Record, error) {
				<-release
				return draws(0, 4), nil
			})

		result := make(chan models.SyncResult, 1)
		go func() { result <- h.o.ForceSync(context.Background()) }()
		synctest.Wait()

		require.NoError(t, h.o.Close())
		close(release)

		res := <-result
		assert.False(t, res.Success)
		assert.Contains(t, res.Message, "discarded")
		assert.True(t, h.o.Status().LastSyncedAt.IsZero(), "closed orchestrator must not publish")
	})
}

func TestScheduler_FiresIncrementalPass(t *testing.T) {
	h := started(t)
	h.gw.EXPECT().FetchFull(gomock.Any(), "National", 500).Return(draws(0, 2), nil)

	require.True(t, h.sched.Fire())
	require.NoError(t, h.o.Close())

	n, err := h.store.Count("National")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSetCatalog_SyncsNewCollections(t *testing.T) {
	h := started(t)

	cat := testCatalog(t,
		catalog.Collection{Name: "National", Primary: 6, Secondary: 1},
		catalog.Collection{Name: "EuroMillions"},
	)

	h.gw.EXPECT().FetchFull(gomock.Any(), "EuroMillions", 500).Return(nil, nil).Times(1)

	h.o.SetCatalog(cat)
	require.NoError(t, h.o.Close())

	assert.True(t, h.o.Catalog().Has("EuroMillions"))
}

func TestValidate_FollowsCatalogReload(t *testing.T) {
	h := newHarness(t)

	short := draw(0)
	short.Primary = []int{1, 2, 3}
	assert.ErrorIs(t, h.o.Validate(short), apperrors.ErrValidation)

	euro := models.Record{Collection: "EuroMillions", EffectiveDate: day0}
	assert.ErrorIs(t, h.o.Validate(euro), apperrors.ErrUnknownCollection)

	h.o.catalog.Store(testCatalog(t, catalog.Collection{Name: "National"}, catalog.Collection{Name: "EuroMillions"}))

	assert.NoError(t, h.o.Validate(short))
	assert.NoError(t, h.o.Validate(euro))
}

func TestOnline_TracksPublisher(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.o.Online())

	require.NoError(t, h.o.Initialize(context.Background()))
	assert.True(t, h.o.Online(), "no notifier means always online")
}
