// Package cache is the local embedded store for draw records, sync
// cursors, derived artifacts and retention bookkeeping. It wraps a single
// bbolt database; every exported write is one bbolt transaction.
package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/draw-sync/internal/errors"
	"github.com/alexjbarnes/draw-sync/internal/models"
	"github.com/alexjbarnes/draw-sync/internal/reconcile"
	bolt "go.etcd.io/bbolt"
)

const (
	// cacheDirPerm is the permission mode for the directory holding the database.
	cacheDirPerm = fs.FileMode(0o700)

	// cacheFilePerm is the permission mode for the database file.
	cacheFilePerm = fs.FileMode(0o600)

	// cacheOpenTimeout is the maximum time to wait for the bolt database lock.
	cacheOpenTimeout = 5 * time.Second

	recordsPrefix = "records:"
)

var (
	artifactsBucket = []byte("artifacts")
	syncMetaBucket  = []byte("syncmeta")
	retentionBucket = []byte("retention")

	lastFullSyncKey = []byte("last_full_sync_at")
)

func recordsBucket(collection string) []byte {
	return []byte(recordsPrefix + collection)
}

func cursorKey(collection string) []byte {
	return []byte("cursor:" + collection)
}

func artifactKey(collection, name string) []byte {
	return []byte(collection + "/" + name)
}

// Store is the bbolt-backed local cache.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens the cache database at path, creating it and its fixed
// buckets if needed. Failures wrap ErrStoreUnavailable.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return nil, fmt.Errorf("%w: creating cache directory: %w", apperrors.ErrStoreUnavailable, err)
	}

	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: cacheOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: opening cache db: %w", apperrors.ErrStoreUnavailable, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{artifactsBucket, syncMetaBucket, retentionBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initializing cache db: %w", apperrors.ErrStoreUnavailable, err)
	}

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

// wrap classifies a bbolt failure as unavailable (closed or unopenable
// database) or as a generic store error.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, apperrors.ErrValidation) {
		return fmt.Errorf("%s: %w", op, err)
	}

	if errors.Is(err, bolt.ErrDatabaseNotOpen) || errors.Is(err, bolt.ErrTimeout) {
		return fmt.Errorf("%s: %w: %w", op, apperrors.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("%s: %w: %w", op, apperrors.ErrStore, err)
}

// Get returns up to limit entries of a collection, most recent effective
// date first. A limit of zero or less returns every entry. Entries that
// fail to decode are skipped.
func (s *Store) Get(collection string, limit int) ([]models.CacheEntry, error) {
	var entries []models.CacheEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(collection))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e models.CacheEntry
			if err := json.Unmarshal(v, &e); err != nil {
				s.logger.Warn("skipping corrupt cache entry",
					slog.String("collection", collection),
					slog.String("key", string(k)),
					slog.String("error", err.Error()),
				)

				continue
			}

			entries = append(entries, e)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}

		return nil
	})

	return entries, wrap("reading records", err)
}

// Records is Get without the bookkeeping.
func (s *Store) Records(collection string, limit int) ([]models.Record, error) {
	entries, err := s.Get(collection, limit)
	if err != nil {
		return nil, err
	}

	records := make([]models.Record, len(entries))
	for i, e := range entries {
		records[i] = e.Record
	}

	return records, nil
}

// Entry returns the entry stored under key, or nil if absent.
func (s *Store) Entry(collection, key string) (*models.CacheEntry, error) {
	var e *models.CacheEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(collection))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}

		e = &models.CacheEntry{}

		return json.Unmarshal(v, e)
	})

	return e, wrap("reading record", err)
}

// UpsertBatch merges entries into a collection in a single transaction.
// Either every decision is applied or none is.
func (s *Store) UpsertBatch(collection string, entries []models.CacheEntry) (models.MergeCounts, error) {
	var counts models.MergeCounts

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error

		counts, err = s.merge(tx, collection, entries)

		return err
	})
	if err != nil {
		return models.MergeCounts{}, wrap("upserting batch", err)
	}

	return counts, nil
}

// CommitBatch merges entries and advances the collection cursor in one
// transaction, so a crash can never leave the cursor ahead of the data
// or the data merged without the cursor. Derived artifacts of the
// collection are dropped when the merge changed anything.
func (s *Store) CommitBatch(collection string, entries []models.CacheEntry, cursor models.Cursor) (models.MergeCounts, error) {
	var counts models.MergeCounts

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error

		counts, err = s.merge(tx, collection, entries)
		if err != nil {
			return err
		}

		if err := putCursor(tx, collection, cursor); err != nil {
			return err
		}

		if err := putLastFullSync(tx, cursor.LastFullSyncAt); err != nil {
			return err
		}

		if counts.Changed() {
			return dropArtifacts(tx, collection)
		}

		return nil
	})
	if err != nil {
		return models.MergeCounts{}, wrap("committing batch", err)
	}

	return counts, nil
}

func (s *Store) merge(tx *bolt.Tx, collection string, entries []models.CacheEntry) (models.MergeCounts, error) {
	var counts models.MergeCounts

	if len(entries) == 0 {
		return counts, nil
	}

	if collection == "" {
		return counts, fmt.Errorf("%w: empty collection name", apperrors.ErrValidation)
	}

	b, err := tx.CreateBucketIfNotExists(recordsBucket(collection))
	if err != nil {
		return counts, err
	}

	for _, in := range entries {
		if in.Record.Collection != collection {
			return counts, fmt.Errorf("%w: record for %q in batch for %q",
				apperrors.ErrValidation, in.Record.Collection, collection)
		}

		if in.Record.EffectiveDate.IsZero() {
			return counts, fmt.Errorf("%w: record without effective date", apperrors.ErrValidation)
		}

		key := []byte(in.Record.Key())

		var existing *models.CacheEntry

		if v := b.Get(key); v != nil {
			existing = &models.CacheEntry{}
			if err := json.Unmarshal(v, existing); err != nil {
				// A corrupt entry is overwritten by any incoming version.
				existing = nil
			}
		}

		d := reconcile.Decide(existing, in)
		if d.Conflict {
			counts.Conflicts++
			s.logger.Warn("conflicting record arbitrated",
				slog.String("collection", collection),
				slog.String("key", string(key)),
				slog.String("existing_origin", string(existing.Origin)),
				slog.String("incoming_origin", string(in.Origin)),
				slog.String("action", d.Action.String()),
			)
		}

		switch d.Action {
		case reconcile.Skip:
			counts.Skipped++
			continue
		case reconcile.Insert:
			counts.Inserted++
		case reconcile.Replace:
			counts.Updated++
		}

		data, err := json.Marshal(in)
		if err != nil {
			return counts, err
		}

		if err := b.Put(key, data); err != nil {
			return counts, err
		}
	}

	return counts, nil
}

// GetCursor returns the cursor of a collection, or nil if none exists.
func (s *Store) GetCursor(collection string) (*models.Cursor, error) {
	var cur *models.Cursor

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(syncMetaBucket).Get(cursorKey(collection))
		if v == nil {
			return nil
		}

		cur = &models.Cursor{}
		if err := json.Unmarshal(v, cur); err != nil {
			// An unreadable cursor is treated as invalid so the next
			// pass falls back to a full reconciliation.
			cur = &models.Cursor{Invalid: true}
		}

		return nil
	})

	return cur, wrap("reading cursor", err)
}

// SetCursor stores the cursor of a collection. The stored watermark and
// last full sync never move backwards, and an invalidation newer than the
// cursor's epoch is kept.
func (s *Store) SetCursor(collection string, cursor models.Cursor) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putCursor(tx, collection, cursor)
	})

	return wrap("writing cursor", err)
}

func putCursor(tx *bolt.Tx, collection string, cursor models.Cursor) error {
	b := tx.Bucket(syncMetaBucket)

	if v := b.Get(cursorKey(collection)); v != nil {
		var prev models.Cursor
		if json.Unmarshal(v, &prev) == nil {
			if prev.Watermark.After(cursor.Watermark) {
				cursor.Watermark = prev.Watermark
			}

			if prev.LastFullSyncAt.After(cursor.LastFullSyncAt) {
				cursor.LastFullSyncAt = prev.LastFullSyncAt
			}

			// Invalidated after this cursor was read.
			if prev.Epoch > cursor.Epoch {
				cursor.Epoch = prev.Epoch
				cursor.Invalid = cursor.Invalid || prev.Invalid
			}
		}
	}

	data, err := json.Marshal(cursor)
	if err != nil {
		return err
	}

	return b.Put(cursorKey(collection), data)
}

func putLastFullSync(tx *bolt.Tx, at time.Time) error {
	if at.IsZero() {
		return nil
	}

	b := tx.Bucket(syncMetaBucket)

	if v := b.Get(lastFullSyncKey); v != nil {
		if prev, err := time.Parse(time.RFC3339Nano, string(v)); err == nil && !at.After(prev) {
			return nil
		}
	}

	return b.Put(lastFullSyncKey, []byte(at.UTC().Format(time.RFC3339Nano)))
}

// InvalidateCursor marks the cursor of a collection invalid so the next
// pass reconciles it in full. The watermark is kept and the epoch bumped,
// so a pass already in flight cannot clear the mark on commit.
func (s *Store) InvalidateCursor(collection string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(syncMetaBucket)

		cur := models.Cursor{}
		if v := b.Get(cursorKey(collection)); v != nil {
			_ = json.Unmarshal(v, &cur)
		}

		cur.Invalid = true
		cur.Epoch++

		data, err := json.Marshal(cur)
		if err != nil {
			return err
		}

		return b.Put(cursorKey(collection), data)
	})

	return wrap("invalidating cursor", err)
}

// LastFullSyncAt returns when any collection last completed a full pass.
func (s *Store) LastFullSyncAt() (time.Time, error) {
	var ts time.Time

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(syncMetaBucket).Get(lastFullSyncKey)
		if v == nil {
			return nil
		}

		var err error

		ts, err = time.Parse(time.RFC3339Nano, string(v))

		return err
	})

	return ts, wrap("reading last full sync", err)
}

// PurgeOlderThan deletes entries dated before policy.Before and entries
// beyond the policy.KeepLatest most recent. It returns the number removed.
func (s *Store) PurgeOlderThan(collection string, policy models.RetentionPolicy) (int, error) {
	if !policy.Enabled() {
		return 0, nil
	}

	var purged int

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(collection))
		if b == nil {
			return nil
		}

		var doomed [][]byte

		horizon := ""
		if !policy.Before.IsZero() {
			horizon = models.DateKey(policy.Before)
		}

		seen := 0

		c := b.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			seen++

			tooOld := horizon != "" && bytes.Compare(k, []byte(horizon)) < 0
			tooMany := policy.KeepLatest > 0 && seen > policy.KeepLatest

			if tooOld || tooMany {
				doomed = append(doomed, append([]byte(nil), k...))
			}
		}

		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		purged = len(doomed)

		meta := models.RetentionMeta{
			LastPurgeAt: s.now().UTC(),
			Purged:      purged,
			Horizon:     policy.Before,
		}

		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}

		return tx.Bucket(retentionBucket).Put([]byte(collection), data)
	})
	if err != nil {
		return 0, wrap("purging records", err)
	}

	return purged, nil
}

// RetentionMeta returns the last purge outcome of a collection, or nil.
func (s *Store) RetentionMeta(collection string) (*models.RetentionMeta, error) {
	var meta *models.RetentionMeta

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(retentionBucket).Get([]byte(collection))
		if v == nil {
			return nil
		}

		meta = &models.RetentionMeta{}

		return json.Unmarshal(v, meta)
	})

	return meta, wrap("reading retention meta", err)
}

// DeleteByKey removes one entry. It reports whether the entry existed.
func (s *Store) DeleteByKey(collection, key string) (bool, error) {
	var existed bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(collection))
		if b == nil {
			return nil
		}

		existed = b.Get([]byte(key)) != nil
		if !existed {
			return nil
		}

		if err := b.Delete([]byte(key)); err != nil {
			return err
		}

		return dropArtifacts(tx, collection)
	})

	return existed, wrap("deleting record", err)
}

// PutArtifact stores a derived artifact.
func (s *Store) PutArtifact(a models.Artifact) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}

		return tx.Bucket(artifactsBucket).Put(artifactKey(a.Collection, a.Name), data)
	})

	return wrap("writing artifact", err)
}

// GetArtifact returns a derived artifact, or nil if absent or invalidated.
func (s *Store) GetArtifact(collection, name string) (*models.Artifact, error) {
	var a *models.Artifact

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(artifactsBucket).Get(artifactKey(collection, name))
		if v == nil {
			return nil
		}

		a = &models.Artifact{}

		return json.Unmarshal(v, a)
	})

	return a, wrap("reading artifact", err)
}

func dropArtifacts(tx *bolt.Tx, collection string) error {
	b := tx.Bucket(artifactsBucket)
	prefix := []byte(collection + "/")

	var doomed [][]byte

	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		doomed = append(doomed, append([]byte(nil), k...))
	}

	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return err
		}
	}

	return nil
}

// Count returns the number of entries in a collection.
func (s *Store) Count(collection string) (int, error) {
	count := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(recordsBucket(collection)); b != nil {
			count = b.Stats().KeyN
		}

		return nil
	})

	return count, wrap("counting records", err)
}

// TotalCount returns the number of entries across all collections.
func (s *Store) TotalCount() (int, error) {
	total := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			if bytes.HasPrefix(name, []byte(recordsPrefix)) {
				total += b.Stats().KeyN
			}

			return nil
		})
	})

	return total, wrap("counting records", err)
}

// Collections returns the names of all collections with a records bucket,
// sorted.
func (s *Store) Collections() ([]string, error) {
	var names []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if n, ok := strings.CutPrefix(string(name), recordsPrefix); ok {
				names = append(names, n)
			}

			return nil
		})
	})

	sort.Strings(names)

	return names, wrap("listing collections", err)
}
