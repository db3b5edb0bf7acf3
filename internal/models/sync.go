package models

import "time"

// Cursor is the reconciliation progress marker of one collection.
type Cursor struct {
	Watermark      time.Time `json:"watermark"`
	Invalid        bool      `json:"invalid,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastFullSyncAt time.Time `json:"last_full_sync_at,omitempty"`

	// Epoch counts invalidations. A write carrying an older epoch cannot
	// clear an invalidation made after it was read.
	Epoch uint64 `json:"epoch,omitempty"`
}

// NeedsFull reports whether the cursor cannot drive an incremental pass.
func (c *Cursor) NeedsFull() bool {
	return c == nil || c.Invalid || c.Watermark.IsZero()
}

// Advance returns the cursor moved to watermark. The watermark never moves
// backwards, and an incremental advance that gains nothing returns c
// unchanged.
func (c Cursor) Advance(watermark, now time.Time, full bool) Cursor {
	if !full && !c.Invalid && !watermark.After(c.Watermark) {
		return c
	}

	next := c
	if watermark.After(next.Watermark) {
		next.Watermark = watermark
	}

	next.Invalid = false
	next.UpdatedAt = now

	if full {
		next.LastFullSyncAt = now
	}

	return next
}

// SyncState is the orchestrator's state machine position.
type SyncState string

const (
	StateIdle     SyncState = "idle"
	StateSyncing  SyncState = "syncing"
	StateDegraded SyncState = "degraded"
)

// SyncStatus is the process-wide snapshot of synchronization state.
type SyncStatus struct {
	IsOnline     bool      `json:"is_online"`
	IsSyncing    bool      `json:"is_syncing"`
	State        SyncState `json:"state"`
	LastSyncedAt time.Time `json:"last_synced_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	TotalRecords int       `json:"total_records"`
}

// MergeCounts summarizes what a merge did with each incoming record.
type MergeCounts struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Rejected  int `json:"rejected,omitempty"`
	Conflicts int `json:"conflicts,omitempty"`
}

// Changed reports whether the merge altered the store.
func (m MergeCounts) Changed() bool {
	return m.Inserted+m.Updated > 0
}

// Add returns the element-wise sum of m and o.
func (m MergeCounts) Add(o MergeCounts) MergeCounts {
	return MergeCounts{
		Inserted:  m.Inserted + o.Inserted,
		Updated:   m.Updated + o.Updated,
		Skipped:   m.Skipped + o.Skipped,
		Rejected:  m.Rejected + o.Rejected,
		Conflicts: m.Conflicts + o.Conflicts,
	}
}

// SyncResult is the outcome of one reconciliation pass.
type SyncResult struct {
	Success            bool                   `json:"success"`
	Message            string                 `json:"message"`
	CountsByCollection map[string]MergeCounts `json:"counts_by_collection,omitempty"`
}
