// Package models defines types shared across internal packages.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the key format for a record's effective date. Keys in this
// layout sort chronologically as plain bytes.
const DateLayout = "2006-01-02"

// Origin identifies where a cached entry came from.
type Origin string

const (
	OriginRemote Origin = "remote"
	OriginManual Origin = "manual"
)

// Priority returns the arbitration rank of the origin. Manual corrections
// entered by an administrator outrank remote writes.
func (o Origin) Priority() int {
	switch o {
	case OriginManual:
		return 2
	case OriginRemote:
		return 1
	default:
		return 0
	}
}

// Record is a single draw result.
type Record struct {
	Collection      string    `json:"collection"`
	EffectiveDate   time.Time `json:"date"`
	Primary         []int     `json:"primary"`
	Secondary       []int     `json:"secondary,omitempty"`
	SourceTimestamp time.Time `json:"source_timestamp"`
}

// Key returns the record's unique key within its collection.
func (r Record) Key() string {
	return DateKey(r.EffectiveDate)
}

// DateKey formats t as a store key.
func DateKey(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDateKey parses a store key back into a UTC date.
func ParseDateKey(key string) (time.Time, error) {
	t, err := time.Parse(DateLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date key %q: %w", key, err)
	}

	return t, nil
}

// CacheEntry wraps a record with the bookkeeping used for arbitration.
type CacheEntry struct {
	Record         Record    `json:"record"`
	Origin         Origin    `json:"origin"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}

// RemoteEntry wraps a record fetched from the gateway. LastModifiedAt is
// the record's source timestamp.
func RemoteEntry(r Record) CacheEntry {
	return CacheEntry{Record: r, Origin: OriginRemote, LastModifiedAt: r.SourceTimestamp}
}

// ManualEntry wraps a record entered by an administrator at the given time.
func ManualEntry(r Record, at time.Time) CacheEntry {
	return CacheEntry{Record: r, Origin: OriginManual, LastModifiedAt: at}
}

// Artifact is a derived value cached alongside the records of a
// collection, such as frequency statistics or a prior model output.
type Artifact struct {
	Collection string          `json:"collection"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	ComputedAt time.Time       `json:"computed_at"`
}

// RetentionPolicy bounds how much history a collection keeps. A zero
// Before disables age-based purging and a zero KeepLatest disables
// count-based purging.
type RetentionPolicy struct {
	Before     time.Time
	KeepLatest int
}

// Enabled reports whether the policy would purge anything at all.
func (p RetentionPolicy) Enabled() bool {
	return !p.Before.IsZero() || p.KeepLatest > 0
}

// RetentionMeta records the outcome of the last purge of a collection.
type RetentionMeta struct {
	LastPurgeAt time.Time `json:"last_purge_at"`
	Purged      int       `json:"purged"`
	Horizon     time.Time `json:"horizon,omitempty"`
}

// OpKind is the kind of change pushed to the remote service.
type OpKind string

const (
	OpUpsert OpKind = "upsert"
	OpDelete OpKind = "delete"
)

// Operation is a manual change pushed to the remote service.
type Operation struct {
	Kind   OpKind `json:"kind"`
	Record Record `json:"record"`
}

// IdempotencyKey identifies the operation so repeated pushes of the same
// change are applied once.
func (o Operation) IdempotencyKey() string {
	return o.Record.Collection + "/" + o.Record.Key() + "/" + string(o.Kind)
}
