// Package reconcile arbitrates between competing versions of the same
// record. It performs no I/O; the cache and the orchestrator's read path
// both delegate their conflict decisions here.
package reconcile

import (
	"sort"

	"github.com/alexjbarnes/draw-sync/internal/models"
)

// Action is what a merge should do with an incoming entry.
type Action int

const (
	Insert Action = iota
	Replace
	Skip
)

func (a Action) String() string {
	switch a {
	case Insert:
		return "insert"
	case Replace:
		return "replace"
	case Skip:
		return "skip"
	default:
		return "unknown"
	}
}

// Decision is the outcome of comparing an incoming entry to the existing
// one. Conflict is set when the two entries have different origins.
type Decision struct {
	Action   Action
	Conflict bool
}

// Decide compares incoming against existing, which may be nil.
//
// Entries of the same origin resolve last-writer-wins: the incoming entry
// is dropped when the existing one is at least as new. A remote entry
// replaces a manual one unless the manual entry was modified strictly
// later. A manual entry always replaces a remote one, since manual edits
// carry the higher origin priority.
func Decide(existing *models.CacheEntry, incoming models.CacheEntry) Decision {
	if existing == nil {
		return Decision{Action: Insert}
	}

	if existing.Origin == incoming.Origin {
		if !existing.LastModifiedAt.Before(incoming.LastModifiedAt) {
			return Decision{Action: Skip}
		}

		return Decision{Action: Replace}
	}

	if existing.Origin == models.OriginManual && incoming.Origin == models.OriginRemote {
		if existing.LastModifiedAt.After(incoming.LastModifiedAt) {
			return Decision{Action: Skip, Conflict: true}
		}

		return Decision{Action: Replace, Conflict: true}
	}

	return Decision{Action: Replace, Conflict: true}
}

// Reconcile picks the winner among candidates sharing key. Candidates for
// other keys are ignored. The result does not depend on candidate order:
// entries are applied oldest first, manual before remote on equal
// timestamps, so the newest entry wins and remote wins exact ties.
// It reports false when no candidate has the key.
func Reconcile(key string, candidates []models.CacheEntry) (models.CacheEntry, bool) {
	var matching []models.CacheEntry

	for _, c := range candidates {
		if c.Record.Key() == key {
			matching = append(matching, c)
		}
	}

	if len(matching) == 0 {
		return models.CacheEntry{}, false
	}

	sort.SliceStable(matching, func(i, j int) bool {
		a, b := matching[i], matching[j]
		if !a.LastModifiedAt.Equal(b.LastModifiedAt) {
			return a.LastModifiedAt.Before(b.LastModifiedAt)
		}

		return a.Origin.Priority() > b.Origin.Priority()
	})

	winner := matching[0]
	for _, c := range matching[1:] {
		if Decide(&winner, c).Action != Skip {
			winner = c
		}
	}

	return winner, true
}

// Merge combines several entry sets into one with a single entry per key,
// ordered most recent effective date first.
func Merge(sets ...[]models.CacheEntry) []models.CacheEntry {
	byKey := make(map[string][]models.CacheEntry)

	for _, set := range sets {
		for _, e := range set {
			k := e.Record.Key()
			byKey[k] = append(byKey[k], e)
		}
	}

	out := make([]models.CacheEntry, 0, len(byKey))
	for k, group := range byKey {
		if w, ok := Reconcile(k, group); ok {
			out = append(out, w)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Record.Key() > out[j].Record.Key()
	})

	return out
}
