// Package reconcile merges the confirmed remote view of a collection with
// the not-yet-confirmed local records into one coherent sequence.
package reconcile

import (
	"github.com/mbellard/ledgersync/internal/store"
)

// Unconfirmed filters local records down to the ones the remote side does
// not know about yet: provisional ids, or offline-created records whose
// create has not been confirmed. confirmed reports whether a provisional id
// already has an authoritative mapping; such records are hidden because the
// remote fetch carries their confirmed replacement.
func Unconfirmed(local []store.Record, confirmed func(id int64) bool) []store.Record {
	var out []store.Record
	for _, rec := range local {
		if rec.ID >= 0 && !rec.CreatedOffline {
			continue
		}
		if confirmed != nil && confirmed(rec.ID) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Merge returns remote order first, then unmatched local-pending records.
// A local record sharing an id with a remote one replaces it: the local copy
// reflects the most recent user intent even if the fetch raced a mutation.
// Callers needing a business ordering sort the result themselves.
func Merge(remote, localPending []store.Record) []store.Record {
	result := make([]store.Record, len(remote))
	copy(result, remote)

	index := make(map[int64]int, len(result))
	for i, rec := range result {
		index[rec.ID] = i
	}

	for _, rec := range localPending {
		if i, ok := index[rec.ID]; ok {
			result[i] = rec
			continue
		}
		index[rec.ID] = len(result)
		result = append(result, rec)
	}

	return result
}
