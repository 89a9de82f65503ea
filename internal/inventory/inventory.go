// Package inventory maintains the broker's registry of currently bound
// endpoint URIs and answers wildcard queries against it.
//
// The inventory is a process-wide snapshot-consistent set: routing takes a
// point-in-time expansion of its target patterns and relies on the delivery
// failure path when an endpoint disappears between expansion and write.
package inventory

import (
	"sort"
	"strings"
	"sync"

	"github.com/signalhaus/cth-broker/internal/message"
)

// Inventory is a concurrent registry of known endpoint URIs.
type Inventory struct {
	mux  sync.RWMutex
	uris map[string]struct{}
}

// New creates an empty inventory.
func New() *Inventory {
	return &Inventory{
		uris: make(map[string]struct{}),
	}
}

// Record marks a URI as known. Idempotent.
func (inv *Inventory) Record(uri string) {
	inv.mux.Lock()
	inv.uris[uri] = struct{}{}
	inv.mux.Unlock()
}

// Forget removes a URI. Idempotent.
func (inv *Inventory) Forget(uri string) {
	inv.mux.Lock()
	delete(inv.uris, uri)
	inv.mux.Unlock()
}

// Find expands a sequence of URI patterns against the recorded URIs.
//
// A pattern may be a literal URI or contain "*", which matches exactly one
// URI segment (common name or type). The result is the deduplicated set of
// recorded URIs matching at least one pattern. Literal patterns that match
// nothing are still returned verbatim: a sender may address an endpoint that
// is currently disconnected, and the delivery path handles the failure.
func (inv *Inventory) Find(patterns []string) []string {
	inv.mux.RLock()
	snapshot := make([]string, 0, len(inv.uris))
	for uri := range inv.uris {
		snapshot = append(snapshot, uri)
	}
	inv.mux.RUnlock()
	sort.Strings(snapshot)

	found := make([]string, 0, len(patterns))
	seen := make(map[string]struct{})
	add := func(uri string) {
		if _, dup := seen[uri]; !dup {
			seen[uri] = struct{}{}
			found = append(found, uri)
		}
	}

	for _, pattern := range patterns {
		if !strings.Contains(pattern, "*") {
			// Literal target: address it whether connected or not.
			add(pattern)
			continue
		}
		for _, uri := range snapshot {
			if matchURI(pattern, uri) {
				add(uri)
			}
		}
	}
	return found
}

// matchURI reports whether a URI matches a pattern where "*" stands for one
// whole URI segment.
func matchURI(pattern, uri string) bool {
	ps, ok := segments(pattern)
	if !ok {
		return false
	}
	us, ok := segments(uri)
	if !ok || len(ps) != len(us) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != us[i] {
			return false
		}
	}
	return true
}

func segments(uri string) ([]string, bool) {
	rest, ok := strings.CutPrefix(uri, message.Scheme+"://")
	if !ok {
		return nil, false
	}
	return strings.Split(rest, "/"), true
}
