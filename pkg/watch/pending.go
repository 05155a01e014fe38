package watch

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// PendingSet is a deduplicating collection of absolute paths awaiting
// synchronization. It is owned by a single control flow and is not safe
// for concurrent use.
type PendingSet struct {
	set mapset.Set[string]
}

// NewPendingSet creates an empty PendingSet, optionally seeded with paths
func NewPendingSet(paths ...string) *PendingSet {
	return &PendingSet{set: mapset.NewThreadUnsafeSet(paths...)}
}

// Add inserts a path and reports whether it was not already present
func (p *PendingSet) Add(path string) bool {
	return p.set.Add(path)
}

// Remove deletes a path from the set
func (p *PendingSet) Remove(path string) {
	p.set.Remove(path)
}

// Contains reports whether path is pending
func (p *PendingSet) Contains(path string) bool {
	return p.set.Contains(path)
}

// Len returns the number of pending paths
func (p *PendingSet) Len() int {
	return p.set.Cardinality()
}

// IsEmpty reports whether nothing is pending
func (p *PendingSet) IsEmpty() bool {
	return p.set.Cardinality() == 0
}

// Paths returns a sorted snapshot of the pending paths. Callers may
// mutate the set while iterating the snapshot.
func (p *PendingSet) Paths() []string {
	paths := p.set.ToSlice()
	sort.Strings(paths)
	return paths
}
