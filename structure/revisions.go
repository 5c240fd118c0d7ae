package structure

import (
	"sync"

	"github.com/saiset-co/sai-story-cache/types"
)

var _ types.RevisionTracker = (*Revisions)(nil)

// Revisions counts invalidations per root while a rebuild of that root is
// in progress. A rebuild records the revision it started from and skips its
// cache writes when the count has moved. Roots with no rebuild in progress
// are not tracked, so the map only holds roots that are loading right now.
type Revisions struct {
	mu    sync.Mutex
	roots map[string]*rootRevision
}

type rootRevision struct {
	revision uint64
	holders  int
}

func NewRevisions() *Revisions {
	return &Revisions{
		roots: make(map[string]*rootRevision),
	}
}

// Acquire marks a rebuild of rootID as started and returns the revision it
// starts from. Every Acquire must be paired with Release.
func (r *Revisions) Acquire(rootID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.roots[rootID]
	if !ok {
		entry = &rootRevision{}
		r.roots[rootID] = entry
	}
	entry.holders++
	return entry.revision
}

func (r *Revisions) Release(rootID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.roots[rootID]
	if !ok {
		return
	}
	entry.holders--
	if entry.holders <= 0 {
		delete(r.roots, rootID)
	}
}

func (r *Revisions) Revision(rootID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.roots[rootID]; ok {
		return entry.revision
	}
	return 0
}

// Bump records an invalidation. With no rebuild holding rootID there is
// nothing that could store a stale result, so nothing is recorded and 0 is
// returned.
func (r *Revisions) Bump(rootID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.roots[rootID]
	if !ok {
		return 0
	}
	entry.revision++
	return entry.revision
}

// Len reports how many roots are tracked.
func (r *Revisions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.roots)
}
