package broker

import (
	"sync"
	"time"
)

// LeaseRegistry is an insertion-ordered set of leases keyed by lease id.
// Expired entries are pruned whenever the registry is read.
type LeaseRegistry struct {
	mu      sync.Mutex
	order   []string
	entries map[string]LeaseInfo
	now     func() time.Time
}

// NewLeaseRegistry creates an empty registry. A nil clock uses time.Now.
func NewLeaseRegistry(now func() time.Time) *LeaseRegistry {
	if now == nil {
		now = time.Now
	}
	return &LeaseRegistry{
		entries: make(map[string]LeaseInfo),
		now:     now,
	}
}

// Merge adds or replaces info, keeping its original position if already
// present. When info is current every other entry is marked not current.
func (r *LeaseRegistry) Merge(info LeaseInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()

	if info.IsCurrentlyUsed {
		for id, e := range r.entries {
			if e.IsCurrentlyUsed {
				e.IsCurrentlyUsed = false
				r.entries[id] = e
			}
		}
	}

	if _, exists := r.entries[info.LeaseID]; !exists {
		r.order = append(r.order, info.LeaseID)
	}
	r.entries[info.LeaseID] = info
}

// Remove deletes a lease. It reports whether the lease was present.
func (r *LeaseRegistry) Remove(leaseID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[leaseID]; !ok {
		return false
	}
	delete(r.entries, leaseID)
	for i, id := range r.order {
		if id == leaseID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns a non-expired lease.
func (r *LeaseRegistry) Get(leaseID string) (LeaseInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	info, ok := r.entries[leaseID]
	return info, ok
}

// MarkCurrent flags leaseID as the lease in use and clears every other
// flag. An empty id clears all flags.
func (r *LeaseRegistry) MarkCurrent(leaseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		want := id == leaseID && leaseID != ""
		if e.IsCurrentlyUsed != want {
			e.IsCurrentlyUsed = want
			r.entries[id] = e
		}
	}
}

// Active returns copies of the non-expired leases in insertion order.
func (r *LeaseRegistry) Active() []LeaseInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	out := make([]LeaseInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

// IDs returns the ids of non-expired leases in insertion order.
func (r *LeaseRegistry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of non-expired leases.
func (r *LeaseRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	return len(r.order)
}

func (r *LeaseRegistry) pruneLocked() {
	now := r.now()
	kept := r.order[:0]
	for _, id := range r.order {
		if r.entries[id].IsExpired(now) {
			delete(r.entries, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}
