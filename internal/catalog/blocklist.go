package catalog

import (
	"sync"
	"time"

	"github.com/cuemby/dswarm/internal/bstore"
	"github.com/cuemby/dswarm/internal/metrics"
	"github.com/cuemby/dswarm/internal/types"
	"github.com/google/uuid"
)

// Blocklist tracks time-bounded host blocks (spec.md sec 4.9
// "Fast abort" blocklist_slow_workers_timeout, and sec 8 round-trip
// property "block(host); unblock(host) restores scheduler eligibility
// identical to never-blocked").
type Blocklist struct {
	mu      sync.RWMutex
	entries map[string]*types.BlockEntry
	store   *bstore.Store
}

// NewBlocklist creates an empty blocklist, recovering any persisted
// entries from store.
func NewBlocklist(store *bstore.Store) *Blocklist {
	b := &Blocklist{entries: make(map[string]*types.BlockEntry), store: store}
	if store != nil {
		if entries, err := store.ListBlockEntries(); err == nil {
			for _, e := range entries {
				b.entries[e.Host] = e
			}
		}
	}
	metrics.BlockedHosts.Set(float64(len(b.entries)))
	return b
}

// Block adds or refreshes a host block. until zero means indefinite.
func (b *Blocklist) Block(host, reason string, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := &types.BlockEntry{
		ID:        uuid.NewString(),
		Host:      host,
		Reason:    reason,
		BlockedAt: time.Now(),
		Until:     until,
	}
	b.entries[host] = e
	if b.store != nil {
		_ = b.store.PutBlockEntry(e)
	}
	metrics.BlockedHosts.Set(float64(len(b.entries)))
}

// Unblock removes a host's block immediately.
func (b *Blocklist) Unblock(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, host)
	if b.store != nil {
		_ = b.store.DeleteBlockEntry(host)
	}
	metrics.BlockedHosts.Set(float64(len(b.entries)))
}

// IsBlocked reports whether host is currently blocked, as of now.
func (b *Blocklist) IsBlocked(host string, now time.Time) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[host]
	if !ok {
		return false
	}
	return e.Until.IsZero() || now.Before(e.Until)
}

// ExpireStale removes every block whose Until has passed
// (spec.md sec 4.10 step 7 "unblock hosts whose block expired").
func (b *Blocklist) ExpireStale(now time.Time) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var expired []string
	for host, e := range b.entries {
		if !e.Until.IsZero() && !now.Before(e.Until) {
			expired = append(expired, host)
			delete(b.entries, host)
			if b.store != nil {
				_ = b.store.DeleteBlockEntry(host)
			}
		}
	}
	metrics.BlockedHosts.Set(float64(len(b.entries)))
	return expired
}

// List returns every currently tracked block entry.
func (b *Blocklist) List() []*types.BlockEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*types.BlockEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	return out
}
