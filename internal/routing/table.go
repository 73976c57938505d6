// Package routing holds the model routing table and the hysteresis logic
// that reassigns routes to better-performing models.
package routing

import (
	"context"
	"sync"
	"time"

	"github.com/hassett-logistics/lanecast/internal/api"
)

// Snapshot is one complete published routing table. Consumers only ever see
// whole snapshots: a publish replaces the previous version in full or not at
// all, so a lookup can never mix entries from two cycles.
type Snapshot struct {
	Version   int64                       `json:"version"`
	Period    api.Period                  `json:"period"`
	UpdatedAt time.Time                   `json:"updated_at"`
	Entries   map[string]api.RoutingEntry `json:"entries"` // by route key
}

// Table stores published routing snapshots.
type Table interface {
	// Lookup returns the current assignment for a route.
	Lookup(ctx context.Context, route api.Route) (api.RoutingEntry, bool, error)

	// Current returns the latest published snapshot, or nil before the first
	// publish.
	Current(ctx context.Context) (*Snapshot, error)

	// Publish atomically replaces the table with a new snapshot and returns
	// the assigned version. On error the previous snapshot stays live.
	Publish(ctx context.Context, snap *Snapshot) (int64, error)

	// Close releases resources
	Close() error
}

// MemoryTable keeps the live snapshot behind a mutex. Publish swaps the
// snapshot pointer, so readers see either the old table or the new one.
type MemoryTable struct {
	mu      sync.RWMutex
	current *Snapshot
	version int64
}

func NewMemoryTable() *MemoryTable {
	return &MemoryTable{}
}

func (t *MemoryTable) Lookup(ctx context.Context, route api.Route) (api.RoutingEntry, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.current == nil {
		return api.RoutingEntry{}, false, nil
	}
	entry, ok := t.current.Entries[route.Key()]
	return entry, ok, nil
}

func (t *MemoryTable) Current(ctx context.Context) (*Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current, nil
}

func (t *MemoryTable) Publish(ctx context.Context, snap *Snapshot) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.version++
	snap.Version = t.version
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	t.current = snap
	return t.version, nil
}

func (t *MemoryTable) Close() error {
	return nil
}
