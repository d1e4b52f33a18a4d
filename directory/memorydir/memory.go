// Package memorydir is the in-process directory.Directory, suitable for
// single-node deployments and tests.
package memorydir

import (
	"context"
	"sync"
	"time"

	"github.com/deskmux/deskmux/directory"
)

type entry struct {
	rec       directory.Record
	expiresAt time.Time
}

// Dir implements directory.Directory over a mutex-guarded map. Expired
// leases are evicted lazily on read.
type Dir struct {
	mu      sync.RWMutex
	entries map[string]entry

	// now is swappable for tests.
	now func() time.Time
}

var _ directory.Directory = (*Dir)(nil)

// New returns an empty in-memory directory.
func New() *Dir {
	return &Dir{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func (d *Dir) Publish(ctx context.Context, rec directory.Record, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[rec.ID] = entry{rec: rec, expiresAt: d.now().Add(ttl)}
	return nil
}

func (d *Dir) Lookup(ctx context.Context, id string) (directory.Record, error) {
	d.mu.RLock()
	e, ok := d.entries[id]
	d.mu.RUnlock()
	if !ok {
		return directory.Record{}, directory.ErrNotFound
	}
	if d.now().After(e.expiresAt) {
		d.mu.Lock()
		if cur, ok := d.entries[id]; ok && d.now().After(cur.expiresAt) {
			delete(d.entries, id)
		}
		d.mu.Unlock()
		return directory.Record{}, directory.ErrNotFound
	}
	return e.rec, nil
}

func (d *Dir) List(ctx context.Context) ([]directory.Record, error) {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	recs := make([]directory.Record, 0, len(d.entries))
	for id, e := range d.entries {
		if now.After(e.expiresAt) {
			delete(d.entries, id)
			continue
		}
		recs = append(recs, e.rec)
	}
	return recs, nil
}

func (d *Dir) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, id)
	return nil
}

func (d *Dir) Close() error { return nil }
