package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryDeduper is an in-process Deduper for tests and single-node runs.
// Entries older than the retention window are garbage-collected lazily.
type MemoryDeduper struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
	lastGC    time.Time
	clock     func() time.Time
}

func NewMemoryDeduper(retention time.Duration) *MemoryDeduper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryDeduper{
		seen:      make(map[string]time.Time),
		retention: retention,
		clock:     time.Now,
	}
}

func (d *MemoryDeduper) Seen(_ context.Context, digest string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	d.gcLocked(now)

	at, ok := d.seen[digest]
	return ok && now.Sub(at) < d.retention, nil
}

func (d *MemoryDeduper) Mark(_ context.Context, digest string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[digest] = d.clock()
	return nil
}

// gcLocked drops expired digests at most once per retention interval so the
// map stays bounded under steady event flow.
func (d *MemoryDeduper) gcLocked(now time.Time) {
	if now.Sub(d.lastGC) < d.retention {
		return
	}
	for digest, at := range d.seen {
		if now.Sub(at) >= d.retention {
			delete(d.seen, digest)
		}
	}
	d.lastGC = now
}
