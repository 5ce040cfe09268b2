package ingest

import (
	"sync"
	"time"
)

// dedupTable remembers the last externally-assigned position id processed
// per device, so an unchanged fix returned by successive polls is not
// reprocessed. Entries expire after a TTL to keep the table bounded; the
// memory is process-local and rebuilt from nothing on restart.
type dedupTable struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]dedupEntry
}

type dedupEntry struct {
	externalID int64
	seenAt     time.Time
}

func newDedupTable(ttl time.Duration, now func() time.Time) *dedupTable {
	return &dedupTable{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]dedupEntry),
	}
}

// seen reports whether this exact fix was already processed for the
// device.
func (t *dedupTable) seen(key string, externalID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	return ok && entry.externalID == externalID
}

// remember records the fix as processed. Called only after a successful
// persist, so a failed item is retried when the upstream returns it
// again.
func (t *dedupTable) remember(key string, externalID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[key] = dedupEntry{externalID: externalID, seenAt: t.now()}
}

func (t *dedupTable) sweep() {
	cutoff := t.now().Add(-t.ttl)

	t.mu.Lock()
	defer t.mu.Unlock()
	for key, entry := range t.entries {
		if entry.seenAt.Before(cutoff) {
			delete(t.entries, key)
		}
	}
}
