package dedup

import "time"

// Tombstones records terminated offer IDs for a short TTL so a cancel
// racing a delayed "new" event for the same ID cannot resurrect a dead
// offer. Entries are keyed by "id|version" with an unversioned "id"
// fallback for payloads lacking version metadata.
//
// Expired entries are pruned lazily on every read and write. The map is
// size-bounded; overflow evicts oldest-first.
//
// Not safe for concurrent use; the coordinator's single writer owns it.
type Tombstones struct {
	ttl     time.Duration
	cap     int
	entries map[string]time.Time // key -> recordedAt
	queue   []tombstoneItem      // insertion order, head index advances on prune
	head    int
}

type tombstoneItem struct {
	key string
	at  time.Time
}

func NewTombstones(ttl time.Duration, capacity int) *Tombstones {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if capacity <= 0 {
		capacity = 256
	}
	return &Tombstones{
		ttl:     ttl,
		cap:     capacity,
		entries: make(map[string]time.Time, capacity),
	}
}

// Record marks id (and its version, when known) as terminated at now.
func (t *Tombstones) Record(id, version string, now time.Time) {
	if id == "" {
		return
	}
	t.prune(now)
	if version != "" {
		t.put(id+"|"+version, now)
	}
	// Always record the bare id so versionless "new" payloads are
	// suppressed too.
	t.put(id, now)
}

// Suppressed reports whether a new event for (id, version) falls inside
// an active tombstone. The exact versioned key is checked first, then
// the unversioned fallback.
func (t *Tombstones) Suppressed(id, version string, now time.Time) bool {
	if id == "" {
		return false
	}
	t.prune(now)
	if version != "" {
		if _, ok := t.entries[id+"|"+version]; ok {
			return true
		}
	}
	_, ok := t.entries[id]
	return ok
}

func (t *Tombstones) Len() int { return len(t.entries) }

func (t *Tombstones) Reset() {
	clear(t.entries)
	t.queue = nil
	t.head = 0
}

func (t *Tombstones) put(key string, now time.Time) {
	if _, ok := t.entries[key]; !ok && len(t.entries) >= t.cap {
		t.evictOldest()
	}
	t.entries[key] = now
	t.queue = append(t.queue, tombstoneItem{key: key, at: now})
}

func (t *Tombstones) evictOldest() {
	for t.head < len(t.queue) {
		it := t.queue[t.head]
		t.head++
		// Skip queue items superseded by a later Record of the same key.
		if at, ok := t.entries[it.key]; ok && at.Equal(it.at) {
			delete(t.entries, it.key)
			return
		}
	}
}

func (t *Tombstones) prune(now time.Time) {
	cutoff := now.Add(-t.ttl)
	for t.head < len(t.queue) {
		it := t.queue[t.head]
		if it.at.After(cutoff) {
			break
		}
		if at, ok := t.entries[it.key]; ok && at.Equal(it.at) {
			delete(t.entries, it.key)
		}
		t.head++
	}
	// Compact the queue once the dead prefix dominates.
	if t.head > 1024 && t.head*2 > len(t.queue) {
		t.queue = append([]tombstoneItem(nil), t.queue[t.head:]...)
		t.head = 0
	}
}
