// Package dedup holds the two bounded suppression structures of the
// ingestion pipeline: an LRU set of seen envelope keys and a TTL'd
// tombstone map that keeps cancelled/expired offers from resurrecting.
package dedup

import "container/list"

// Set is a fixed-capacity LRU set of dedup keys.
//
// Not safe for concurrent use; the coordinator's single writer owns it.
type Set struct {
	cap   int
	order *list.List // front = most recent
	items map[string]*list.Element
}

func NewSet(capacity int) *Set {
	if capacity <= 0 {
		capacity = 256
	}
	return &Set{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element, capacity),
	}
}

// Add records key and reports whether it was new. A repeated key
// refreshes its recency. When the set is full the least-recently-seen
// key is evicted so the new key always wins admission.
func (s *Set) Add(key string) bool {
	if key == "" {
		return false
	}
	if el, ok := s.items[key]; ok {
		s.order.MoveToFront(el)
		return false
	}
	for s.order.Len() >= s.cap {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(string))
	}
	s.items[key] = s.order.PushFront(key)
	return true
}

func (s *Set) Len() int { return s.order.Len() }

func (s *Set) Reset() {
	s.order.Init()
	clear(s.items)
}
