package dispatcher

import (
	"container/list"
	"sync"
)

// SeenSet records keys already acted on. It keeps the most recent capacity
// keys by insertion order; a repeated Add does not refresh a key's position.
type SeenSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewSeenSet creates a set bounded to capacity keys. capacity <= 0 is unbounded.
func NewSeenSet(capacity int) *SeenSet {
	return &SeenSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Add inserts key and reports whether it was new.
func (s *SeenSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[key]; ok {
		return false
	}
	s.index[key] = s.order.PushBack(key)

	if s.capacity > 0 {
		for s.order.Len() > s.capacity {
			oldest := s.order.Front()
			s.order.Remove(oldest)
			delete(s.index, oldest.Value.(string))
		}
	}
	return true
}

// Len returns the number of retained keys.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
