package session

import "container/list"

// DefaultLRUCapacity bounds the recently seen message id sets.
const DefaultLRUCapacity = 1000

// LRUSet is a bounded set of message ids. Adding past capacity evicts the
// oldest id.
type LRUSet struct {
	capacity int
	order    *list.List
	items    map[int64]*list.Element
}

// NewLRUSet creates a set holding at most capacity ids.
func NewLRUSet(capacity int) *LRUSet {
	if capacity <= 0 {
		capacity = DefaultLRUCapacity
	}
	return &LRUSet{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[int64]*list.Element, capacity),
	}
}

// Add inserts id. Re-adding an id refreshes its position.
func (s *LRUSet) Add(id int64) {
	if elem, ok := s.items[id]; ok {
		s.order.MoveToFront(elem)
		return
	}
	s.items[id] = s.order.PushFront(id)
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(int64))
	}
}

// Has reports whether id is in the set.
func (s *LRUSet) Has(id int64) bool {
	_, ok := s.items[id]
	return ok
}

func (s *LRUSet) Len() int {
	return s.order.Len()
}

func (s *LRUSet) Clear() {
	s.order.Init()
	clear(s.items)
}
