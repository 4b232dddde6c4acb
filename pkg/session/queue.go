package session

import (
	"container/heap"
	"time"
)

// Queue is a FIFO with front insertion, used for the outgoing queues.
type Queue[T any] struct {
	items []T
}

func (q *Queue[T]) PushBack(v ...T) {
	q.items = append(q.items, v...)
}

// PushFront puts v ahead of everything queued, preserving the order of v.
func (q *Queue[T]) PushFront(v ...T) {
	q.items = append(append(make([]T, 0, len(v)+len(q.items)), v...), q.items...)
}

// PopFront removes and returns the first element.
func (q *Queue[T]) PopFront() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// Peek returns the first element without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Items returns a snapshot of the queue contents in order.
func (q *Queue[T]) Items() []T {
	return append([]T(nil), q.items...)
}

// Drain removes and returns everything queued.
func (q *Queue[T]) Drain() []T {
	items := q.items
	q.items = nil
	return items
}

// Remove deletes every element for which match returns true and reports
// how many were removed.
func (q *Queue[T]) Remove(match func(T) bool) int {
	kept := q.items[:0]
	for _, v := range q.items {
		if !match(v) {
			kept = append(kept, v)
		}
	}
	removed := len(q.items) - len(kept)
	clear(q.items[len(kept):])
	q.items = kept
	return removed
}

func (q *Queue[T]) Clear() {
	q.items = nil
}

// StateSchedule orders RPCs by the time their state should be queried.
type StateSchedule struct {
	h scheduleHeap
}

type scheduleHeap []*PendingRPC

func (h scheduleHeap) Len() int           { return len(h) }
func (h scheduleHeap) Less(i, j int) bool { return h[i].StateAt.Before(h[j].StateAt) }
func (h scheduleHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].scheduleIndex = i
	h[j].scheduleIndex = j
}

func (h *scheduleHeap) Push(x any) {
	rpc := x.(*PendingRPC)
	rpc.scheduleIndex = len(*h)
	*h = append(*h, rpc)
}

func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	rpc := old[n-1]
	old[n-1] = nil
	rpc.scheduleIndex = -1
	*h = old[:n-1]
	return rpc
}

// Insert schedules rpc at rpc.StateAt, rescheduling if it is already queued.
func (s *StateSchedule) Insert(rpc *PendingRPC) {
	if rpc.scheduleIndex >= 0 && rpc.scheduleIndex < len(s.h) && s.h[rpc.scheduleIndex] == rpc {
		heap.Fix(&s.h, rpc.scheduleIndex)
		return
	}
	heap.Push(&s.h, rpc)
}

// Remove unschedules rpc if present.
func (s *StateSchedule) Remove(rpc *PendingRPC) {
	if rpc.scheduleIndex >= 0 && rpc.scheduleIndex < len(s.h) && s.h[rpc.scheduleIndex] == rpc {
		heap.Remove(&s.h, rpc.scheduleIndex)
	}
}

// PopDue removes and returns every RPC scheduled at or before now.
func (s *StateSchedule) PopDue(now time.Time) []*PendingRPC {
	var due []*PendingRPC
	for len(s.h) > 0 && !s.h[0].StateAt.After(now) {
		due = append(due, heap.Pop(&s.h).(*PendingRPC))
	}
	return due
}

// Next returns the earliest scheduled time.
func (s *StateSchedule) Next() (time.Time, bool) {
	if len(s.h) == 0 {
		return time.Time{}, false
	}
	return s.h[0].StateAt, true
}

func (s *StateSchedule) Len() int {
	return len(s.h)
}

func (s *StateSchedule) Clear() {
	for _, rpc := range s.h {
		rpc.scheduleIndex = -1
	}
	s.h = nil
}
