package verifier

import (
	"sync"
	"time"
)

// ─── Deadline Queue (Min-Heap) ──────────────────────────────────────────────
// Active commitments ordered by deadline, earliest first. Ties go to the
// lower commitment ID, so expiry is processed in creation order.
//
//   Push:    O(log n)
//   PopDue:  O(k log n) for k due items
//   Peek:    O(1)

type deadlineItem struct {
	ID       uint64
	Deadline time.Time
}

type deadlineQueue struct {
	mu   sync.Mutex
	heap []deadlineItem
}

func (q *deadlineQueue) Push(item deadlineItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = append(q.heap, item)
	q.siftUp(len(q.heap) - 1)
}

// PopDue removes and returns every item whose deadline is at or before now.
func (q *deadlineQueue) PopDue(now time.Time) []deadlineItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []deadlineItem
	for len(q.heap) > 0 && !now.Before(q.heap[0].Deadline) {
		due = append(due, q.popLocked())
	}
	return due
}

// Peek returns the earliest item without removing it.
func (q *deadlineQueue) Peek() (deadlineItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return deadlineItem{}, false
	}
	return q.heap[0], true
}

func (q *deadlineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

func (q *deadlineQueue) popLocked() deadlineItem {
	top := q.heap[0]
	last := len(q.heap) - 1
	q.heap[0] = q.heap[last]
	q.heap = q.heap[:last]
	if len(q.heap) > 0 {
		q.siftDown(0)
	}
	return top
}

func (q *deadlineQueue) less(i, j int) bool {
	a, b := q.heap[i], q.heap[j]
	if !a.Deadline.Equal(b.Deadline) {
		return a.Deadline.Before(b.Deadline)
	}
	return a.ID < b.ID
}

func (q *deadlineQueue) siftUp(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if !q.less(idx, parent) {
			break
		}
		q.heap[idx], q.heap[parent] = q.heap[parent], q.heap[idx]
		idx = parent
	}
}

func (q *deadlineQueue) siftDown(idx int) {
	n := len(q.heap)
	for {
		smallest := idx
		left, right := 2*idx+1, 2*idx+2
		if left < n && q.less(left, smallest) {
			smallest = left
		}
		if right < n && q.less(right, smallest) {
			smallest = right
		}
		if smallest == idx {
			return
		}
		q.heap[idx], q.heap[smallest] = q.heap[smallest], q.heap[idx]
		idx = smallest
	}
}
