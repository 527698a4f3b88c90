package concurrency

import "time"

// PermitID identifies one granted or queued concurrency slot.
type PermitID string

// permit is a granted slot, held until Release or expiry.
type permit struct {
	id         PermitID
	kind       string
	priority   int
	acquiredAt time.Time
}

// waiter is a queued Acquire call not yet granted a slot.
type waiter struct {
	id         PermitID
	kind       string
	priority   int
	enqueuedAt time.Time
	seq        int64
	ready      chan struct{}
	resolved   bool // true once popped off the heap and granted (on Release, ForceExpire or permit expiry)
}

// waiterHeap orders waiters by priority (descending), then — when fair
// scheduling is enabled — by each kind's served count so no one kind's
// waiters monopolize the queue (spec.md §8 "Fairness"), then FIFO. It
// implements container/heap.Interface.
type waiterHeap struct {
	items  []*waiter
	served map[string]int64 // per-kind grant count, used to break priority ties fairly
	fair   bool
}

func newWaiterHeap(fair bool) *waiterHeap {
	return &waiterHeap{served: make(map[string]int64), fair: fair}
}

func (h *waiterHeap) Len() int { return len(h.items) }

func (h *waiterHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority // higher priority first
	}
	if h.fair {
		sa, sb := h.served[a.kind], h.served[b.kind]
		if sa != sb {
			return sa < sb // kind served fewer times goes first
		}
	}
	return a.seq < b.seq // FIFO tiebreak
}

func (h *waiterHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *waiterHeap) Push(x interface{}) {
	h.items = append(h.items, x.(*waiter))
}

func (h *waiterHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return w
}
