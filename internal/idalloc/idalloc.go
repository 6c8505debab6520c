// Package idalloc allocates small integer ids, reusing freed ones before
// growing the monotonic counter. The stealer worker uses it to hand out
// connection ids, keeping them small by recycling freed ones.
package idalloc

import "container/heap"

// Allocator hands out ids starting at 0, reusing the smallest freed id
// before minting a new one. It is not safe for concurrent use; callers
// owning a single worker goroutine should serialize access the same way
// they serialize every other piece of worker state.
type Allocator struct {
	next  uint64
	freed freeHeap
}

// New returns an empty Allocator whose first Next call returns 0.
func New() *Allocator {
	return &Allocator{}
}

// Next returns the smallest available id.
func (a *Allocator) Next() uint64 {
	if len(a.freed) > 0 {
		return heap.Pop(&a.freed).(uint64)
	}

	id := a.next
	a.next++

	return id
}

// Free returns id to the pool so a later Next call can reuse it. Freeing an
// id that was never allocated, or freeing it twice, corrupts the pool; the
// worker must only free ids it currently owns exactly once.
func (a *Allocator) Free(id uint64) {
	heap.Push(&a.freed, id)
}

type freeHeap []uint64

func (h freeHeap) Len() int            { return len(h) }
func (h freeHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h freeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *freeHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }

func (h *freeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	id := old[n-1]
	*h = old[:n-1]

	return id
}
