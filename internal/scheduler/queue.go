package scheduler

import (
	"container/heap"

	"github.com/basket/sandcastle/internal/lifecycle"
)

// Item is one queued unit of work.
type Item struct {
	ID       string
	Priority lifecycle.Priority
	Seq      int64
}

func less(a, b Item) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

// itemHeap implements heap.Interface ordered by priority, then seq.
type itemHeap []Item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

var _ heap.Interface = (*itemHeap)(nil)
