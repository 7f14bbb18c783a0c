package sink

import (
	"container/heap"
	"sort"

	"pfb/internal/feature"
)

// Cap retains the limit smallest rows by (user, product, snapshot), the
// deterministic tie-break for row_limit. Rows arrive in any order across
// build shards; the same limit over the same row set always keeps the same
// rows.
type Cap struct {
	limit int
	h     rowHeap
}

func NewCap(limit int) *Cap {
	return &Cap{limit: limit}
}

func (c *Cap) Add(r feature.Row) {
	if c.limit <= 0 {
		return
	}
	if c.h.Len() < c.limit {
		heap.Push(&c.h, r)
		return
	}
	// Largest retained row sits at the top; replace it when a smaller one
	// arrives.
	if r.Less(c.h[0]) {
		c.h[0] = r
		heap.Fix(&c.h, 0)
	}
}

// Rows returns the retained rows ascending by key.
func (c *Cap) Rows() []feature.Row {
	out := make([]feature.Row, len(c.h))
	copy(out, c.h)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// rowHeap is a max-heap on the row key ordering.
type rowHeap []feature.Row

func (h rowHeap) Len() int           { return len(h) }
func (h rowHeap) Less(i, j int) bool { return h[j].Less(h[i]) }
func (h rowHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *rowHeap) Push(x any) { *h = append(*h, x.(feature.Row)) }

func (h *rowHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
