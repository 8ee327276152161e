package vectorindex

import (
	"container/heap"
	"slices"
)

// TopK keeps the k best matches seen so far.
type TopK struct {
	k int
	h matchHeap
}

// initialCap bounds the up-front allocation; k may be far larger than
// the number of matches ever offered.
const initialCap = 64

func newTopK(k int) *TopK {
	return &TopK{k: k, h: make(matchHeap, 0, min(k, initialCap))}
}

// NewTopK returns a collector for the k best matches.
func NewTopK(k int) *TopK { return newTopK(max(k, 1)) }

// Offer considers m for the result set.
func (t *TopK) Offer(m Match) { t.offer(m) }

// Sorted returns the kept matches, best first.
func (t *TopK) Sorted() []Match { return t.sorted() }

func (t *TopK) offer(m Match) {
	if len(t.h) < t.k {
		heap.Push(&t.h, m)
		return
	}
	if Better(m, t.h[0]) {
		t.h[0] = m
		heap.Fix(&t.h, 0)
	}
}

func (t *TopK) sorted() []Match {
	out := slices.Clone(t.h)
	slices.SortFunc(out, func(a, b Match) int {
		switch {
		case Better(a, b):
			return -1
		case Better(b, a):
			return 1
		}
		return 0
	})
	return out
}

// matchHeap is a min-heap: the root is the worst kept match.
type matchHeap []Match

func (h matchHeap) Len() int           { return len(h) }
func (h matchHeap) Less(i, j int) bool { return Better(h[j], h[i]) }
func (h matchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x any)        { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	*h = old[:n-1]
	return m
}
