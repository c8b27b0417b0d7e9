// Package topk provides the pluggable top-k similarity search used by the
// sparse matching path. The contract is deliberately narrow: index one set
// of target vectors, then answer "which k targets are most similar to this
// query" without ever materializing the full score matrix.
//
// This file defines the min-heap and max-heap of search candidates shared by
// the brute-force and HNSW backends. Both are built on Go's standard
// container/heap package.
package topk

import "container/heap"

// Candidate is one scored target during a search: a local target index and
// its distance to the query (negative dot product, smaller is closer).
type Candidate struct {
	ID       int
	Distance float64
}

// minHeap keeps the candidate with the smallest distance at the top. It
// holds the frontier of nodes still to be explored, so the most promising
// candidate is always expanded next.
type minHeap []Candidate

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].Distance < h[j].Distance }
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any) { *h = append(*h, x.(Candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// push and pop wrap container/heap so call sites stay terse.
func (h *minHeap) push(c Candidate) { heap.Push(h, c) }
func (h *minHeap) pop() Candidate { return heap.Pop(h).(Candidate) }

// maxHeap keeps the candidate with the largest distance at the top. It holds
// the best k results found so far; the root is the worst of the best, making
// it cheap to evict when a closer neighbor shows up.
type maxHeap []Candidate

func (h maxHeap) Len() int { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].Distance > h[j].Distance }
func (h maxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any) { *h = append(*h, x.(Candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h *maxHeap) push(c Candidate) { heap.Push(h, c) }
func (h *maxHeap) pop() Candidate { return heap.Pop(h).(Candidate) }

// peek returns the worst retained candidate without removing it.
func (h maxHeap) peek() Candidate { return h[0] }

// drainSorted empties the heap into a slice ordered by ascending distance,
// breaking distance ties by ascending ID so results are deterministic.
func (h *maxHeap) drainSorted() []Candidate {
	out := make([]Candidate, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = h.pop()
	}
	// container/heap is not stable; enforce the tie order explicitly.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Distance == out[j].Distance && out[j-1].ID > out[j].ID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
