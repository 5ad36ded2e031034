package timerlist

import "container/heap"

// timerHeap is a min-heap of timers ordered by deadline. Each timer records
// its position so that cancellation can remove it in O(log n).
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	t.heapIndex = invalidHeapIndex
	return t
}

// add inserts t and reports whether it became the new top of the heap.
func (h *timerHeap) add(t *Timer) bool {
	heap.Push(h, t)
	return (*h)[0] == t
}

// remove deletes t from the heap; t must currently be in it.
func (h *timerHeap) remove(t *Timer) {
	heap.Remove(h, t.heapIndex)
}

// top returns the earliest timer without removing it.
func (h timerHeap) top() *Timer { return h[0] }

// pop removes and returns the earliest timer.
func (h *timerHeap) pop() *Timer { return heap.Pop(h).(*Timer) }
