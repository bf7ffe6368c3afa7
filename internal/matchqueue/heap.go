package matchqueue

import (
	"container/heap"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wagerline/platform/internal/domain"
)

// heapEntry mirrors the fields of a matchable item that ordering depends on.
// The store row stays authoritative; tryPair re-reads before reserving.
type heapEntry struct {
	id         uuid.UUID
	state      domain.QueueState
	enqueuedAt time.Time
	tier       domain.Tier
	risk       int
	attempts   int
	score      float64
	index      int
}

// itemHeap orders entries by (−score, enqueuedAt). Owned by the queue worker.
type itemHeap struct {
	entries []*heapEntry
}

func (h *itemHeap) Len() int { return len(h.entries) }

func (h *itemHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if a.score != b.score {
		return a.score > b.score
	}
	return a.enqueuedAt.Before(b.enqueuedAt)
}

func (h *itemHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *itemHeap) Push(x any) {
	e := x.(*heapEntry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *itemHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	return e
}

// remove drops the entry for id, if present.
func (h *itemHeap) remove(id uuid.UUID) {
	for _, e := range h.entries {
		if e.id == id {
			heap.Remove(h, e.index)
			return
		}
	}
}

// rescore recomputes every priority and restores heap order. Scores drift
// with age, so this runs at the top of each matching cycle.
func (h *itemHeap) rescore(score func(e *heapEntry, now time.Time) float64) {
	now := time.Now().UTC()
	for _, e := range h.entries {
		e.score = score(e, now)
	}
	heap.Init(h)
}

// sorted returns the entries in priority order without disturbing the heap.
func (h *itemHeap) sorted() []*heapEntry {
	out := make([]*heapEntry, len(h.entries))
	copy(out, h.entries)
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].enqueuedAt.Before(out[j].enqueuedAt)
	})
	return out
}

// reset replaces the heap contents wholesale.
func (h *itemHeap) reset(entries []*heapEntry) {
	h.entries = entries
	heap.Init(h)
}
