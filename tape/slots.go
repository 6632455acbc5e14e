package tape

import (
	"container/heap"
	"sort"

	"github.com/outofforest/implicit/types"
)

// Register allocation: every clause gets a small-integer slot such that two
// clauses with overlapping live ranges never share one. Live ranges are
// measured in evaluation order (leaves first); a clause is born at its own
// position and dies after its last consumer.

type liveRange struct {
	id    types.ClauseID
	first int
	last  int
}

type regEvent struct {
	pos  int
	load bool
	id   types.ClauseID
}

// assignSlots computes the slot map for a freshly built base subtape and
// stores it on the subtape. Pushed subtapes preserve clause IDs, so they
// share this map.
func assignSlots(base *Subtape, numClauses int) {
	ranges := make([]liveRange, 0, numClauses)
	index := make([]int, numClauses+1)

	cs := base.Clauses
	pos := 0
	for i := len(cs) - 1; i >= 0; i-- {
		c := cs[i]
		index[c.ID] = len(ranges)
		ranges = append(ranges, liveRange{id: c.ID, first: pos, last: pos + 1})
		if !c.Op.HasDummyChildren() {
			for _, operand := range [2]types.ClauseID{c.A, c.B} {
				if operand != 0 {
					ranges[index[operand]].last = pos + 1
				}
			}
		}
		pos++
	}

	// One LOAD and one DROP per clause; DROP sorts before LOAD at equal
	// positions so a slot freed at position p is reusable at p.
	events := make([]regEvent, 0, 2*len(ranges))
	for _, r := range ranges {
		events = append(events, regEvent{pos: r.first, load: true, id: r.id})
		events = append(events, regEvent{pos: r.last, load: false, id: r.id})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].pos != events[j].pos {
			return events[i].pos < events[j].pos
		}
		if events[i].load != events[j].load {
			return !events[i].load
		}
		return events[i].id < events[j].id
	})

	slots := make([]int, numClauses+1)
	active := make(map[types.ClauseID]int, len(ranges))
	free := &slotHeap{}
	next := 0
	for _, e := range events {
		if e.load {
			var chosen int
			if free.Len() > 0 {
				chosen = heap.Pop(free).(int)
			} else {
				chosen = next
				next++
			}
			active[e.id] = chosen
			slots[e.id] = chosen
		} else {
			heap.Push(free, active[e.id])
			delete(active, e.id)
		}
	}

	base.Slots = slots
}

// slotCount returns the register file size implied by the slot map.
func slotCount(base *Subtape) int {
	max := 0
	for _, c := range base.Clauses {
		if s := base.Slots[c.ID]; s > max {
			max = s
		}
	}
	return max + 1
}

// slotHeap is a min-heap of free register slots, so LOAD always takes the
// smallest available one.
type slotHeap []int

func (h slotHeap) Len() int           { return len(h) }
func (h slotHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h slotHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *slotHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *slotHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
