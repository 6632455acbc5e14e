package simplex

import (
	"github.com/outofforest/implicit/region"
)

// AssignIndices walks the finished tree once, single threaded, and gives
// every distinct subspace vertex a dense global index starting at 1.
// Vertices shared across cells receive one index: first by asking
// same-level neighbors, then, for corners, by walking up ancestors that
// still contain the corner. Returns the number of indices assigned.
func (t *Tree) AssignIndices() uint64 {
	n := t.Region.N
	index := uint64(1)

	// The neighbor stack is explicit because neighbor sets are rebuilt
	// per level and looked up again while walking ancestors.
	stack := []Neighbors{NewNeighbors(n)}
	t.assignIndices(&index, &stack)
	return index - 1
}

func (t *Tree) assignIndices(index *uint64, stack *[]Neighbors) {
	n := t.Region.N

	if t.IsBranch() {
		for i := 0; i < 1<<n; i++ {
			*stack = append(*stack, (*stack)[len(*stack)-1].Push(t, i))
			t.Child(i).assignIndices(index, stack)
			*stack = (*stack)[:len(*stack)-1]
		}
		return
	}

	neighbors := (*stack)[len(*stack)-1]
	for i := 0; i < region.Pow3(n); i++ {
		sub := t.Leaf.Sub[i]
		if sub.Index != 0 {
			// Shared with a cell that has already been visited.
			continue
		}
		s := region.NeighborIndex(i)

		if idx := neighbors.GetIndex(s); idx != 0 {
			sub.Index = idx
			continue
		}

		// A corner may coincide with a corner of an ancestor cell; walk
		// up while the chain of parent indexes keeps the corner on the
		// boundary, checking the neighbor set recorded at each level.
		if s.IsCorner(n) {
			target := t
			stackIndex := len(*stack) - 1
			for target.Parent != nil && stackIndex > 0 &&
				target.ParentIndex == int(s.Pos(n)) {
				target = target.Parent
				stackIndex--
				if idx := (*stack)[stackIndex].GetIndex(s); idx != 0 {
					sub.Index = idx
					break
				}
			}
			if sub.Index != 0 {
				continue
			}
		}

		sub.Index = *index
		*index++
	}
}
