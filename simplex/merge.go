package simplex

import (
	"github.com/outofforest/implicit/eval"
	"github.com/outofforest/implicit/region"
	"github.com/outofforest/implicit/types"
)

// collectChildren runs when a child of t finishes. Every sibling
// decrements the pending counter and returns; the last one to arrive
// performs the bottom-up merge: summing child subspace QEFs into parent
// subspaces, re-solving the parent vertices and committing the collapse
// when the residual error stays below maxErr. Returns false when siblings
// are still outstanding.
func collectChildren(w *WorkerPool, b *eval.Bundle, t *Tree, maxErr float64) bool {
	if t.pending.Add(-1) >= 0 {
		return false
	}

	r := t.Region
	n := r.N
	children := 1 << n
	subspaces := region.Pow3(n)

	var cs [MaxChildren]*Tree
	for i := 0; i < children; i++ {
		cs[i] = t.children[i].Load()
	}

	// A branching child pins the parent as a branch.
	for i := 0; i < children; i++ {
		if cs[i].IsBranch() {
			return true
		}
	}

	h := b.Tape.Adopt(t.snap)
	defer h.Close()

	t.Leaf = w.GetLeaf()
	t.Leaf.Level = r.Level
	t.Leaf.Tape = t.snap

	allEmpty := true
	allFull := true
	for i := 0; i < children; i++ {
		allEmpty = allEmpty && cs[i].Type == types.CellEmpty
		allFull = allFull && cs[i].Type == types.CellFilled
	}
	switch {
	case allEmpty:
		t.Type = types.CellEmpty
	case allFull:
		t.Type = types.CellFilled
	default:
		t.Type = types.CellAmbiguous
	}

	// An unambiguous parent always collapses: drop the children and
	// rebuild the leaf from fresh corner samples.
	if t.Type != types.CellAmbiguous {
		t.releaseChildren(w)
		findLeafVertices(w, b, t, NewNeighbors(n))
		return true
	}

	// Every parent subspace record is freshly allocated; no record is
	// borrowed from a neighbor.
	for i := 0; i < subspaces; i++ {
		t.Leaf.Sub[i] = w.GetSubspace(n)
		t.Leaf.Sub[i].refcount.Add(1)
	}

	// Sum child QEFs into parent subspaces. Shared faces and edges appear
	// in several children; a child contributes a subspace only when, on
	// every fixed axis, the subspace sits high or the child sits low,
	// which counts each shared contribution exactly once.
	for ci := 0; ci < children; ci++ {
		child := cs[ci]
		for j := 0; j < subspaces; j++ {
			sub := region.NeighborIndex(j)
			fixed := sub.Fixed(n)
			floating := sub.Floating(n)
			pos := sub.Pos(n)

			valid := true
			for d := range n {
				if fixed&(1<<d) != 0 {
					if pos&(1<<d) == 0 && ci&(1<<d) != 0 {
						valid = false
						break
					}
				}
			}
			if !valid {
				continue
			}

			// Map the child subspace into the parent frame: floating axes
			// stay floating, and a fixed axis stays fixed only when the
			// child sits on the side the subspace is pinned to.
			var floatingOut, posOut uint8
			for d := range n {
				bit := uint8(1 << d)
				if floating&bit != 0 || (pos&bit != 0) != (uint8(ci)&bit != 0) {
					floatingOut |= bit
				} else {
					posOut |= pos & bit
				}
			}
			target := region.FromPosAndFloating(posOut, floatingOut, n)
			t.Leaf.Sub[target].QEF.Add(child.Leaf.Sub[j].QEF)
		}
	}

	var alreadySolved [MaxSubspaces]bool
	err := solveSubspaces(t.Leaf, &alreadySolved, r)

	if err < maxErr {
		saveVertexSigns(b, t, &alreadySolved)
		checkVertexSigns(t)
		t.releaseChildren(w)
	} else {
		t.Leaf.releaseTo(w)
		t.Leaf = nil
		t.Type = types.CellAmbiguous
	}
	return true
}
