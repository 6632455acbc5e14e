package simplex

import (
	"github.com/outofforest/implicit/region"
)

// Neighbors is the set of same-level cells adjacent to one cell, indexed
// by neighbor direction. Cells are referenced weakly: lookups walk via
// region coordinates and child indexes, never via owning pointers, so the
// set can be rebuilt at any tree level.
type Neighbors struct {
	n     int
	cells [MaxSubspaces]*Tree
}

// NewNeighbors returns an empty neighbor set for n-dimensional cells.
func NewNeighbors(n int) Neighbors {
	return Neighbors{n: n}
}

// Push derives the neighbor set of a child cell from its parent's set and
// its siblings. For every direction, the child's neighbor is either a
// sibling within the same parent, or the matching child of the parent's
// own neighbor when that neighbor is a branch; coarser neighbors are
// dropped, keeping the set strictly same-level.
func (nb Neighbors) Push(parent *Tree, childIndex int) Neighbors {
	out := NewNeighbors(nb.n)
	for dir := 0; dir < region.Pow3(nb.n); dir++ {
		d := region.NeighborDirection(dir)
		if region.IsSelf(d, nb.n) {
			continue
		}
		parentDir, target := region.ChildTraversal(region.CornerIndex(childIndex), d, nb.n)
		if region.IsSelf(parentDir, nb.n) {
			out.cells[dir] = parent.Child(int(target))
			continue
		}
		if p := nb.cells[parentDir]; p != nil && p.IsBranch() {
			out.cells[dir] = p.Child(int(target))
		}
	}
	return out
}

// Check looks for a neighbor leaf already owning the given subspace and
// returns its leaf together with the subspace index in the neighbor's
// frame.
func (nb Neighbors) Check(s region.NeighborIndex) (*Leaf, region.NeighborIndex) {
	for dir := 0; dir < region.Pow3(nb.n); dir++ {
		c := nb.cells[dir]
		if c == nil || c.IsBranch() || c.Leaf == nil {
			continue
		}
		mapped, ok := region.SharedSubspace(region.NeighborDirection(dir), s, nb.n)
		if !ok {
			continue
		}
		if c.Leaf.Sub[mapped] != nil {
			return c.Leaf, mapped
		}
	}
	return nil, 0
}

// GetIndex returns the global index already assigned to the given subspace
// by some neighbor, or 0. Branching neighbors are descended when the
// subspace is a corner, to account for neighbors recorded at a coarser
// moment of the walk.
func (nb Neighbors) GetIndex(s region.NeighborIndex) uint64 {
	for dir := 0; dir < region.Pow3(nb.n); dir++ {
		c := nb.cells[dir]
		if c == nil {
			continue
		}
		mapped, ok := region.SharedSubspace(region.NeighborDirection(dir), s, nb.n)
		if !ok {
			continue
		}
		if !c.IsBranch() {
			if c.Leaf != nil && c.Leaf.Sub[mapped] != nil {
				if idx := c.Leaf.Sub[mapped].Index; idx != 0 {
					return idx
				}
			}
			continue
		}
		if !mapped.IsCorner(nb.n) {
			continue
		}
		// Walk down to the cell touching the corner; the corner keeps its
		// index within every descendant on its side.
		pos := int(mapped.Pos(nb.n))
		cell := c
		for cell.IsBranch() {
			cell = cell.Child(pos)
		}
		if cell.Leaf != nil && cell.Leaf.Sub[mapped] != nil {
			if idx := cell.Leaf.Sub[mapped].Index; idx != 0 {
				return idx
			}
		}
	}
	return 0
}
