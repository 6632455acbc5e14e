package simplex

import (
	"sync/atomic"

	"github.com/outofforest/implicit/qef"
	"github.com/outofforest/implicit/region"
	"github.com/outofforest/implicit/tape"
	"github.com/outofforest/implicit/types"
)

// MaxSubspaces is the subspace count of a 3-cell; lower-dimensional cells
// use a prefix of the arrays sized by it.
const MaxSubspaces = 27

// MaxChildren is the child count of a 3-cell.
const MaxChildren = 8

// LeafSubspace is the per-subspace record of a leaf cell: one QEF, one
// placed vertex, its sign and its global index. A record may be shared by
// every cell touching the same geometric subspace; sharing is reference
// counted and the record returns to its pool when the count drops to zero.
type LeafSubspace struct {
	QEF qef.QEF

	// Vert is the placed vertex; fixed axes are pinned to region bounds.
	Vert [3]float64

	// Value is the field value sampled at Vert when signs were solved.
	Value float64

	// Inside is the sign classification of Vert.
	Inside bool

	// Index is the globally unique vertex index, 0 until assigned.
	Index uint64

	refcount atomic.Int32
}

func (s *LeafSubspace) reset(n int) {
	s.QEF = qef.New(n)
	s.Vert = [3]float64{}
	s.Value = 0
	s.Inside = false
	s.Index = 0
	s.refcount.Store(0)
}

// Refcount returns the current number of owning cells.
func (s *LeafSubspace) Refcount() int32 {
	return s.refcount.Load()
}

// Leaf is the payload of a non-branch cell: one shared subspace record per
// subspace, plus the tape specialization the cell was built with.
type Leaf struct {
	// Level is the recursion depth the leaf was produced at.
	Level int

	// Tape is the specialization valid over the cell's region, kept for
	// downstream consumers that re-evaluate near the cell.
	Tape *tape.Snapshot

	// Sub holds the 3^N subspace records, indexed by NeighborIndex.
	Sub [MaxSubspaces]*LeafSubspace
}

func (l *Leaf) reset() {
	l.Level = 0
	l.Tape = nil
	for i := range l.Sub {
		l.Sub[i] = nil
	}
}

// releaseTo drops the leaf's subspace references and returns the records
// whose count hit zero, then the leaf itself, to the worker pool.
func (l *Leaf) releaseTo(w *WorkerPool) {
	for i, s := range l.Sub {
		if s == nil {
			continue
		}
		if s.refcount.Add(-1) == 0 {
			w.PutSubspace(s)
		}
		l.Sub[i] = nil
	}
	w.PutLeaf(l)
}

// Tree is one cell of the simplex tree: either a branch with 2^N children
// or a leaf. Child slots and the pending counter are atomics because the
// last sibling to finish performs the parent merge.
type Tree struct {
	// Parent points back to the owning branch; nil at the root.
	Parent *Tree

	// ParentIndex is this cell's corner position in Parent's child array.
	ParentIndex int

	// Region is the cell's box.
	Region region.Region

	// Type is the cell's classification against the isosurface.
	Type types.CellType

	// Leaf is non-nil exactly on non-branch cells after construction.
	Leaf *Leaf

	children [MaxChildren]atomic.Pointer[Tree]
	pending  atomic.Int32

	// snap is the tape specialization pushed for this cell's region,
	// adopted by children and by the bottom-up merge. Build-time only.
	snap *tape.Snapshot
}

func (t *Tree) reset() {
	t.Parent = nil
	t.ParentIndex = 0
	t.Region = region.Region{}
	t.Type = types.CellUnknown
	t.Leaf = nil
	for i := range t.children {
		t.children[i].Store(nil)
	}
	t.pending.Store(0)
	t.snap = nil
}

// Child returns the i-th child, nil on non-branch cells.
func (t *Tree) Child(i int) *Tree {
	return t.children[i].Load()
}

// IsBranch reports whether the cell has children.
func (t *Tree) IsBranch() bool {
	return t.children[0].Load() != nil
}

// LeafLevel returns the recursion depth of a non-branch cell's leaf.
func (t *Tree) LeafLevel() int {
	if t.Leaf == nil {
		return -1
	}
	return t.Leaf.Level
}

// Release returns the whole subtree, its leaves and its subspace records
// to the worker pool. Safe on partially built trees.
func (t *Tree) Release(w *WorkerPool) {
	for i := range t.children {
		if c := t.children[i].Swap(nil); c != nil {
			c.Release(w)
		}
	}
	if t.Leaf != nil {
		t.Leaf.releaseTo(w)
		t.Leaf = nil
	}
	w.PutTree(t)
}

// releaseChildren returns every child subtree to the pool, turning the
// cell back into a non-branch.
func (t *Tree) releaseChildren(w *WorkerPool) {
	for i := range t.children {
		if c := t.children[i].Swap(nil); c != nil {
			c.Release(w)
		}
	}
}

// Walk visits every cell of the subtree depth first, parents before
// children.
func (t *Tree) Walk(fn func(*Tree)) {
	fn(t)
	for i := range t.children {
		if c := t.children[i].Load(); c != nil {
			c.Walk(fn)
		}
	}
}
