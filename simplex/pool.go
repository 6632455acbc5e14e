package simplex

import (
	"github.com/outofforest/mass"
)

// Pool is the process-wide object pool for tree builds: one sub-pool per
// worker, so the hot get/put paths never contend. Pools keep their
// capacity across builds and never shrink during one.
type Pool struct {
	workers []*WorkerPool
}

// NewPool creates a pool with one sub-pool per worker.
func NewPool(workers int) *Pool {
	p := &Pool{
		workers: make([]*WorkerPool, workers),
	}
	for i := range p.workers {
		p.workers[i] = &WorkerPool{
			massTree: mass.New[Tree](1024),
			massLeaf: mass.New[Leaf](1024),
			massSub:  mass.New[LeafSubspace](4096),
		}
	}
	return p
}

// Worker returns the sub-pool owned by worker i.
func (p *Pool) Worker(i int) *WorkerPool {
	return p.workers[i]
}

// Workers returns the number of sub-pools.
func (p *Pool) Workers() int {
	return len(p.workers)
}

// Live sums the outstanding objects across all sub-pools: objects handed
// out and not yet returned. A fully released tree brings all three counts
// back to their pre-build values.
func (p *Pool) Live() (trees, leaves, subspaces int64) {
	for _, w := range p.workers {
		trees += w.liveTrees
		leaves += w.liveLeaves
		subspaces += w.liveSubspaces
	}
	return trees, leaves, subspaces
}

// WorkerPool is the per-worker free list over a mass slab allocator.
// Get pulls from the worker's own free list, falling back to the slab;
// Put pushes onto it. A WorkerPool is single-goroutine except that Put
// may be called by whichever worker performs a merge, which is why the
// counts are only meaningful when summed across the whole Pool at rest.
type WorkerPool struct {
	massTree *mass.Mass[Tree]
	massLeaf *mass.Mass[Leaf]
	massSub  *mass.Mass[LeafSubspace]

	freeTrees     []*Tree
	freeLeaves    []*Leaf
	freeSubspaces []*LeafSubspace

	liveTrees     int64
	liveLeaves    int64
	liveSubspaces int64
}

// GetTree returns a reset tree cell.
func (w *WorkerPool) GetTree() *Tree {
	w.liveTrees++
	if n := len(w.freeTrees); n > 0 {
		t := w.freeTrees[n-1]
		w.freeTrees = w.freeTrees[:n-1]
		return t
	}
	t := w.massTree.New()
	t.reset()
	return t
}

// PutTree returns a tree cell to the free list.
func (w *WorkerPool) PutTree(t *Tree) {
	t.reset()
	w.freeTrees = append(w.freeTrees, t)
	w.liveTrees--
}

// GetLeaf returns a reset leaf.
func (w *WorkerPool) GetLeaf() *Leaf {
	w.liveLeaves++
	if n := len(w.freeLeaves); n > 0 {
		l := w.freeLeaves[n-1]
		w.freeLeaves = w.freeLeaves[:n-1]
		return l
	}
	l := w.massLeaf.New()
	l.reset()
	return l
}

// PutLeaf returns a leaf to the free list.
func (w *WorkerPool) PutLeaf(l *Leaf) {
	l.reset()
	w.freeLeaves = append(w.freeLeaves, l)
	w.liveLeaves--
}

// GetSubspace returns a reset subspace record for an n-dimensional cell.
func (w *WorkerPool) GetSubspace(n int) *LeafSubspace {
	w.liveSubspaces++
	if c := len(w.freeSubspaces); c > 0 {
		s := w.freeSubspaces[c-1]
		w.freeSubspaces = w.freeSubspaces[:c-1]
		s.reset(n)
		return s
	}
	s := w.massSub.New()
	s.reset(n)
	return s
}

// PutSubspace returns a subspace record to the free list.
func (w *WorkerPool) PutSubspace(s *LeafSubspace) {
	w.freeSubspaces = append(w.freeSubspaces, s)
	w.liveSubspaces--
}
