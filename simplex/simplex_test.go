package simplex

import (
	"context"
	"testing"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/implicit/expr"
	"github.com/outofforest/implicit/region"
	"github.com/outofforest/implicit/tape"
	"github.com/outofforest/implicit/types"
)

func compileTape(t *testing.T, src string) *tape.Tape {
	b := expr.NewBuilder()
	shape, err := b.Parse(src)
	require.NoError(t, err)
	tp, err := tape.New(shape)
	require.NoError(t, err)
	return tp
}

func testCtx() context.Context {
	return logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig))
}

func buildTree(t *testing.T, src string, r region.Region, cfg Config) (*Tree, Stats, *Pool) {
	tp := compileTape(t, src)
	pool := NewPool(cfg.Workers)
	tree, stats, err := Build(testCtx(), tp, r, cfg, pool)
	require.NoError(t, err)
	return tree, stats, pool
}

func TestConstantFilled(t *testing.T) {
	requireT := require.New(t)

	r := region.New3([3]float64{-1, -1, -1}, [3]float64{1, 1, 1}, 5)
	tree, stats, pool := buildTree(t, "0 - 1", r, Config{MaxErr: 1e-8, Workers: 2})

	// The constant resolves at the root: one leaf, no subdivision.
	requireT.False(tree.IsBranch())
	requireT.Equal(types.CellFilled, tree.Type)
	requireT.NotNil(tree.Leaf)
	requireT.Equal(uint64(1), stats.Cells)
	requireT.Equal(5, tree.Leaf.Level)

	// All 27 subspace vertices are inside and carry distinct indices.
	seen := map[uint64]bool{}
	for i := 0; i < 27; i++ {
		sub := tree.Leaf.Sub[i]
		requireT.NotNil(sub)
		requireT.True(sub.Inside)
		requireT.Positive(sub.Index)
		requireT.LessOrEqual(sub.Index, uint64(27))
		requireT.False(seen[sub.Index])
		seen[sub.Index] = true
	}
	requireT.Equal(uint64(27), stats.Vertices)

	tree.Release(pool.Worker(0))
	trees, leaves, subs := pool.Live()
	requireT.Zero(trees)
	requireT.Zero(leaves)
	requireT.Zero(subs)
}

func TestConstantEmpty(t *testing.T) {
	requireT := require.New(t)

	r := region.New3([3]float64{-1, -1, -1}, [3]float64{1, 1, 1}, 5)
	tree, _, _ := buildTree(t, "1", r, Config{MaxErr: 1e-8, Workers: 1})

	requireT.False(tree.IsBranch())
	requireT.Equal(types.CellEmpty, tree.Type)
	for i := 0; i < 27; i++ {
		requireT.False(tree.Leaf.Sub[i].Inside)
	}
}

func sphereValue(p [3]float64) float64 {
	return p[0]*p[0] + p[1]*p[1] + p[2]*p[2] - 0.25
}

func TestSphere(t *testing.T) {
	requireT := require.New(t)

	r := region.New3([3]float64{-1, -1, -1}, [3]float64{1, 1, 1}, 6)
	tree, stats, pool := buildTree(t, "x*x + y*y + z*z - 0.25", r,
		Config{MaxErr: 1e-8, Workers: 4})

	requireT.True(tree.IsBranch())
	requireT.Positive(stats.Collected)

	prunedEmpty := false
	prunedFilled := false
	tree.Walk(func(c *Tree) {
		if c.IsBranch() {
			// Every branch has a nil leaf and a full set of children.
			requireT.Nil(c.Leaf)
			for i := 0; i < 8; i++ {
				requireT.NotNil(c.Child(i))
			}
			return
		}
		requireT.NotNil(c.Leaf)

		// Interval pruning must resolve cells away from the surface
		// before reaching full depth.
		if c.Leaf.Level > 0 {
			switch c.Type {
			case types.CellEmpty:
				prunedEmpty = true
			case types.CellFilled:
				prunedFilled = true
			}
		}

		// Vertex signs agree with the field; surface hits are allowed to
		// classify either way.
		for i := 0; i < 27; i++ {
			sub := c.Leaf.Sub[i]
			requireT.NotNil(sub)
			v := sphereValue(sub.Vert)
			if v < -1e-9 {
				requireT.True(sub.Inside, "vertex %v value %v", sub.Vert, v)
			}
			if v > 1e-9 {
				requireT.False(sub.Inside, "vertex %v value %v", sub.Vert, v)
			}
			requireT.Positive(sub.Index)

			// Cell type and vertex signs stay consistent.
			if c.Type == types.CellEmpty {
				requireT.False(sub.Inside)
			}
			if c.Type == types.CellFilled {
				requireT.True(sub.Inside)
			}
		}
	})
	requireT.True(prunedEmpty)
	requireT.True(prunedFilled)

	// Refcounts equal the number of leaves referencing each record.
	refs := map[*LeafSubspace]int32{}
	tree.Walk(func(c *Tree) {
		if c.Leaf == nil {
			return
		}
		for i := 0; i < 27; i++ {
			refs[c.Leaf.Sub[i]]++
		}
	})
	for sub, n := range refs {
		requireT.Equal(n, sub.Refcount())
	}

	// Releasing the tree drains the pool completely.
	tree.Release(pool.Worker(0))
	trees, leaves, subs := pool.Live()
	requireT.Zero(trees)
	requireT.Zero(leaves)
	requireT.Zero(subs)
}

func TestSphereSharedVertexIndices(t *testing.T) {
	requireT := require.New(t)

	r := region.New3([3]float64{-1, -1, -1}, [3]float64{1, 1, 1}, 4)
	tree, stats, _ := buildTree(t, "x*x + y*y + z*z - 0.25", r,
		Config{MaxErr: 1e-8, Workers: 2})

	// Geometrically identical corner vertices of same-level cells must
	// share an index.
	type key struct {
		pos   [3]float64
		level int
	}
	byPos := map[key]uint64{}
	shared := 0
	tree.Walk(func(c *Tree) {
		if c.Leaf == nil {
			return
		}
		for i := 0; i < 27; i++ {
			s := region.NeighborIndex(i)
			if !s.IsCorner(3) {
				continue
			}
			sub := c.Leaf.Sub[i]
			k := key{pos: sub.Vert, level: c.Leaf.Level}
			if prev, ok := byPos[k]; ok {
				requireT.Equal(prev, sub.Index, "corner %v", sub.Vert)
				shared++
			} else {
				byPos[k] = sub.Index
			}
		}
	})
	requireT.Positive(shared)
	requireT.Positive(stats.Vertices)
}

func TestDeterministicAcrossRuns(t *testing.T) {
	requireT := require.New(t)

	type leafRecord struct {
		lower   [3]float64
		typ     types.CellType
		indices [27]uint64
	}
	run := func(workers int) []leafRecord {
		r := region.New3([3]float64{-1, -1, -1}, [3]float64{1, 1, 1}, 5)
		tree, _, pool := buildTree(t, "x*x + y*y + z*z - 0.25", r,
			Config{MaxErr: 1e-8, Workers: workers})
		var out []leafRecord
		tree.Walk(func(c *Tree) {
			if c.Leaf == nil {
				return
			}
			rec := leafRecord{lower: c.Region.Lower, typ: c.Type}
			for i := 0; i < 27; i++ {
				rec.indices[i] = c.Leaf.Sub[i].Index
			}
			out = append(out, rec)
		})
		tree.Release(pool.Worker(0))
		return out
	}

	first := run(1)
	second := run(4)
	requireT.Equal(first, second)
}

func TestTwoDimensionalBuild(t *testing.T) {
	requireT := require.New(t)

	r := region.New2([2]float64{-1, -1}, [2]float64{1, 1}, 0, 5)
	tree, stats, _ := buildTree(t, "x*x + y*y - 0.25", r,
		Config{MaxErr: 1e-8, Workers: 2})

	requireT.True(tree.IsBranch())
	requireT.Positive(stats.Vertices)
	tree.Walk(func(c *Tree) {
		if c.IsBranch() {
			for i := 0; i < 4; i++ {
				requireT.NotNil(c.Child(i))
			}
			return
		}
		for i := 0; i < 9; i++ {
			sub := c.Leaf.Sub[i]
			requireT.NotNil(sub)
			// Vertices carry the perp coordinate in z.
			requireT.Equal(0.0, sub.Vert[2])
			v := sub.Vert[0]*sub.Vert[0] + sub.Vert[1]*sub.Vert[1] - 0.25
			if v < -1e-9 {
				requireT.True(sub.Inside)
			}
			if v > 1e-9 {
				requireT.False(sub.Inside)
			}
		}
	})
}

func TestMergeCollapsesZeroResidualField(t *testing.T) {
	requireT := require.New(t)

	// x - x is identically zero but stays symbolic, so interval analysis
	// classifies every cell ambiguous and the tree subdivides to full
	// depth. Every vertex sits on the zero level and counts as inside, so
	// the deepest leaves upgrade to filled and the uniform parents collapse
	// all the way back to the root.
	r := region.New3([3]float64{-1, -1, -1}, [3]float64{1, 1, 1}, 3)
	tree, stats, _ := buildTree(t, "x - x", r, Config{MaxErr: 1e-8, Workers: 2})

	requireT.False(tree.IsBranch())
	requireT.NotNil(tree.Leaf)
	requireT.Positive(stats.Collected)
	// Cells at every level were evaluated before collapsing.
	requireT.Greater(stats.Cells, uint64(1))
}

func TestLargeMaxErrMergesAggressively(t *testing.T) {
	requireT := require.New(t)

	// With a generous error budget the plane's ambiguous merges all
	// commit and the tree collapses into a single mixed-sign leaf.
	r := region.New3([3]float64{-1, -1, -1}, [3]float64{1, 1, 1}, 3)
	tree, _, _ := buildTree(t, "x", r, Config{MaxErr: 100, Workers: 2})

	requireT.False(tree.IsBranch())
	requireT.Equal(types.CellAmbiguous, tree.Type)

	inside := 0
	for i := 0; i < 27; i++ {
		if tree.Leaf.Sub[i].Inside {
			inside++
		}
	}
	requireT.Positive(inside)
	requireT.Less(inside, 27)
}

type failingOracle struct{}

func (failingOracle) Value(p [3]float64) float64                { return 0 }
func (failingOracle) Derivs(p [3]float64) ([3]float64, float64) { return [3]float64{}, 0 }
func (failingOracle) Interval(lower, upper [3]float64) (float64, float64, error) {
	return 0, 0, errOracle
}

var errOracle = errors.New("oracle exploded")

func TestOracleFailureAbortsAndDrainsPool(t *testing.T) {
	requireT := require.New(t)

	b := expr.NewBuilder()
	shape := b.Sub(b.OracleNode(failingOracle{}), b.Const(0.25))
	tp, err := tape.New(shape)
	requireT.NoError(err)

	pool := NewPool(2)
	r := region.New3([3]float64{-1, -1, -1}, [3]float64{1, 1, 1}, 6)
	tree, _, err := Build(testCtx(), tp, r, Config{MaxErr: 1e-8, Workers: 2}, pool)
	requireT.Error(err)
	requireT.ErrorIs(err, errOracle)
	requireT.Contains(err.Error(), "build failed at region")
	requireT.Nil(tree)

	trees, leaves, subs := pool.Live()
	requireT.Zero(trees)
	requireT.Zero(leaves)
	requireT.Zero(subs)
}

type cancellingOracle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (o *cancellingOracle) Value(p [3]float64) float64 {
	return sphereValue(p)
}

func (o *cancellingOracle) Derivs(p [3]float64) ([3]float64, float64) {
	return [3]float64{2 * p[0], 2 * p[1], 2 * p[2]}, sphereValue(p)
}

func (o *cancellingOracle) Interval(lower, upper [3]float64) (float64, float64, error) {
	// Cancel on first use and wait until the cancellation is visible, so
	// the build is guaranteed to be cut short.
	o.cancel()
	<-o.ctx.Done()
	return -1, 1, nil
}

func TestCancellationReleasesResources(t *testing.T) {
	requireT := require.New(t)

	ctx, cancel := context.WithCancel(testCtx())
	defer cancel()

	b := expr.NewBuilder()
	shape := b.OracleNode(&cancellingOracle{ctx: ctx, cancel: cancel})
	tp, err := tape.New(shape)
	requireT.NoError(err)

	pool := NewPool(2)
	r := region.New3([3]float64{-1, -1, -1}, [3]float64{1, 1, 1}, 8)
	tree, _, err := Build(ctx, tp, r, Config{MaxErr: 1e-8, Workers: 2}, pool)
	requireT.Error(err)
	requireT.ErrorIs(err, context.Canceled)
	requireT.Nil(tree)

	trees, leaves, subs := pool.Live()
	requireT.Zero(trees)
	requireT.Zero(leaves)
	requireT.Zero(subs)
}

func TestPoolReusesCapacity(t *testing.T) {
	requireT := require.New(t)

	pool := NewPool(1)
	r := region.New3([3]float64{-1, -1, -1}, [3]float64{1, 1, 1}, 4)

	for range 3 {
		tp := compileTape(t, "x*x + y*y + z*z - 0.25")
		tree, _, err := Build(testCtx(), tp, r, Config{MaxErr: 1e-8, Workers: 1}, pool)
		requireT.NoError(err)
		tree.Release(pool.Worker(0))

		trees, leaves, subs := pool.Live()
		requireT.Zero(trees)
		requireT.Zero(leaves)
		requireT.Zero(subs)
	}
}
