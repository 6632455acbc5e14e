package implicit

import (
	"context"
	"testing"

	"github.com/outofforest/logger"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/implicit/expr"
	"github.com/outofforest/implicit/region"
	"github.com/outofforest/implicit/simplex"
	"github.com/outofforest/implicit/types"
)

func testCtx() context.Context {
	return logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig))
}

func TestBuildSphere(t *testing.T) {
	requireT := require.New(t)

	b := expr.NewBuilder()
	shape, err := b.Parse("sqrt(x*x + y*y + z*z) - 0.5")
	requireT.NoError(err)

	r := region.New3([3]float64{-1, -1, -1}, [3]float64{1, 1, 1}, 5)
	tree, pool, err := Build(testCtx(), shape, r, Config{MaxErr: 1e-8, Workers: 2})
	requireT.NoError(err)
	requireT.True(tree.IsBranch())

	cells := map[types.CellType]int{}
	tree.Walk(func(c *simplex.Tree) {
		if c.IsBranch() {
			requireT.Nil(c.Leaf)
			return
		}
		requireT.NotNil(c.Leaf)
		cells[c.Type]++
	})
	requireT.Positive(cells[types.CellEmpty])
	requireT.Positive(cells[types.CellFilled])
	requireT.Positive(cells[types.CellAmbiguous])

	tree.Release(pool.Worker(0))
	trees, leaves, subs := pool.Live()
	requireT.Zero(trees)
	requireT.Zero(leaves)
	requireT.Zero(subs)
}

func TestBuildDefaultsApplied(t *testing.T) {
	requireT := require.New(t)

	b := expr.NewBuilder()
	r := region.New3([3]float64{-1, -1, -1}, [3]float64{1, 1, 1}, 3)
	tree, _, err := Build(testCtx(), b.Const(1), r, Config{})
	requireT.NoError(err)
	requireT.Equal(types.CellEmpty, tree.Type)
}

func TestBuildRejectsBadDimension(t *testing.T) {
	requireT := require.New(t)

	b := expr.NewBuilder()
	r := region.Region{N: 1, Level: 1}
	_, _, err := Build(testCtx(), b.X(), r, Config{})
	requireT.Error(err)
}

func TestBuildWithOracle(t *testing.T) {
	requireT := require.New(t)

	b := expr.NewBuilder()
	shape := b.Sub(b.OracleNode(boxOracle{half: 0.4}), b.Const(0))

	r := region.New3([3]float64{-1, -1, -1}, [3]float64{1, 1, 1}, 4)
	tree, _, err := Build(testCtx(), shape, r, Config{MaxErr: 1e-8, Workers: 2})
	requireT.NoError(err)

	found := lo.ToPtr(false)
	tree.Walk(func(c *simplex.Tree) {
		if !c.IsBranch() && c.Type == types.CellFilled {
			*found = true
		}
	})
	requireT.True(*found)
}

// boxOracle is an axis-aligned cube |x|,|y|,|z| <= half as an opaque field.
type boxOracle struct {
	half float64
}

func (o boxOracle) Value(p [3]float64) float64 {
	out := p[0]
	if -p[0] > out {
		out = -p[0]
	}
	for d := 1; d < 3; d++ {
		if p[d] > out {
			out = p[d]
		}
		if -p[d] > out {
			out = -p[d]
		}
	}
	return out - o.half
}

func (o boxOracle) Derivs(p [3]float64) ([3]float64, float64) {
	v := o.Value(p)
	var g [3]float64
	best := 0
	mag := p[0]
	if mag < 0 {
		mag = -mag
	}
	for d := 1; d < 3; d++ {
		m := p[d]
		if m < 0 {
			m = -m
		}
		if m > mag {
			mag, best = m, d
		}
	}
	if p[best] >= 0 {
		g[best] = 1
	} else {
		g[best] = -1
	}
	return g, v
}

func (o boxOracle) Interval(lower, upper [3]float64) (float64, float64, error) {
	lb, ub := -o.half, -o.half
	for d := range 3 {
		l, u := lower[d], upper[d]
		al, au := l, u
		if al < 0 {
			al = -al
		}
		if au < 0 {
			au = -au
		}
		maxAbs := al
		if au > maxAbs {
			maxAbs = au
		}
		minAbs := 0.0
		if l > 0 || u < 0 {
			minAbs = al
			if au < minAbs {
				minAbs = au
			}
		}
		if minAbs-o.half > lb {
			lb = minAbs - o.half
		}
		if maxAbs-o.half > ub {
			ub = maxAbs - o.half
		}
	}
	return lb, ub, nil
}
