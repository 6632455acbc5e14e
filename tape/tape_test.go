package tape

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/implicit/expr"
	"github.com/outofforest/implicit/region"
	"github.com/outofforest/implicit/types"
)

func sphere(t *testing.T) (*expr.Builder, *expr.Node) {
	b := expr.NewBuilder()
	n, err := b.Parse("x*x + y*y + z*z - 0.25")
	require.NoError(t, err)
	return b, n
}

func TestNew(t *testing.T) {
	requireT := require.New(t)
	_, shape := sphere(t)

	tp, err := New(shape)
	requireT.NoError(err)

	// x, y, z, 0.25, three products, two adds, one sub.
	requireT.Equal(10, tp.NumClauses())
	requireT.Len(tp.Constants, 1)
	requireT.Equal(0.25, tp.Constants[0])
	requireT.Equal(1.0, tp.Utilization())

	// Root first; every operand of a clause appears later in storage.
	cs := tp.Current().Clauses
	requireT.Equal(types.OpSub, cs[0].Op)
	pos := map[types.ClauseID]int{}
	for i, c := range cs {
		pos[c.ID] = i
	}
	for i, c := range cs {
		if c.Op.HasDummyChildren() || c.Op.Args() == 0 {
			continue
		}
		requireT.Greater(pos[c.A], i, "operand A of clause %d", c.ID)
		if c.Op.Args() == 2 {
			requireT.Greater(pos[c.B], i, "operand B of clause %d", c.ID)
		}
	}

	// Every non-zero id appears exactly once.
	requireT.Len(pos, len(cs))
}

func TestSlotsNeverOverlap(t *testing.T) {
	requireT := require.New(t)
	_, shape := sphere(t)

	tp, err := New(shape)
	requireT.NoError(err)
	requireT.Positive(tp.NumSlots())
	requireT.LessOrEqual(tp.NumSlots(), tp.NumClauses())

	// Replay evaluation order and track slot liveness: a slot must not be
	// overwritten while its clause still has pending consumers.
	cs := tp.Current().Clauses
	slots := tp.Current().Slots
	remaining := map[types.ClauseID]int{}
	for _, c := range cs {
		if !c.Op.HasDummyChildren() {
			if c.A != 0 {
				remaining[c.A]++
			}
			if c.B != 0 {
				remaining[c.B]++
			}
		}
	}
	owner := map[int]types.ClauseID{}
	for i := len(cs) - 1; i >= 0; i-- {
		c := cs[i]
		if !c.Op.HasDummyChildren() {
			for _, operand := range []types.ClauseID{c.A, c.B} {
				if operand == 0 {
					continue
				}
				requireT.Equal(operand, owner[slots[operand]],
					"operand %d evicted before use by clause %d", operand, c.ID)
				remaining[operand]--
			}
		}
		prev, taken := owner[slots[c.ID]]
		if taken {
			requireT.Zero(remaining[prev], "clause %d evicted too early", prev)
		}
		owner[slots[c.ID]] = c.ID
	}
}

func pushMin(t *testing.T, tp *Tape, r region.Region) Handle {
	t.Helper()
	// Keep classifier for min(x, -x) over a region with x > 0: the right
	// branch always wins.
	return tp.Push(func(op types.Opcode, id, a, b types.ClauseID) types.Keep {
		if op == types.OpMin {
			return types.KeepB
		}
		return types.KeepAlways
	}, types.TapeInterval, r)
}

func TestPushPrunesMinBranch(t *testing.T) {
	requireT := require.New(t)
	b := expr.NewBuilder()
	shape := b.Min(b.X(), b.Neg(b.X()))

	tp, err := New(shape)
	requireT.NoError(err)
	requireT.Equal(3, tp.NumClauses())

	r := region.New3([3]float64{0.5, 0.5, 0.5}, [3]float64{1, 1, 1}, 0)
	h := pushMin(t, tp, r)

	// Only neg and its dependency x survive.
	cs := tp.Current().Clauses
	requireT.Len(cs, 2)
	requireT.Equal(types.OpNeg, cs[0].Op)
	requireT.Equal(types.OpVarX, cs[1].Op)
	requireT.InDelta(2.0/3.0, tp.Utilization(), 1e-12)

	h.Close()
	requireT.Equal(3, len(tp.Current().Clauses))
	requireT.Equal(1.0, tp.Utilization())
}

func TestPushRemapsThroughChains(t *testing.T) {
	requireT := require.New(t)
	b := expr.NewBuilder()
	// min(min(x, y), z): keeping A twice must remap the root operand to x.
	shape := b.Min(b.Min(b.X(), b.Y()), b.Z())

	tp, err := New(shape)
	requireT.NoError(err)

	h := tp.Push(func(op types.Opcode, id, a, b types.ClauseID) types.Keep {
		if op == types.OpMin {
			return types.KeepA
		}
		return types.KeepAlways
	}, types.TapeInterval, region.New3([3]float64{}, [3]float64{1, 1, 1}, 0))
	defer h.Close()

	cs := tp.Current().Clauses
	requireT.Len(cs, 1)
	requireT.Equal(types.OpVarX, cs[0].Op)
}

func TestDummyPushesCoalesce(t *testing.T) {
	requireT := require.New(t)
	_, shape := sphere(t)

	tp, err := New(shape)
	requireT.NoError(err)
	requireT.Equal(1, tp.Depth())

	r := region.New3([3]float64{-1, -1, -1}, [3]float64{1, 1, 1}, 0)
	keepAll := func(op types.Opcode, id, a, b types.ClauseID) types.Keep {
		return types.KeepAlways
	}

	// The first push materializes a choice-free subtape; the nested ones
	// only bump its dummy counter.
	h1 := tp.Push(keepAll, types.TapeInterval, r)
	requireT.Equal(2, tp.Depth())
	h2 := tp.Push(keepAll, types.TapeInterval, r)
	h3 := tp.Push(keepAll, types.TapeInterval, r)
	requireT.Equal(2, tp.Depth())
	requireT.Equal(10, len(tp.Current().Clauses))

	h3.Close()
	h2.Close()
	requireT.Equal(10, len(tp.Current().Clauses))
	h1.Close()
	requireT.Equal(1.0, tp.Utilization())
}

func TestRepeatedPushPopDoesNotGrowStack(t *testing.T) {
	requireT := require.New(t)
	b := expr.NewBuilder()
	shape := b.Min(b.X(), b.Neg(b.X()))

	tp, err := New(shape)
	requireT.NoError(err)

	r := region.New3([3]float64{0.5, 0.5, 0.5}, [3]float64{1, 1, 1}, 0)
	for range 100 {
		h := pushMin(t, tp, r)
		h.Close()
	}
	requireT.Equal(2, tp.Depth())
}

func TestHandleMove(t *testing.T) {
	requireT := require.New(t)
	b := expr.NewBuilder()
	shape := b.Min(b.X(), b.Neg(b.X()))

	tp, err := New(shape)
	requireT.NoError(err)

	r := region.New3([3]float64{0.5, 0.5, 0.5}, [3]float64{1, 1, 1}, 0)
	h := pushMin(t, tp, r)
	requireT.Len(tp.Current().Clauses, 2)

	// Moving transfers the disposal: dropping the destination pops exactly
	// once, dropping the source must not pop.
	h2 := h.Move()
	h.Close()
	requireT.Len(tp.Current().Clauses, 2)

	h2.Close()
	requireT.Len(tp.Current().Clauses, 3)

	// Closing again is inert.
	h2.Close()
	requireT.Len(tp.Current().Clauses, 3)
}

func TestGetBase(t *testing.T) {
	requireT := require.New(t)
	b := expr.NewBuilder()
	shape := b.Min(b.X(), b.Neg(b.X()))

	tp, err := New(shape)
	requireT.NoError(err)

	// Specialize for x in [0.5, 1]; the pushed tape is only valid there.
	r := region.New3([3]float64{0.5, 0.5, 0.5}, [3]float64{1, 1, 1}, 0)
	h := pushMin(t, tp, r)
	requireT.Len(tp.Current().Clauses, 2)

	// A point outside the box walks back to the base tape.
	hb := tp.GetBase([3]float64{-0.75, 0.6, 0.6})
	requireT.Len(tp.Current().Clauses, 3)
	hb.Close()
	requireT.Len(tp.Current().Clauses, 2)

	// A point inside the box stays on the specialized tape.
	hb = tp.GetBase([3]float64{0.75, 0.6, 0.6})
	requireT.Len(tp.Current().Clauses, 2)
	hb.Close()

	h.Close()
}

func TestSnapshotAdopt(t *testing.T) {
	requireT := require.New(t)
	b := expr.NewBuilder()
	shape := b.Min(b.X(), b.Neg(b.X()))

	tp, err := New(shape)
	requireT.NoError(err)

	r := region.New3([3]float64{0.5, 0.5, 0.5}, [3]float64{1, 1, 1}, 0)
	h := pushMin(t, tp, r)
	snap := tp.Snapshot()
	h.Close()

	other := tp.Clone()
	requireT.Len(other.Current().Clauses, 3)
	ha := other.Adopt(snap)
	requireT.Len(other.Current().Clauses, 2)
	requireT.Equal(types.OpNeg, other.Current().Clauses[0].Op)
	ha.Close()
	requireT.Len(other.Current().Clauses, 3)
}
