package eval

import (
	"math"
	"sync/atomic"

	"github.com/outofforest/implicit/tape"
	"github.com/outofforest/implicit/types"
)

// maxTies caps the number of tied min/max clauses enumerated at one point;
// beyond it the remaining ties stick with their left branch.
const maxTies = 8

// featureEps is the tolerance used when deduplicating candidate gradients
// and checking branch compatibility.
const featureEps = 1e-12

// FeatureEvaluator enumerates the candidate gradient directions at a single
// point where tied min/max branches make the derivative non-unique. It is
// a cold-path evaluator and stores results per clause ID.
type FeatureEvaluator struct {
	t *tape.Tape
	v []float64
	d [][3]float64

	// choice maps a tied clause ID to the branch forced for the current
	// enumeration pass; 0 picks A, 1 picks B.
	choice map[types.ClauseID]int

	abort *atomic.Bool
}

// NewFeatureEvaluator creates a feature evaluator over the tape.
func NewFeatureEvaluator(t *tape.Tape) *FeatureEvaluator {
	return &FeatureEvaluator{
		t:      t,
		v:      make([]float64, t.NumClauses()+1),
		d:      make([][3]float64, t.NumClauses()+1),
		choice: make(map[types.ClauseID]int, maxTies),
	}
}

// SetAbort installs the shared cancellation flag polled during tape walks.
func (e *FeatureEvaluator) SetAbort(abort *atomic.Bool) {
	e.abort = abort
}

// Value evaluates the field at p, storing per-clause values for later
// feature passes.
func (e *FeatureEvaluator) Value(p [3]float64) float64 {
	root := e.t.RWalk(func(op types.Opcode, id, a, b types.ClauseID) {
		switch op {
		case types.OpVarX:
			e.v[id] = p[0]
		case types.OpVarY:
			e.v[id] = p[1]
		case types.OpVarZ:
			e.v[id] = p[2]
		case types.OpConst:
			e.v[id] = e.t.Constants[a]
		case types.OpVarFree:
			e.v[id] = 0
		case types.OpOracle:
			e.v[id] = e.t.Oracles[a].Value(p)
		default:
			if op.Args() == 1 {
				e.v[id] = scalarUnary(op, e.v[a])
			} else {
				e.v[id] = scalarBinary(op, e.v[a], e.v[b])
			}
		}
	}, e.abort)
	return e.v[root]
}

// Features returns every distinct gradient of the field at p arising from
// some assignment of tied min/max branches. A point with no ties yields a
// single gradient.
func (e *FeatureEvaluator) Features(p [3]float64) [][3]float64 {
	e.Value(p)

	// Collect the tied clauses of the current subtape.
	ties := make([]types.ClauseID, 0, maxTies)
	e.t.Walk(func(op types.Opcode, id, a, b types.ClauseID) {
		if (op == types.OpMin || op == types.OpMax) && e.v[a] == e.v[b] && len(ties) < maxTies {
			ties = append(ties, id)
		}
	}, e.abort)

	var out [][3]float64
	for mask := 0; mask < 1<<len(ties); mask++ {
		clear(e.choice)
		for i, id := range ties {
			e.choice[id] = (mask >> i) & 1
		}
		g := e.gradient(p)
		if !dupGradient(out, g) {
			out = append(out, g)
		}
	}
	return out
}

// IsInside classifies p against the solid. Strictly negative values are
// inside and strictly positive ones outside; on the surface the point
// counts as inside when some feature admits a direction along which the
// field decreases while remaining consistent with the branch choices that
// produced it.
func (e *FeatureEvaluator) IsInside(p [3]float64) bool {
	v := e.Value(p)
	if v < 0 {
		return true
	}
	if v > 0 {
		return false
	}

	ties := make([]types.ClauseID, 0, maxTies)
	e.t.Walk(func(op types.Opcode, id, a, b types.ClauseID) {
		if (op == types.OpMin || op == types.OpMax) && e.v[a] == e.v[b] && len(ties) < maxTies {
			ties = append(ties, id)
		}
	}, e.abort)

	for mask := 0; mask < 1<<len(ties); mask++ {
		clear(e.choice)
		for i, id := range ties {
			e.choice[id] = (mask >> i) & 1
		}
		g := e.gradient(p)
		norm := math.Sqrt(g[0]*g[0] + g[1]*g[1] + g[2]*g[2])
		if norm == 0 {
			// A flat feature at the surface: degenerate, counted inside.
			return true
		}
		// The candidate inside direction is downhill for this feature.
		dir := [3]float64{-g[0] / norm, -g[1] / norm, -g[2] / norm}
		if e.compatible(dir) {
			return true
		}
	}
	return false
}

// compatible reports whether direction dir keeps every tied clause on the
// branch forced by the current choice map: stepping along dir, a min must
// keep its chosen operand no larger than the other, a max no smaller.
func (e *FeatureEvaluator) compatible(dir [3]float64) bool {
	ok := true
	e.t.Walk(func(op types.Opcode, id, a, b types.ClauseID) {
		c, tied := e.choice[id]
		if !tied || !ok {
			return
		}
		ga := e.branchGradient(a)
		gb := e.branchGradient(b)
		diff := (ga[0]-gb[0])*dir[0] + (ga[1]-gb[1])*dir[1] + (ga[2]-gb[2])*dir[2]
		if c == 1 {
			diff = -diff
		}
		// diff is now d/dt (chosen - other) along dir.
		if op == types.OpMin && diff > featureEps {
			ok = false
		}
		if op == types.OpMax && diff < -featureEps {
			ok = false
		}
	}, e.abort)
	return ok
}

func (e *FeatureEvaluator) branchGradient(id types.ClauseID) [3]float64 {
	return e.d[id]
}

// gradient runs a scalar forward-mode pass using the stored per-clause
// values, resolving tied min/max clauses through the choice map.
func (e *FeatureEvaluator) gradient(p [3]float64) [3]float64 {
	root := e.t.RWalk(func(op types.Opcode, id, a, b types.ClauseID) {
		switch op {
		case types.OpVarX:
			e.d[id] = [3]float64{1, 0, 0}
		case types.OpVarY:
			e.d[id] = [3]float64{0, 1, 0}
		case types.OpVarZ:
			e.d[id] = [3]float64{0, 0, 1}
		case types.OpConst, types.OpVarFree:
			e.d[id] = [3]float64{}
		case types.OpOracle:
			d, _ := e.t.Oracles[a].Derivs(p)
			e.d[id] = d
		case types.OpMin, types.OpMax:
			takeB := false
			if c, tied := e.choice[id]; tied {
				takeB = c == 1
			} else if op == types.OpMin {
				takeB = e.v[b] < e.v[a]
			} else {
				takeB = e.v[b] > e.v[a]
			}
			if takeB {
				e.d[id] = e.d[b]
			} else {
				e.d[id] = e.d[a]
			}
		default:
			if op.Args() == 1 {
				s := unaryDerivScale(op, e.v[a])
				e.d[id] = [3]float64{s * e.d[a][0], s * e.d[a][1], s * e.d[a][2]}
			} else {
				sa, sb := binaryDerivScales(op, e.v[a], e.v[b])
				for axis := range 3 {
					e.d[id][axis] = sa*e.d[a][axis] + sb*e.d[b][axis]
				}
			}
		}
	}, e.abort)
	return e.d[root]
}

func dupGradient(have [][3]float64, g [3]float64) bool {
	for _, h := range have {
		if math.Abs(h[0]-g[0]) <= featureEps &&
			math.Abs(h[1]-g[1]) <= featureEps &&
			math.Abs(h[2]-g[2]) <= featureEps {
			return true
		}
	}
	return false
}
