package eval

import (
	"math"
	"sync/atomic"

	"github.com/outofforest/implicit/tape"
	"github.com/outofforest/implicit/types"
)

// ArraySize is the fixed width of the vectorized evaluators: the number of
// sample points processed by one tape walk.
const ArraySize = 256

// ArrayEvaluator runs the tape forward over up to ArraySize sample points
// at once. Intermediate results live in a register file indexed by the
// subtape's slot map, so the working set stays proportional to the
// register count rather than the clause count. It does not allocate after
// construction.
type ArrayEvaluator struct {
	t     *tape.Tape
	x     [ArraySize]float64
	y     [ArraySize]float64
	z     [ArraySize]float64
	f     [][ArraySize]float64
	ambig [ArraySize]bool
	abort *atomic.Bool
}

// NewArrayEvaluator creates an array evaluator over the tape.
func NewArrayEvaluator(t *tape.Tape) *ArrayEvaluator {
	return &ArrayEvaluator{
		t: t,
		f: make([][ArraySize]float64, t.NumSlots()),
	}
}

// SetAbort installs the shared cancellation flag polled during tape walks.
func (e *ArrayEvaluator) SetAbort(abort *atomic.Bool) {
	e.abort = abort
}

// Set stores sample point p at index i for the next evaluation.
func (e *ArrayEvaluator) Set(p [3]float64, i int) {
	e.x[i] = p[0]
	e.y[i] = p[1]
	e.z[i] = p[2]
}

// Values evaluates the first count sample points and returns their field
// values. The returned slice aliases internal storage and is valid until
// the next evaluation. As a side effect the ambiguity mask is refreshed:
// a point is ambiguous when at least one min/max clause saw equal operands
// there, so its derivative is not uniquely defined.
func (e *ArrayEvaluator) Values(count int) []float64 {
	for k := range count {
		e.ambig[k] = false
	}
	slots := e.t.Current().Slots
	root := e.t.RWalk(func(op types.Opcode, id, a, b types.ClauseID) {
		out := &e.f[slots[id]]
		switch op {
		case types.OpVarX:
			copy(out[:count], e.x[:count])
		case types.OpVarY:
			copy(out[:count], e.y[:count])
		case types.OpVarZ:
			copy(out[:count], e.z[:count])
		case types.OpConst:
			v := e.t.Constants[a]
			for k := range count {
				out[k] = v
			}
		case types.OpVarFree:
			for k := range count {
				out[k] = 0
			}
		case types.OpOracle:
			o := e.t.Oracles[a]
			for k := range count {
				out[k] = o.Value([3]float64{e.x[k], e.y[k], e.z[k]})
			}
		case types.OpMin:
			av, bv := &e.f[slots[a]], &e.f[slots[b]]
			for k := range count {
				if av[k] == bv[k] {
					e.ambig[k] = true
				}
				out[k] = math.Min(av[k], bv[k])
			}
		case types.OpMax:
			av, bv := &e.f[slots[a]], &e.f[slots[b]]
			for k := range count {
				if av[k] == bv[k] {
					e.ambig[k] = true
				}
				out[k] = math.Max(av[k], bv[k])
			}
		default:
			if op.Args() == 1 {
				av := &e.f[slots[a]]
				for k := range count {
					out[k] = scalarUnary(op, av[k])
				}
			} else {
				av, bv := &e.f[slots[a]], &e.f[slots[b]]
				for k := range count {
					out[k] = scalarBinary(op, av[k], bv[k])
				}
			}
		}
	}, e.abort)
	return e.f[slots[root]][:count]
}

// Ambiguous returns the ambiguity mask produced by the last Values or
// Derivs call. The returned slice aliases internal storage.
func (e *ArrayEvaluator) Ambiguous(count int) []bool {
	return e.ambig[:count]
}

func scalarUnary(op types.Opcode, a float64) float64 {
	switch op {
	case types.OpSquare:
		return a * a
	case types.OpSqrt:
		return math.Sqrt(a)
	case types.OpNeg:
		return -a
	case types.OpSin:
		return math.Sin(a)
	case types.OpCos:
		return math.Cos(a)
	case types.OpTan:
		return math.Tan(a)
	case types.OpAsin:
		return math.Asin(a)
	case types.OpAcos:
		return math.Acos(a)
	case types.OpAtan:
		return math.Atan(a)
	case types.OpExp:
		return math.Exp(a)
	case types.OpLog:
		return math.Log(a)
	case types.OpAbs:
		return math.Abs(a)
	case types.OpRecip:
		return 1 / a
	default:
		return math.NaN()
	}
}

func scalarBinary(op types.Opcode, a, b float64) float64 {
	switch op {
	case types.OpAdd:
		return a + b
	case types.OpSub:
		return a - b
	case types.OpMul:
		return a * b
	case types.OpDiv:
		return a / b
	case types.OpMin:
		return math.Min(a, b)
	case types.OpMax:
		return math.Max(a, b)
	case types.OpAtan2:
		return math.Atan2(a, b)
	case types.OpPow:
		return math.Pow(a, b)
	case types.OpMod:
		// Floored modulo: a non-zero result takes the sign of b.
		m := math.Mod(a, b)
		if m != 0 && (m < 0) != (b < 0) {
			m += b
		}
		return m
	default:
		return math.NaN()
	}
}
