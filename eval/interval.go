package eval

import (
	"math"
	"sync/atomic"

	"github.com/outofforest/implicit/interval"
	"github.com/outofforest/implicit/region"
	"github.com/outofforest/implicit/tape"
	"github.com/outofforest/implicit/types"
)

// IntervalEvaluator bounds the scalar field over axis-aligned boxes, one
// interval per clause. Results are stored per clause ID rather than per
// register slot: the push classifier consults operand intervals after the
// walk finishes, so they must all stay live.
type IntervalEvaluator struct {
	t     *tape.Tape
	i     []interval.Interval
	safe  bool
	err   error
	abort *atomic.Bool
}

// NewIntervalEvaluator creates an interval evaluator over the tape.
func NewIntervalEvaluator(t *tape.Tape) *IntervalEvaluator {
	return &IntervalEvaluator{
		t:    t,
		i:    make([]interval.Interval, t.NumClauses()+1),
		safe: true,
	}
}

// SetAbort installs the shared cancellation flag polled during tape walks.
func (e *IntervalEvaluator) SetAbort(abort *atomic.Bool) {
	e.abort = abort
}

// IsSafe reports whether the previous evaluation was strict: false when
// some clause's interval arithmetic could not bound its result (division
// by an interval containing zero and similar), in which case the output
// interval may not bound the field and the caller must not specialize the
// tape.
func (e *IntervalEvaluator) IsSafe() bool {
	return e.safe
}

// Err returns the fatal error reported by an oracle during the previous
// evaluation, nil otherwise.
func (e *IntervalEvaluator) Err() error {
	return e.err
}

// Eval bounds the field over the box [lower, upper].
func (e *IntervalEvaluator) Eval(lower, upper [3]float64) interval.Interval {
	e.safe = true
	e.err = nil
	root := e.t.RWalk(func(op types.Opcode, id, a, b types.ClauseID) {
		var out interval.Interval
		ok := true
		switch op {
		case types.OpVarX:
			out = interval.New(lower[0], upper[0])
		case types.OpVarY:
			out = interval.New(lower[1], upper[1])
		case types.OpVarZ:
			out = interval.New(lower[2], upper[2])
		case types.OpConst:
			out = interval.Point(e.t.Constants[a])
		case types.OpVarFree:
			// Free variables evaluate at their current value, zero until
			// bound by a caller.
			out = interval.Point(0)
		case types.OpOracle:
			lo, hi, err := e.t.Oracles[a].Interval(lower, upper)
			out = interval.New(lo, hi)
			if err != nil {
				e.err = err
				out = interval.Whole
				ok = false
			} else if math.IsInf(lo, 0) || math.IsInf(hi, 0) {
				ok = false
			}
		default:
			if op.Args() == 1 {
				out, ok = interval.Unary(op, e.i[a])
			} else {
				out, ok = interval.Binary(op, e.i[a], e.i[b])
			}
		}
		if !ok {
			e.safe = false
		}
		e.i[id] = out
	}, e.abort)
	return e.i[root]
}

// EvalAndPush bounds the field over the region and, when the evaluation was
// strict, pushes a specialization keeping only the min/max branches that
// can win inside it. When the evaluation was unsafe no push happens and the
// returned handle is inert; the caller treats the region as ambiguous.
func (e *IntervalEvaluator) EvalAndPush(r region.Region) (interval.Interval, tape.Handle) {
	lower, upper := r.Lower, r.Upper
	for d := r.N; d < 3; d++ {
		lower[d] = r.Perp[d]
		upper[d] = r.Perp[d]
	}
	out := e.Eval(lower, upper)
	if !e.safe {
		return out, tape.Handle{}
	}

	h := e.t.Push(func(op types.Opcode, id, a, b types.ClauseID) types.Keep {
		switch op {
		case types.OpMin:
			if e.i[a].Upper < e.i[b].Lower {
				return types.KeepA
			}
			if e.i[b].Upper < e.i[a].Lower {
				return types.KeepB
			}
			return types.KeepBoth
		case types.OpMax:
			if e.i[a].Lower > e.i[b].Upper {
				return types.KeepA
			}
			if e.i[b].Lower > e.i[a].Upper {
				return types.KeepB
			}
			return types.KeepBoth
		default:
			return types.KeepAlways
		}
	}, types.TapeInterval, r)
	return out, h
}
