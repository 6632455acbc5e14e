package interval

import (
	"math"

	"github.com/outofforest/implicit/types"
)

// Interval is a closed interval over float64. The zero value is the
// degenerate interval [0, 0].
type Interval struct {
	Lower float64
	Upper float64
}

// New returns the interval [lo, hi].
func New(lo, hi float64) Interval {
	return Interval{Lower: lo, Upper: hi}
}

// Point returns the degenerate interval [v, v].
func Point(v float64) Interval {
	return Interval{Lower: v, Upper: v}
}

// Whole is the unbounded interval, produced by unsafe operations.
var Whole = Interval{Lower: math.Inf(-1), Upper: math.Inf(1)}

// Contains reports whether v lies within the interval.
func (i Interval) Contains(v float64) bool {
	return v >= i.Lower && v <= i.Upper
}

// State classifies the interval against the zero isovalue.
func (i Interval) State() types.CellType {
	switch {
	case i.Lower > 0:
		return types.CellEmpty
	case i.Upper < 0:
		return types.CellFilled
	default:
		return types.CellAmbiguous
	}
}

// Unary applies the transfer function for a one-operand opcode. ok is false
// when the result could not be bounded strictly; the returned interval is
// then Whole, except for sqrt of a partly negative operand, which returns
// the bound over the non-negative part.
func Unary(op types.Opcode, a Interval) (Interval, bool) {
	switch op {
	case types.OpSquare:
		return square(a), true
	case types.OpSqrt:
		if a.Upper < 0 {
			return Whole, false
		}
		lo := a.Lower
		ok := true
		if lo < 0 {
			lo = 0
			ok = false
		}
		return Interval{Lower: math.Sqrt(lo), Upper: math.Sqrt(a.Upper)}, ok
	case types.OpNeg:
		return Interval{Lower: -a.Upper, Upper: -a.Lower}, true
	case types.OpSin:
		return periodic(a, math.Sin), true
	case types.OpCos:
		return periodic(a, math.Cos), true
	case types.OpTan:
		// Unsafe whenever the interval may cross an asymptote.
		if a.Upper-a.Lower >= math.Pi {
			return Whole, false
		}
		lo := math.Tan(a.Lower)
		hi := math.Tan(a.Upper)
		if lo > hi {
			return Whole, false
		}
		return Interval{Lower: lo, Upper: hi}, true
	case types.OpAsin:
		if a.Lower < -1 || a.Upper > 1 {
			return Whole, false
		}
		return Interval{Lower: math.Asin(a.Lower), Upper: math.Asin(a.Upper)}, true
	case types.OpAcos:
		if a.Lower < -1 || a.Upper > 1 {
			return Whole, false
		}
		return Interval{Lower: math.Acos(a.Upper), Upper: math.Acos(a.Lower)}, true
	case types.OpAtan:
		return Interval{Lower: math.Atan(a.Lower), Upper: math.Atan(a.Upper)}, true
	case types.OpExp:
		return Interval{Lower: math.Exp(a.Lower), Upper: math.Exp(a.Upper)}, true
	case types.OpLog:
		if a.Lower <= 0 {
			return Whole, false
		}
		return Interval{Lower: math.Log(a.Lower), Upper: math.Log(a.Upper)}, true
	case types.OpAbs:
		return abs(a), true
	case types.OpRecip:
		if a.Contains(0) {
			return Whole, false
		}
		return Interval{Lower: 1 / a.Upper, Upper: 1 / a.Lower}, true
	default:
		return Whole, false
	}
}

// Binary applies the transfer function for a two-operand opcode. ok is false
// when the result could not be bounded strictly.
func Binary(op types.Opcode, a, b Interval) (Interval, bool) {
	switch op {
	case types.OpAdd:
		return Interval{Lower: a.Lower + b.Lower, Upper: a.Upper + b.Upper}, true
	case types.OpSub:
		return Interval{Lower: a.Lower - b.Upper, Upper: a.Upper - b.Lower}, true
	case types.OpMul:
		return mul(a, b), true
	case types.OpDiv:
		if b.Contains(0) {
			return Whole, false
		}
		return mul(a, Interval{Lower: 1 / b.Upper, Upper: 1 / b.Lower}), true
	case types.OpMin:
		return Interval{Lower: math.Min(a.Lower, b.Lower), Upper: math.Min(a.Upper, b.Upper)}, true
	case types.OpMax:
		return Interval{Lower: math.Max(a.Lower, b.Lower), Upper: math.Max(a.Upper, b.Upper)}, true
	case types.OpAtan2:
		// Coarse but containing bound; atan2 is only piecewise monotonic.
		return Interval{Lower: -math.Pi, Upper: math.Pi}, true
	case types.OpPow:
		// Only constant integral exponents can be bounded strictly.
		if b.Lower != b.Upper || b.Lower != math.Trunc(b.Lower) {
			return Whole, false
		}
		return ipow(a, int(b.Lower))
	case types.OpMod:
		if b.Contains(0) {
			return Whole, false
		}
		hi := math.Max(math.Abs(b.Lower), math.Abs(b.Upper))
		if b.Upper < 0 {
			return Interval{Lower: -hi, Upper: 0}, true
		}
		return Interval{Lower: 0, Upper: hi}, true
	default:
		return Whole, false
	}
}

func square(a Interval) Interval {
	lo, hi := a.Lower*a.Lower, a.Upper*a.Upper
	if lo > hi {
		lo, hi = hi, lo
	}
	if a.Contains(0) {
		lo = 0
	}
	return Interval{Lower: lo, Upper: hi}
}

func abs(a Interval) Interval {
	if a.Lower >= 0 {
		return a
	}
	if a.Upper <= 0 {
		return Interval{Lower: -a.Upper, Upper: -a.Lower}
	}
	return Interval{Lower: 0, Upper: math.Max(-a.Lower, a.Upper)}
}

func mul(a, b Interval) Interval {
	p1 := a.Lower * b.Lower
	p2 := a.Lower * b.Upper
	p3 := a.Upper * b.Lower
	p4 := a.Upper * b.Upper
	return Interval{
		Lower: math.Min(math.Min(p1, p2), math.Min(p3, p4)),
		Upper: math.Max(math.Max(p1, p2), math.Max(p3, p4)),
	}
}

func ipow(a Interval, n int) (Interval, bool) {
	if n < 0 {
		inv, ok := Unary(types.OpRecip, a)
		if !ok {
			return Whole, false
		}
		return ipow(inv, -n)
	}
	out := Point(1)
	for range n {
		out = mul(out, a)
	}
	if n%2 == 0 && a.Contains(0) {
		out.Lower = 0
	}
	return out, true
}

// periodic bounds sin or cos over the interval. When the interval spans a
// full period the result is [-1, 1]; otherwise endpoints and the interior
// extrema are checked.
func periodic(a Interval, fn func(float64) float64) Interval {
	if a.Upper-a.Lower >= 2*math.Pi {
		return Interval{Lower: -1, Upper: 1}
	}
	lo := math.Min(fn(a.Lower), fn(a.Upper))
	hi := math.Max(fn(a.Lower), fn(a.Upper))
	// Any multiple of π/2 inside the interval may be an extremum.
	for k := math.Ceil(a.Lower / (math.Pi / 2)); k*(math.Pi/2) <= a.Upper; k++ {
		v := fn(k * (math.Pi / 2))
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return Interval{Lower: lo, Upper: hi}
}
