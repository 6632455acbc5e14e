package eval

import (
	"math"

	"github.com/outofforest/implicit/types"
)

// DerivArrayEvaluator extends ArrayEvaluator with forward-mode gradients:
// one (dx, dy, dz) triple per slot per sample point. Values and gradients
// are produced by a single fused walk, because register slots are reused
// and an operand's value is only guaranteed live at the moment its
// consumer executes.
type DerivArrayEvaluator struct {
	*ArrayEvaluator
	d    [][3][ArraySize]float64
	outD [ArraySize][3]float64
}

// NewDerivArrayEvaluator creates a derivative evaluator sharing the array
// evaluator's sample points and register file.
func NewDerivArrayEvaluator(a *ArrayEvaluator) *DerivArrayEvaluator {
	return &DerivArrayEvaluator{
		ArrayEvaluator: a,
		d:              make([][3][ArraySize]float64, a.t.NumSlots()),
	}
}

// Derivs evaluates the first count sample points, returning field values
// and gradients. Both returned slices alias internal storage and stay
// valid until the next evaluation. The ambiguity mask is refreshed; at
// ambiguous points the returned gradient is the one of an arbitrary
// winning branch.
func (e *DerivArrayEvaluator) Derivs(count int) (values []float64, derivs [][3]float64) {
	for k := range count {
		e.ambig[k] = false
	}
	slots := e.t.Current().Slots
	root := e.t.RWalk(func(op types.Opcode, id, a, b types.ClauseID) {
		outF := &e.f[slots[id]]
		outD := &e.d[slots[id]]
		switch op {
		case types.OpVarX:
			copy(outF[:count], e.x[:count])
			e.fillDeriv(outD, count, [3]float64{1, 0, 0})
		case types.OpVarY:
			copy(outF[:count], e.y[:count])
			e.fillDeriv(outD, count, [3]float64{0, 1, 0})
		case types.OpVarZ:
			copy(outF[:count], e.z[:count])
			e.fillDeriv(outD, count, [3]float64{0, 0, 1})
		case types.OpConst:
			v := e.t.Constants[a]
			for k := range count {
				outF[k] = v
			}
			e.fillDeriv(outD, count, [3]float64{})
		case types.OpVarFree:
			for k := range count {
				outF[k] = 0
			}
			e.fillDeriv(outD, count, [3]float64{})
		case types.OpOracle:
			o := e.t.Oracles[a]
			for k := range count {
				d, v := o.Derivs([3]float64{e.x[k], e.y[k], e.z[k]})
				outF[k] = v
				outD[0][k], outD[1][k], outD[2][k] = d[0], d[1], d[2]
			}
		case types.OpMin, types.OpMax:
			av, bv := &e.f[slots[a]], &e.f[slots[b]]
			ad, bd := &e.d[slots[a]], &e.d[slots[b]]
			for k := range count {
				va, vb := av[k], bv[k]
				if va == vb {
					e.ambig[k] = true
				}
				takeB := vb < va
				if op == types.OpMax {
					takeB = vb > va
				}
				if takeB {
					outF[k] = vb
					outD[0][k], outD[1][k], outD[2][k] = bd[0][k], bd[1][k], bd[2][k]
				} else {
					outF[k] = va
					outD[0][k], outD[1][k], outD[2][k] = ad[0][k], ad[1][k], ad[2][k]
				}
			}
		default:
			if op.Args() == 1 {
				av := &e.f[slots[a]]
				ad := &e.d[slots[a]]
				for k := range count {
					va := av[k]
					s := unaryDerivScale(op, va)
					outD[0][k], outD[1][k], outD[2][k] = s*ad[0][k], s*ad[1][k], s*ad[2][k]
					outF[k] = scalarUnary(op, va)
				}
			} else {
				av, bv := &e.f[slots[a]], &e.f[slots[b]]
				ad, bd := &e.d[slots[a]], &e.d[slots[b]]
				for k := range count {
					va, vb := av[k], bv[k]
					sa, sb := binaryDerivScales(op, va, vb)
					for axis := range 3 {
						outD[axis][k] = sa*ad[axis][k] + sb*bd[axis][k]
					}
					outF[k] = scalarBinary(op, va, vb)
				}
			}
		}
	}, e.abort)

	rootD := &e.d[slots[root]]
	for k := range count {
		e.outD[k] = [3]float64{rootD[0][k], rootD[1][k], rootD[2][k]}
	}
	return e.f[slots[root]][:count], e.outD[:count]
}

func (e *DerivArrayEvaluator) fillDeriv(out *[3][ArraySize]float64, count int, v [3]float64) {
	for axis := range 3 {
		for k := range count {
			out[axis][k] = v[axis]
		}
	}
}

// unaryDerivScale returns df/da for a one-operand opcode at operand value a.
func unaryDerivScale(op types.Opcode, a float64) float64 {
	switch op {
	case types.OpSquare:
		return 2 * a
	case types.OpSqrt:
		return 1 / (2 * math.Sqrt(a))
	case types.OpNeg:
		return -1
	case types.OpSin:
		return math.Cos(a)
	case types.OpCos:
		return -math.Sin(a)
	case types.OpTan:
		c := math.Cos(a)
		return 1 / (c * c)
	case types.OpAsin:
		return 1 / math.Sqrt(1-a*a)
	case types.OpAcos:
		return -1 / math.Sqrt(1-a*a)
	case types.OpAtan:
		return 1 / (1 + a*a)
	case types.OpExp:
		return math.Exp(a)
	case types.OpLog:
		return 1 / a
	case types.OpAbs:
		if a < 0 {
			return -1
		}
		return 1
	case types.OpRecip:
		return -1 / (a * a)
	default:
		return math.NaN()
	}
}

// binaryDerivScales returns (∂f/∂a, ∂f/∂b) for a two-operand opcode at
// operand values a and b. Min and max are handled by the caller.
func binaryDerivScales(op types.Opcode, a, b float64) (float64, float64) {
	switch op {
	case types.OpAdd:
		return 1, 1
	case types.OpSub:
		return 1, -1
	case types.OpMul:
		return b, a
	case types.OpDiv:
		return 1 / b, -a / (b * b)
	case types.OpAtan2:
		den := a*a + b*b
		return b / den, -a / den
	case types.OpPow:
		return b * math.Pow(a, b-1), math.Log(a) * math.Pow(a, b)
	case types.OpMod:
		return 1, 0
	default:
		return math.NaN(), math.NaN()
	}
}
