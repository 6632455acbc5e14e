package types

// ClauseID addresses one clause of a tape. ID 0 is the reserved sentinel and
// never appears as the ID of a real clause.
type ClauseID uint32

// Opcode enumerates the primitive operations of the tape VM.
type Opcode uint8

const (
	// OpInvalid is the zero opcode, never present in a valid tape.
	OpInvalid Opcode = iota

	// OpConst loads a constant; the clause's A field indexes the constant table.
	OpConst

	// OpVarX loads the X coordinate.
	OpVarX

	// OpVarY loads the Y coordinate.
	OpVarY

	// OpVarZ loads the Z coordinate.
	OpVarZ

	// OpVarFree loads a free variable; the clause's A field indexes the variable table.
	OpVarFree

	// OpOracle dispatches to a user-supplied oracle; the clause's A field indexes the oracle table.
	OpOracle

	// OpSquare squares its operand.
	OpSquare

	// OpSqrt takes the square root of its operand.
	OpSqrt

	// OpNeg negates its operand.
	OpNeg

	// OpSin takes the sine of its operand.
	OpSin

	// OpCos takes the cosine of its operand.
	OpCos

	// OpTan takes the tangent of its operand.
	OpTan

	// OpAsin takes the arcsine of its operand.
	OpAsin

	// OpAcos takes the arccosine of its operand.
	OpAcos

	// OpAtan takes the arctangent of its operand.
	OpAtan

	// OpExp exponentiates its operand.
	OpExp

	// OpLog takes the natural logarithm of its operand.
	OpLog

	// OpAbs takes the absolute value of its operand.
	OpAbs

	// OpRecip takes the reciprocal of its operand.
	OpRecip

	// OpAdd adds its operands.
	OpAdd

	// OpSub subtracts B from A.
	OpSub

	// OpMul multiplies its operands.
	OpMul

	// OpDiv divides A by B.
	OpDiv

	// OpMin takes the smaller operand.
	OpMin

	// OpMax takes the larger operand.
	OpMax

	// OpAtan2 computes atan2(A, B).
	OpAtan2

	// OpPow raises A to the power B.
	OpPow

	// OpMod computes the floored modulo of A by B.
	OpMod
)

var opNames = map[Opcode]string{
	OpInvalid: "invalid",
	OpConst:   "const",
	OpVarX:    "x",
	OpVarY:    "y",
	OpVarZ:    "z",
	OpVarFree: "var",
	OpOracle:  "oracle",
	OpSquare:  "square",
	OpSqrt:    "sqrt",
	OpNeg:     "neg",
	OpSin:     "sin",
	OpCos:     "cos",
	OpTan:     "tan",
	OpAsin:    "asin",
	OpAcos:    "acos",
	OpAtan:    "atan",
	OpExp:     "exp",
	OpLog:     "log",
	OpAbs:     "abs",
	OpRecip:   "recip",
	OpAdd:     "add",
	OpSub:     "sub",
	OpMul:     "mul",
	OpDiv:     "div",
	OpMin:     "min",
	OpMax:     "max",
	OpAtan2:   "atan2",
	OpPow:     "pow",
	OpMod:     "mod",
}

func (op Opcode) String() string {
	return opNames[op]
}

// Args returns the number of clause operands the opcode consumes.
func (op Opcode) Args() int {
	switch {
	case op >= OpAdd:
		return 2
	case op >= OpSquare:
		return 1
	default:
		return 0
	}
}

// HasDummyChildren reports whether the clause's operand fields carry table
// indexes instead of clause references.
func (op Opcode) HasDummyChildren() bool {
	return op == OpConst || op == OpVarFree || op == OpOracle
}

// Keep is the result of a tape push classifier for a single clause.
type Keep uint8

const (
	// KeepBoth keeps both operands; records that a choice existed.
	KeepBoth Keep = iota

	// KeepA replaces the clause with its left operand.
	KeepA

	// KeepB replaces the clause with its right operand.
	KeepB

	// KeepAlways keeps the clause unconditionally, without recording a choice.
	KeepAlways
)

// TapeType describes how a subtape was produced.
type TapeType uint8

const (
	// TapeBase is the original, unspecialized tape.
	TapeBase TapeType = iota

	// TapeInterval marks a subtape specialized by interval analysis; its
	// stored region box is meaningful.
	TapeInterval

	// TapeSpecialized marks a subtape specialized for a single point or
	// feature; its region box must not be used for lookups.
	TapeSpecialized
)

// CellType classifies a spatial tree cell against the isosurface.
type CellType uint8

const (
	// CellUnknown means the cell has not been evaluated yet.
	CellUnknown CellType = iota

	// CellEmpty means the field is strictly positive over the whole cell.
	CellEmpty

	// CellFilled means the field is strictly negative over the whole cell.
	CellFilled

	// CellAmbiguous means the cell may intersect the isosurface.
	CellAmbiguous
)

var cellNames = map[CellType]string{
	CellUnknown:   "unknown",
	CellEmpty:     "empty",
	CellFilled:    "filled",
	CellAmbiguous: "ambiguous",
}

func (t CellType) String() string {
	return cellNames[t]
}

// Oracle is a user-supplied opaque evaluator attached to an OpOracle clause.
// Implementations must be pure and safe to call from multiple goroutines.
type Oracle interface {
	// Value evaluates the oracle at a single point.
	Value(p [3]float64) float64

	// Derivs returns the gradient and value at a single point.
	Derivs(p [3]float64) (deriv [3]float64, value float64)

	// Interval bounds the oracle over a box. An unbounded result is
	// reported with infinite bounds; a non-nil error means the oracle
	// cannot evaluate at all and is fatal to the enclosing build.
	Interval(lower, upper [3]float64) (lo, hi float64, err error)
}
