package expr

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	"github.com/outofforest/implicit/types"
)

// Node is one vertex of an immutable expression DAG. Nodes are created
// through a Builder, which deduplicates structurally equal subexpressions,
// so node identity doubles as structural identity.
type Node struct {
	// Op is the primitive operation of the node.
	Op types.Opcode

	// ID is a dense identifier, unique within the owning Builder.
	ID uint64

	// Rank is the depth of the node measured from the leaves.
	Rank int

	// Value is the payload of an OpConst node.
	Value float64

	// Oracle is the payload of an OpOracle node.
	Oracle types.Oracle

	// Lhs and Rhs reference operands; nil for leaf opcodes.
	Lhs *Node
	Rhs *Node
}

// NewBuilder creates an empty expression builder.
func NewBuilder() *Builder {
	return &Builder{
		nodes: map[uint64][]*Node{},
	}
}

// Builder constructs hash-consed expression DAGs. It is not safe for
// concurrent use; the DAGs it produces are immutable and freely shareable.
type Builder struct {
	nodes  map[uint64][]*Node
	nextID uint64
}

// X returns the X coordinate variable.
func (b *Builder) X() *Node { return b.leaf(types.OpVarX) }

// Y returns the Y coordinate variable.
func (b *Builder) Y() *Node { return b.leaf(types.OpVarY) }

// Z returns the Z coordinate variable.
func (b *Builder) Z() *Node { return b.leaf(types.OpVarZ) }

// Const returns a constant node.
func (b *Builder) Const(v float64) *Node {
	return b.intern(&Node{Op: types.OpConst, Value: v})
}

// Var returns a fresh free variable. Free variables are never deduplicated;
// each call mints a new identity.
func (b *Builder) Var() *Node {
	b.nextID++
	return &Node{Op: types.OpVarFree, ID: b.nextID}
}

// OracleNode wraps a user oracle as an expression leaf. Oracle nodes are
// never deduplicated; each call mints a new identity.
func (b *Builder) OracleNode(o types.Oracle) *Node {
	b.nextID++
	return &Node{Op: types.OpOracle, ID: b.nextID, Oracle: o}
}

// Add returns a + b.
func (b *Builder) Add(x, y *Node) *Node { return b.binary(types.OpAdd, x, y) }

// Sub returns a - b.
func (b *Builder) Sub(x, y *Node) *Node { return b.binary(types.OpSub, x, y) }

// Mul returns a * b.
func (b *Builder) Mul(x, y *Node) *Node { return b.binary(types.OpMul, x, y) }

// Div returns a / b.
func (b *Builder) Div(x, y *Node) *Node { return b.binary(types.OpDiv, x, y) }

// Min returns min(a, b).
func (b *Builder) Min(x, y *Node) *Node { return b.binary(types.OpMin, x, y) }

// Max returns max(a, b).
func (b *Builder) Max(x, y *Node) *Node { return b.binary(types.OpMax, x, y) }

// Atan2 returns atan2(a, b).
func (b *Builder) Atan2(x, y *Node) *Node { return b.binary(types.OpAtan2, x, y) }

// Pow returns a raised to the power b.
func (b *Builder) Pow(x, y *Node) *Node { return b.binary(types.OpPow, x, y) }

// Mod returns a modulo b.
func (b *Builder) Mod(x, y *Node) *Node { return b.binary(types.OpMod, x, y) }

// Neg returns -a.
func (b *Builder) Neg(x *Node) *Node { return b.unary(types.OpNeg, x) }

// Square returns a².
func (b *Builder) Square(x *Node) *Node { return b.unary(types.OpSquare, x) }

// Sqrt returns √a.
func (b *Builder) Sqrt(x *Node) *Node { return b.unary(types.OpSqrt, x) }

// Abs returns |a|.
func (b *Builder) Abs(x *Node) *Node { return b.unary(types.OpAbs, x) }

// Sin returns sin(a).
func (b *Builder) Sin(x *Node) *Node { return b.unary(types.OpSin, x) }

// Cos returns cos(a).
func (b *Builder) Cos(x *Node) *Node { return b.unary(types.OpCos, x) }

// Tan returns tan(a).
func (b *Builder) Tan(x *Node) *Node { return b.unary(types.OpTan, x) }

// Asin returns asin(a).
func (b *Builder) Asin(x *Node) *Node { return b.unary(types.OpAsin, x) }

// Acos returns acos(a).
func (b *Builder) Acos(x *Node) *Node { return b.unary(types.OpAcos, x) }

// Atan returns atan(a).
func (b *Builder) Atan(x *Node) *Node { return b.unary(types.OpAtan, x) }

// Exp returns e^a.
func (b *Builder) Exp(x *Node) *Node { return b.unary(types.OpExp, x) }

// Log returns ln(a).
func (b *Builder) Log(x *Node) *Node { return b.unary(types.OpLog, x) }

// Recip returns 1/a.
func (b *Builder) Recip(x *Node) *Node { return b.unary(types.OpRecip, x) }

func (b *Builder) leaf(op types.Opcode) *Node {
	return b.intern(&Node{Op: op})
}

func (b *Builder) unary(op types.Opcode, x *Node) *Node {
	if x == nil {
		panic(errors.New("nil operand"))
	}
	if x.Op == types.OpConst {
		if v, ok := fold(op, x.Value, 0); ok {
			return b.Const(v)
		}
	}
	return b.intern(&Node{Op: op, Rank: x.Rank + 1, Lhs: x})
}

func (b *Builder) binary(op types.Opcode, x, y *Node) *Node {
	if x == nil || y == nil {
		panic(errors.New("nil operand"))
	}
	if x.Op == types.OpConst && y.Op == types.OpConst {
		if v, ok := fold(op, x.Value, y.Value); ok {
			return b.Const(v)
		}
	}
	rank := x.Rank
	if y.Rank > rank {
		rank = y.Rank
	}
	return b.intern(&Node{Op: op, Rank: rank + 1, Lhs: x, Rhs: y})
}

// intern returns the canonical node equal to n, minting an ID when n is new.
func (b *Builder) intern(n *Node) *Node {
	key := hashNode(n)
	for _, c := range b.nodes[key] {
		if equalNode(c, n) {
			return c
		}
	}
	b.nextID++
	n.ID = b.nextID
	b.nodes[key] = append(b.nodes[key], n)
	return n
}

func hashNode(n *Node) uint64 {
	var buf [25]byte
	buf[0] = byte(n.Op)
	switch {
	case n.Op == types.OpConst:
		binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(n.Value))
	default:
		if n.Lhs != nil {
			binary.LittleEndian.PutUint64(buf[1:], n.Lhs.ID)
		}
		if n.Rhs != nil {
			binary.LittleEndian.PutUint64(buf[9:], n.Rhs.ID)
		}
	}
	return xxhash.Sum64(buf[:])
}

func equalNode(a, b *Node) bool {
	if a.Op != b.Op {
		return false
	}
	if a.Op == types.OpConst {
		return math.Float64bits(a.Value) == math.Float64bits(b.Value)
	}
	return a.Lhs == b.Lhs && a.Rhs == b.Rhs
}

func fold(op types.Opcode, a, c float64) (float64, bool) {
	var v float64
	switch op {
	case types.OpNeg:
		v = -a
	case types.OpSquare:
		v = a * a
	case types.OpSqrt:
		v = math.Sqrt(a)
	case types.OpAbs:
		v = math.Abs(a)
	case types.OpSin:
		v = math.Sin(a)
	case types.OpCos:
		v = math.Cos(a)
	case types.OpTan:
		v = math.Tan(a)
	case types.OpAsin:
		v = math.Asin(a)
	case types.OpAcos:
		v = math.Acos(a)
	case types.OpAtan:
		v = math.Atan(a)
	case types.OpExp:
		v = math.Exp(a)
	case types.OpLog:
		v = math.Log(a)
	case types.OpRecip:
		v = 1 / a
	case types.OpAdd:
		v = a + c
	case types.OpSub:
		v = a - c
	case types.OpMul:
		v = a * c
	case types.OpDiv:
		v = a / c
	case types.OpMin:
		v = math.Min(a, c)
	case types.OpMax:
		v = math.Max(a, c)
	case types.OpAtan2:
		v = math.Atan2(a, c)
	case types.OpPow:
		v = math.Pow(a, c)
	case types.OpMod:
		v = math.Mod(a, c)
		if v != 0 && (v < 0) != (c < 0) {
			v += c
		}
	default:
		return 0, false
	}
	return v, true
}

// Ordered returns every node reachable from root in topological order:
// operands always precede the nodes consuming them. The order is
// deterministic, sorted by (rank, id).
func Ordered(root *Node) []*Node {
	seen := map[*Node]struct{}{}
	var out []*Node
	stack := []*Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
		if n.Lhs != nil {
			stack = append(stack, n.Lhs)
		}
		if n.Rhs != nil {
			stack = append(stack, n.Rhs)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].ID < out[j].ID
	})
	return out
}
