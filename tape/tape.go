package tape

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/outofforest/implicit/expr"
	"github.com/outofforest/implicit/interval"
	"github.com/outofforest/implicit/region"
	"github.com/outofforest/implicit/types"
)

// Clause is one row of the tape VM: a primitive operation with up to two
// operand references. For opcodes with dummy children, A indexes a
// secondary table (constants, variables or oracles) instead of a clause.
type Clause struct {
	Op types.Opcode
	ID types.ClauseID
	A  types.ClauseID
	B  types.ClauseID
}

// Subtape is one entry of a tape's specialization stack. Clauses are stored
// root first, operands after their consumers: Walk visits the root first
// and is used by symbolic passes, RWalk visits leaves first and is used by
// numeric evaluation.
type Subtape struct {
	Clauses []Clause
	Type    types.TapeType

	// X, Y, Z bound the region for which this specialization is valid.
	// Only meaningful for TapeInterval subtapes.
	X, Y, Z interval.Interval

	// Slots maps clause IDs to register slots. Clause IDs are preserved
	// across specialization, so the base tape's map is shared by every
	// subtape on the stack.
	Slots []int

	// dummy counts nested pushes that produced no choices and were
	// coalesced into this subtape instead of materializing new ones.
	dummy int
}

// Tape is the compiled, linearized program for a scalar field, together
// with a stack of specialized subtapes produced by interval analysis. A
// Tape is owned by a single evaluation session; the read-only base subtape
// and the secondary tables may be shared across sessions via Clone, but
// the cursor and the specialization stack are private.
type Tape struct {
	// Constants holds the payloads of OpConst clauses.
	Constants []float64

	// Vars holds the expression IDs of OpVarFree clauses.
	Vars []uint64

	// Oracles holds the payloads of OpOracle clauses.
	Oracles []types.Oracle

	// tapes is the specialization stack. It is append-only: popped
	// subtapes keep their allocated storage for reuse by later pushes.
	tapes []*Subtape
	cur   int

	numClauses int
	numSlots   int

	// Scratch buffers for push, sized numClauses+1.
	disabled []bool
	remap    []types.ClauseID
}

// New compiles an expression DAG into a tape. Each reachable node is
// assigned a dense clause ID in [1, n]; ID 0 is the sentinel.
func New(root *expr.Node) (*Tape, error) {
	if root == nil {
		return nil, errors.New("nil expression root")
	}

	ordered := expr.Ordered(root)
	t := &Tape{}

	ids := make(map[*expr.Node]types.ClauseID, len(ordered))
	clauses := make([]Clause, 0, len(ordered))
	for _, n := range ordered {
		id := types.ClauseID(len(ids) + 1)
		ids[n] = id

		switch {
		case n.Op.Args() > 0:
			var a, b types.ClauseID
			if n.Lhs != nil {
				a = ids[n.Lhs]
			}
			if n.Rhs != nil {
				b = ids[n.Rhs]
			}
			clauses = append(clauses, Clause{Op: n.Op, ID: id, A: a, B: b})
		case n.Op == types.OpConst:
			clauses = append(clauses, Clause{Op: n.Op, ID: id, A: types.ClauseID(len(t.Constants))})
			t.Constants = append(t.Constants, n.Value)
		case n.Op == types.OpVarFree:
			clauses = append(clauses, Clause{Op: n.Op, ID: id, A: types.ClauseID(len(t.Vars))})
			t.Vars = append(t.Vars, n.ID)
		case n.Op == types.OpOracle:
			if n.Oracle == nil {
				return nil, errors.New("oracle node without oracle")
			}
			clauses = append(clauses, Clause{Op: n.Op, ID: id, A: types.ClauseID(len(t.Oracles))})
			t.Oracles = append(t.Oracles, n.Oracle)
		case n.Op == types.OpVarX || n.Op == types.OpVarY || n.Op == types.OpVarZ:
			clauses = append(clauses, Clause{Op: n.Op, ID: id})
		default:
			return nil, errors.Errorf("unexpected opcode %s in expression", n.Op)
		}
	}

	// ordered is leaves first; storage wants the root first.
	for i, j := 0, len(clauses)-1; i < j; i, j = i+1, j-1 {
		clauses[i], clauses[j] = clauses[j], clauses[i]
	}

	t.numClauses = len(clauses)
	base := &Subtape{Clauses: clauses, Type: types.TapeBase}
	t.tapes = []*Subtape{base}
	t.cur = 0
	t.disabled = make([]bool, t.numClauses+1)
	t.remap = make([]types.ClauseID, t.numClauses+1)

	assignSlots(base, t.numClauses)
	t.numSlots = slotCount(base)

	return t, nil
}

// Clone returns a tape sharing the read-only base subtape and secondary
// tables, with a private cursor, stack and scratch buffers. Used to give
// each worker its own evaluation session over one compiled program.
func (t *Tape) Clone() *Tape {
	return &Tape{
		Constants:  t.Constants,
		Vars:       t.Vars,
		Oracles:    t.Oracles,
		tapes:      []*Subtape{t.tapes[0]},
		cur:        0,
		numClauses: t.numClauses,
		numSlots:   t.numSlots,
		disabled:   make([]bool, t.numClauses+1),
		remap:      make([]types.ClauseID, t.numClauses+1),
	}
}

// Current returns the subtape at the cursor.
func (t *Tape) Current() *Subtape {
	return t.tapes[t.cur]
}

// NumClauses returns the clause count of the base tape, excluding the
// sentinel.
func (t *Tape) NumClauses() int {
	return t.numClauses
}

// NumSlots returns the size of the register file required by evaluators.
func (t *Tape) NumSlots() int {
	return t.numSlots
}

// Root returns the clause ID holding the final result on the current
// subtape.
func (t *Tape) Root() types.ClauseID {
	return t.Current().Clauses[0].ID
}

// Utilization returns the fraction of base clauses still present on the
// current subtape.
func (t *Tape) Utilization() float64 {
	return float64(len(t.Current().Clauses)) / float64(len(t.tapes[0].Clauses))
}

// Depth returns the number of subtapes allocated on the stack, counting
// the base.
func (t *Tape) Depth() int {
	return len(t.tapes)
}

// Walk visits the current subtape in storage order, root first. The abort
// flag is polled between clauses; a set flag stops the walk early.
func (t *Tape) Walk(fn func(op types.Opcode, id, a, b types.ClauseID), abort *atomic.Bool) {
	for _, c := range t.Current().Clauses {
		if abort != nil && abort.Load() {
			return
		}
		fn(c.Op, c.ID, c.A, c.B)
	}
}

// RWalk visits the current subtape leaves first, the order required by
// numeric evaluation, and returns the root clause ID.
func (t *Tape) RWalk(fn func(op types.Opcode, id, a, b types.ClauseID), abort *atomic.Bool) types.ClauseID {
	cs := t.Current().Clauses
	for i := len(cs) - 1; i >= 0; i-- {
		if abort != nil && abort.Load() {
			break
		}
		c := cs[i]
		fn(c.Op, c.ID, c.A, c.B)
	}
	return cs[0].ID
}

// Push runs the keep classifier over the current subtape and makes a
// narrower specialization valid inside r. Clause IDs are preserved; only
// operand fields are remapped. A push onto a subtape with no remaining
// choices is absorbed into its dummy counter instead of materializing
// anything.
func (t *Tape) Push(fn func(op types.Opcode, id, a, b types.ClauseID) types.Keep, typ types.TapeType, r region.Region) Handle {
	prev := t.Current()
	if prev.dummy > 0 {
		prev.dummy++
		return Handle{tape: t, disposal: disposalPush}
	}

	for i := range t.disabled {
		t.disabled[i] = true
		t.remap[i] = 0
	}

	// The root starts active; the walk below enables operands of every
	// clause that stays.
	t.disabled[prev.Clauses[0].ID] = false
	hasChoices := false

	for _, c := range prev.Clauses {
		if t.disabled[c.ID] {
			continue
		}
		switch fn(c.Op, c.ID, c.A, c.B) {
		case types.KeepA:
			t.disabled[c.A] = false
			t.remap[c.ID] = c.A
		case types.KeepB:
			t.disabled[c.B] = false
			t.remap[c.ID] = c.B
		case types.KeepBoth:
			hasChoices = true
		case types.KeepAlways:
		}

		if t.remap[c.ID] != 0 {
			t.disabled[c.ID] = true
		} else if !c.Op.HasDummyChildren() {
			// Dummy-children operand fields index secondary tables and
			// must never be interpreted as clause references.
			t.disabled[c.A] = false
			t.disabled[c.B] = false
		}
	}

	next := t.advance(len(prev.Clauses))
	next.Type = typ
	// A subtape with no remaining choices is marked dummy: deeper pushes
	// cannot specialize it further and collapse into a counter bump.
	next.dummy = 1
	if hasChoices {
		next.dummy = 0
	}
	next.Slots = t.tapes[0].Slots

	for _, c := range prev.Clauses {
		if t.disabled[c.ID] {
			continue
		}
		if c.Op.HasDummyChildren() {
			next.Clauses = append(next.Clauses, c)
			continue
		}
		// Remap chains may be multi-hop; follow until fixed.
		ra, rb := c.A, c.B
		for t.remap[ra] != 0 {
			ra = t.remap[ra]
		}
		for t.remap[rb] != 0 {
			rb = t.remap[rb]
		}
		next.Clauses = append(next.Clauses, Clause{Op: c.Op, ID: c.ID, A: ra, B: rb})
	}

	next.X = interval.New(r.Lower[0], r.Upper[0])
	next.Y = interval.New(r.Lower[1], r.Upper[1])
	next.Z = interval.New(r.Lower[2], r.Upper[2])

	return Handle{tape: t, disposal: disposalPush}
}

// advance moves the cursor one slot up the stack, reusing a previously
// allocated subtape when one exists. The stack never shrinks.
func (t *Tape) advance(capacity int) *Subtape {
	t.cur++
	if t.cur == len(t.tapes) {
		t.tapes = append(t.tapes, &Subtape{Clauses: make([]Clause, 0, capacity)})
	}
	next := t.tapes[t.cur]
	next.Clauses = next.Clauses[:0]
	return next
}

// pop undoes one Push: either by decrementing the dummy counter or by
// moving the cursor back.
func (t *Tape) pop() {
	cur := t.Current()
	if cur.dummy > 1 {
		cur.dummy--
		return
	}
	if t.cur == 0 {
		panic(errors.New("pop from base tape"))
	}
	t.cur--
}

// GetBase moves the cursor up the stack to the top-most interval subtape
// whose stored box contains p, so that a point can be evaluated with the
// tightest specialization valid there. The returned handle restores the
// original cursor.
func (t *Tape) GetBase(p [3]float64) Handle {
	prev := t.cur
	for t.cur > 0 {
		s := t.Current()
		if s.Type == types.TapeInterval &&
			s.X.Contains(p[0]) && s.Y.Contains(p[1]) && s.Z.Contains(p[2]) {
			break
		}
		t.cur--
	}
	return Handle{tape: t, disposal: disposalBase, prev: prev}
}

type disposal uint8

const (
	disposalNone disposal = iota
	disposalBase
	disposalPush
)

// Handle is a scoped ownership token for a cursor change. Exactly one of
// three disposals runs when the handle is closed: nothing (a moved-from
// handle), restoring a previous cursor (GetBase), or popping (Push).
// Close is idempotent; Move transfers the disposal to the returned handle
// and leaves the source inert.
type Handle struct {
	tape     *Tape
	disposal disposal
	prev     int
}

// Close runs the handle's disposal. Every Push and GetBase must be paired
// with a Close on every exit path.
func (h *Handle) Close() {
	switch h.disposal {
	case disposalNone:
	case disposalBase:
		h.tape.cur = h.prev
	case disposalPush:
		h.tape.pop()
	}
	h.disposal = disposalNone
}

// Move transfers the disposal to the returned handle; the receiver becomes
// inert and its Close is a no-op.
func (h *Handle) Move() Handle {
	out := *h
	h.disposal = disposalNone
	return out
}

// Snapshot is an immutable copy of a subtape, safe to hand to another
// evaluation session. Subtape storage on the stack is reused by later
// pushes, so anything that outlives the enclosing handle must be
// snapshotted.
type Snapshot struct {
	Clauses []Clause
	Type    types.TapeType
	X, Y, Z interval.Interval
}

// Snapshot copies the current subtape.
func (t *Tape) Snapshot() *Snapshot {
	cur := t.Current()
	out := &Snapshot{
		Type: cur.Type,
		X:    cur.X,
		Y:    cur.Y,
		Z:    cur.Z,
	}
	out.Clauses = append(out.Clauses, cur.Clauses...)
	return out
}

// Adopt installs a snapshot taken from another session as the current
// specialization, reusing stack storage like Push. The returned handle
// restores the previous cursor.
func (t *Tape) Adopt(s *Snapshot) Handle {
	if s == nil {
		return Handle{tape: t, disposal: disposalNone}
	}
	next := t.advance(len(s.Clauses))
	next.Type = s.Type
	next.dummy = 0
	next.Slots = t.tapes[0].Slots
	next.Clauses = append(next.Clauses, s.Clauses...)
	next.X, next.Y, next.Z = s.X, s.Y, s.Z
	return Handle{tape: t, disposal: disposalPush}
}
