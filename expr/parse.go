package expr

import (
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/pkg/errors"

	"github.com/outofforest/implicit/types"
)

// Infix expression grammar: +, -, *, / with the usual precedence, unary
// minus, parentheses, function calls, the variables x/y/z and numeric
// literals. Example: "min(x*x + y*y - 0.25, z)".

type grammarExpr struct {
	Left  *grammarTerm     `@@`
	Right []*grammarOpTerm `@@*`
}

type grammarOpTerm struct {
	Op   string       `@("+" | "-")`
	Term *grammarTerm `@@`
}

type grammarTerm struct {
	Left  *grammarUnary      `@@`
	Right []*grammarOpFactor `@@*`
}

type grammarOpFactor struct {
	Op     string        `@("*" | "/")`
	Factor *grammarUnary `@@`
}

type grammarUnary struct {
	Neg  *grammarUnary `  "-" @@`
	Atom *grammarAtom  `| @@`
}

type grammarAtom struct {
	Number *float64     `  @Number`
	Call   *grammarCall `| @@`
	Ident  *string      `| @Ident`
	Sub    *grammarExpr `| "(" @@ ")"`
}

type grammarCall struct {
	Name string         `@Ident "("`
	Args []*grammarExpr `(@@ ("," @@)*)? ")"`
}

var exprLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `[\s]+`},
	{Name: "Number", Pattern: `[0-9]+(\.[0-9]+)?([eE][+-]?[0-9]+)?`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Punct", Pattern: `[+\-*/(),]`},
})

var exprParser = participle.MustBuild[grammarExpr](
	participle.Lexer(exprLexer),
	participle.Elide("Whitespace"),
	participle.UseLookahead(2),
)

// Parse builds an expression DAG from infix source using the builder.
func (b *Builder) Parse(src string) (*Node, error) {
	ast, err := exprParser.ParseString("", src)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %q failed", src)
	}
	return b.fromExpr(ast)
}

func (b *Builder) fromExpr(e *grammarExpr) (*Node, error) {
	out, err := b.fromTerm(e.Left)
	if err != nil {
		return nil, err
	}
	for _, r := range e.Right {
		rhs, err := b.fromTerm(r.Term)
		if err != nil {
			return nil, err
		}
		if r.Op == "+" {
			out = b.Add(out, rhs)
		} else {
			out = b.Sub(out, rhs)
		}
	}
	return out, nil
}

func (b *Builder) fromTerm(t *grammarTerm) (*Node, error) {
	out, err := b.fromUnary(t.Left)
	if err != nil {
		return nil, err
	}
	for _, r := range t.Right {
		rhs, err := b.fromUnary(r.Factor)
		if err != nil {
			return nil, err
		}
		if r.Op == "*" {
			out = b.Mul(out, rhs)
		} else {
			out = b.Div(out, rhs)
		}
	}
	return out, nil
}

func (b *Builder) fromUnary(u *grammarUnary) (*Node, error) {
	if u.Neg != nil {
		n, err := b.fromUnary(u.Neg)
		if err != nil {
			return nil, err
		}
		return b.Neg(n), nil
	}
	return b.fromAtom(u.Atom)
}

func (b *Builder) fromAtom(a *grammarAtom) (*Node, error) {
	switch {
	case a.Number != nil:
		return b.Const(*a.Number), nil
	case a.Call != nil:
		return b.fromCall(a.Call)
	case a.Ident != nil:
		switch strings.ToLower(*a.Ident) {
		case "x":
			return b.X(), nil
		case "y":
			return b.Y(), nil
		case "z":
			return b.Z(), nil
		default:
			return nil, errors.Errorf("unknown variable %q", *a.Ident)
		}
	case a.Sub != nil:
		return b.fromExpr(a.Sub)
	default:
		return nil, errors.New("empty expression atom")
	}
}

var unaryFns = map[string]types.Opcode{
	"square": types.OpSquare,
	"sqrt":   types.OpSqrt,
	"abs":    types.OpAbs,
	"sin":    types.OpSin,
	"cos":    types.OpCos,
	"tan":    types.OpTan,
	"asin":   types.OpAsin,
	"acos":   types.OpAcos,
	"atan":   types.OpAtan,
	"exp":    types.OpExp,
	"log":    types.OpLog,
	"recip":  types.OpRecip,
}

var binaryFns = map[string]types.Opcode{
	"min":   types.OpMin,
	"max":   types.OpMax,
	"atan2": types.OpAtan2,
	"pow":   types.OpPow,
	"mod":   types.OpMod,
}

func (b *Builder) fromCall(c *grammarCall) (*Node, error) {
	name := strings.ToLower(c.Name)
	if op, ok := unaryFns[name]; ok {
		if len(c.Args) != 1 {
			return nil, errors.Errorf("%s takes one argument, got %d", name, len(c.Args))
		}
		arg, err := b.fromExpr(c.Args[0])
		if err != nil {
			return nil, err
		}
		return b.unary(op, arg), nil
	}
	if op, ok := binaryFns[name]; ok {
		if len(c.Args) != 2 {
			return nil, errors.Errorf("%s takes two arguments, got %d", name, len(c.Args))
		}
		lhs, err := b.fromExpr(c.Args[0])
		if err != nil {
			return nil, err
		}
		rhs, err := b.fromExpr(c.Args[1])
		if err != nil {
			return nil, err
		}
		return b.binary(op, lhs, rhs), nil
	}
	return nil, errors.Errorf("unknown function %q", c.Name)
}
