package sysdyn

import "fmt"

// Span locates a node in the original equation source, used for
// diagnostics.
type Span struct {
	Start, End  int
	Line, Column int
}

// id returns the stable node identifier derived from the source span,
// "n:{start}:{end}".
func (s Span) id() string { return fmt.Sprintf("n:%d:%d", s.Start, s.End) }

// Node is implemented by every AST node kind the equation grammar can
// produce.
type Node interface {
	ID() string
	Span() Span
}

type baseNode struct {
	span Span
}

func (b baseNode) ID() string { return b.span.id() }
func (b baseNode) Span() Span { return b.span }

// QuantityLiteral is a numeric literal, optionally tagged with a unit
// literal (e.g. "10 {widgets/day}").
type QuantityLiteral struct {
	baseNode
	Value float64
	Units *UnitMap // nil if no unit literal was present
}

// BooleanLiteral is TRUE/FALSE (case-insensitive).
type BooleanLiteral struct {
	baseNode
	Value bool
}

// Ref is a bound-name reference, either a bare identifier or a
// "[Name With Spaces]" bracketed reference.
type Ref struct {
	baseNode
	Name string
}

// UnaryOp enumerates unary operators.
type UnaryOp int

const (
	UnaryNeg UnaryOp = iota
	UnaryPos
	UnaryNot
)

// Unary is a prefix operator applied to a single operand.
type Unary struct {
	baseNode
	Op      UnaryOp
	Operand Node
}

// BinaryOp enumerates binary operators.
type BinaryOp int

const (
	BinAdd BinaryOp = iota
	BinSub
	BinMul
	BinDiv
	BinMod
	BinPow
	BinEq
	BinNeq
	BinLt
	BinLte
	BinGt
	BinGte
	BinAnd
	BinOr
	BinXor
)

// Binary is an infix operator applied to two operands.
type Binary struct {
	baseNode
	Op          BinaryOp
	Left, Right Node
}

// IfBranch is one ELSEIF/THEN (or the initial IF/THEN) arm.
type IfBranch struct {
	Cond Node
	Then Node
}

// IfChain is an IF ... THEN ... [ELSEIF ... THEN ...]* [ELSE ...] END IF.
type IfChain struct {
	baseNode
	Branches []IfBranch
	Else     Node // nil if no ELSE arm
}

// Call is a function or macro invocation.
type Call struct {
	baseNode
	Name string
	Args []Node
}

// LookupPoint is one (x, y) pair inside a LOOKUP(...) expression.
type LookupPoint struct {
	X, Y float64
}

// Lookup1D is a LOOKUP(expr, (x1,y1)(x2,y2)...) piecewise-linear table.
type Lookup1D struct {
	baseNode
	Arg    Node
	Points []LookupPoint
	XUnits *UnitMap
	YUnits *UnitMap
}

// DelayKind enumerates the delay/smooth primitive families.
type DelayKind int

const (
	Delay1 DelayKind = iota
	Delay3
	Smooth
	Smooth3
)

// Delay is a DELAY1/DELAY3/SMOOTH/SMOOTH3(input, tau [, init]) node.
type Delay struct {
	baseNode
	Kind  DelayKind
	Input Node
	Tau   Node
	Init  Node // nil if not supplied
}

// TimeRefKind enumerates the TIME-family aliases.
type TimeRefKind int

const (
	TimeNow TimeRefKind = iota
	TimeStep
	TimeInitial
	TimeFinal
)

// Time resolves TIME / TIME STEP / INITIAL TIME / FINAL TIME.
type Time struct {
	baseNode
	Kind TimeRefKind
}

// FunctionDef is a macro definition: FUNCTION name(params) body END FUNCTION.
type FunctionDef struct {
	baseNode
	Name   string
	Params []string
	Body   Node
}

// Equation is the parsed result of an equation string: zero or more
// macro definitions followed by the equation body expression.
type Equation struct {
	baseNode
	Macros []*FunctionDef
	Body   Node
	Source string
}
