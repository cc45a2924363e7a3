package sysdyn

import (
	"strconv"
	"strings"
)

// Format renders an equation back to parseable source text. The result
// is canonical rather than byte-identical to the original: keyword
// operators are upper-cased, references are bracketed, and parentheses
// appear only where precedence demands them. Reparsing the output yields
// an AST equal to the input modulo spans.
func Format(eq *Equation) string {
	var b strings.Builder
	for _, fn := range eq.Macros {
		b.WriteString("FUNCTION ")
		b.WriteString(fn.Name)
		b.WriteByte('(')
		b.WriteString(strings.Join(fn.Params, ", "))
		b.WriteString(") ")
		b.WriteString(formatNode(fn.Body, 1))
		b.WriteString(" END FUNCTION ")
	}
	b.WriteString(formatNode(eq.Body, 1))
	return b.String()
}

// FormatNode renders a single expression subtree.
func FormatNode(n Node) string { return formatNode(n, 1) }

const unaryPrec = 9

func binPrec(op BinaryOp) int {
	switch op {
	case BinOr:
		return 1
	case BinXor:
		return 2
	case BinAnd:
		return 3
	case BinEq, BinNeq:
		return 4
	case BinLt, BinLte, BinGt, BinGte:
		return 5
	case BinAdd, BinSub:
		return 6
	case BinMul, BinDiv, BinMod:
		return 7
	default: // BinPow
		return 8
	}
}

func binOpText(op BinaryOp) string {
	switch op {
	case BinAdd:
		return "+"
	case BinSub:
		return "-"
	case BinMul:
		return "*"
	case BinDiv:
		return "/"
	case BinMod:
		return "%"
	case BinPow:
		return "^"
	case BinEq:
		return "=="
	case BinNeq:
		return "!="
	case BinLt:
		return "<"
	case BinLte:
		return "<="
	case BinGt:
		return ">"
	case BinGte:
		return ">="
	case BinAnd:
		return "AND"
	case BinOr:
		return "OR"
	default:
		return "XOR"
	}
}

func nodePrec(n Node) int {
	switch x := n.(type) {
	case *Binary:
		return binPrec(x.Op)
	case *Unary:
		return unaryPrec
	default:
		return 10
	}
}

// formatNode renders n, parenthesizing when its precedence is below what
// the surrounding context requires.
func formatNode(n Node, minPrec int) string {
	text := formatBare(n)
	if nodePrec(n) < minPrec {
		return "(" + text + ")"
	}
	return text
}

func formatBare(n Node) string {
	switch x := n.(type) {
	case *QuantityLiteral:
		s := formatNumber(x.Value)
		if x.Units != nil && !x.Units.IsUnitless() {
			s += " {" + formatUnitMap(*x.Units) + "}"
		}
		return s

	case *BooleanLiteral:
		if x.Value {
			return "TRUE"
		}
		return "FALSE"

	case *Ref:
		return "[" + x.Name + "]"

	case *Time:
		switch x.Kind {
		case TimeStep:
			return "TIME STEP"
		case TimeInitial:
			return "INITIAL TIME"
		case TimeFinal:
			return "FINAL TIME"
		default:
			return "TIME"
		}

	case *Unary:
		switch x.Op {
		case UnaryNeg:
			return "-" + formatNode(x.Operand, unaryPrec)
		case UnaryPos:
			return "+" + formatNode(x.Operand, unaryPrec)
		default:
			return "NOT " + formatNode(x.Operand, unaryPrec)
		}

	case *Binary:
		prec := binPrec(x.Op)
		leftMin, rightMin := prec, prec+1
		if x.Op == BinPow { // right-associative
			leftMin, rightMin = prec+1, prec
		}
		return formatNode(x.Left, leftMin) + " " + binOpText(x.Op) + " " + formatNode(x.Right, rightMin)

	case *IfChain:
		var b strings.Builder
		for i, br := range x.Branches {
			if i == 0 {
				b.WriteString("IF ")
			} else {
				b.WriteString(" ELSEIF ")
			}
			b.WriteString(formatNode(br.Cond, 1))
			b.WriteString(" THEN ")
			b.WriteString(formatNode(br.Then, 1))
		}
		if x.Else != nil {
			b.WriteString(" ELSE ")
			b.WriteString(formatNode(x.Else, 1))
		}
		b.WriteString(" END IF")
		return b.String()

	case *Call:
		args := make([]string, len(x.Args))
		for i, a := range x.Args {
			args[i] = formatNode(a, 1)
		}
		return x.Name + "(" + strings.Join(args, ", ") + ")"

	case *Lookup1D:
		var b strings.Builder
		b.WriteString("LOOKUP(")
		b.WriteString(formatNode(x.Arg, 1))
		b.WriteString(", ")
		for _, p := range x.Points {
			b.WriteByte('(')
			b.WriteString(formatNumber(p.X))
			b.WriteByte(',')
			b.WriteString(formatNumber(p.Y))
			b.WriteByte(')')
		}
		b.WriteByte(')')
		return b.String()

	case *Delay:
		name := "DELAY1"
		switch x.Kind {
		case Delay3:
			name = "DELAY3"
		case Smooth:
			name = "SMOOTH"
		case Smooth3:
			name = "SMOOTH3"
		}
		s := name + "(" + formatNode(x.Input, 1) + ", " + formatNode(x.Tau, 1)
		if x.Init != nil {
			s += ", " + formatNode(x.Init, 1)
		}
		return s + ")"
	}
	return ""
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// formatUnitMap renders a unit map as a brace-interior unit expression:
// positive exponents multiplied in the numerator, negative ones divided
// out, so the result reparses to an equal map.
func formatUnitMap(u UnitMap) string {
	var num, den []string
	for _, t := range u.terms {
		exp := t.Exponent
		target := &num
		if exp < 0 {
			exp = -exp
			target = &den
		}
		s := t.Symbol
		if exp != 1 {
			s += "^" + formatNumber(exp)
		}
		*target = append(*target, s)
	}
	out := strings.Join(num, "*")
	if out == "" {
		out = "1"
	}
	for _, d := range den {
		out += "/" + d
	}
	return out
}
