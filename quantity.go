package sysdyn

import (
	"math"
	"sort"
	"strconv"
)

// unitTolerance is the absolute tolerance used to treat exponents (and
// quantity values under equality comparison) as equal.
const unitTolerance = 1e-12

// unitTerm is one (symbol, exponent) pair in a unit map. UnitMap keeps
// these sorted by symbol so two unit maps can be compared term-by-term
// without building an intermediate map.
type unitTerm struct {
	Symbol   string
	Exponent float64
}

// UnitMap is an immutable symbol -> exponent mapping. Zero-exponent
// entries are never stored.
type UnitMap struct {
	terms []unitTerm
}

// NewUnitMap builds a UnitMap from a symbol->exponent map, dropping
// near-zero exponents and normalizing symbol order.
func NewUnitMap(m map[string]float64) UnitMap {
	terms := make([]unitTerm, 0, len(m))
	for sym, exp := range m {
		if math.Abs(exp) < unitTolerance {
			continue
		}
		terms = append(terms, unitTerm{Symbol: sym, Exponent: exp})
	}
	sort.Slice(terms, func(i, j int) bool { return terms[i].Symbol < terms[j].Symbol })
	return UnitMap{terms: terms}
}

// Unitless is the empty unit map.
func Unitless() UnitMap { return UnitMap{} }

// IsUnitless reports whether every exponent in u is within tolerance of 0.
func (u UnitMap) IsUnitless() bool { return len(u.terms) == 0 }

// Exponent returns the exponent for sym, or 0 if absent.
func (u UnitMap) Exponent(sym string) float64 {
	for _, t := range u.terms {
		if t.Symbol == sym {
			return t.Exponent
		}
	}
	return 0
}

// Equal reports whether two unit maps agree on every non-zero exponent,
// within unitTolerance.
func (u UnitMap) Equal(o UnitMap) bool {
	if len(u.terms) != len(o.terms) {
		return false
	}
	for i, t := range u.terms {
		ot := o.terms[i]
		if t.Symbol != ot.Symbol || math.Abs(t.Exponent-ot.Exponent) > unitTolerance {
			return false
		}
	}
	return true
}

// mulExp composes unit maps by adding scale times o's exponents to u's
// (used by Quantity.Mul/Div).
func (u UnitMap) mulExp(o UnitMap, scale float64) UnitMap {
	acc := make(map[string]float64, len(u.terms)+len(o.terms))
	for _, t := range u.terms {
		acc[t.Symbol] += t.Exponent
	}
	for _, t := range o.terms {
		acc[t.Symbol] += scale * t.Exponent
	}
	return NewUnitMap(acc)
}

// Pow scales every exponent by k.
func (u UnitMap) Pow(k float64) UnitMap {
	acc := make(map[string]float64, len(u.terms))
	for _, t := range u.terms {
		acc[t.Symbol] = t.Exponent * k
	}
	return NewUnitMap(acc)
}

// Map returns a fresh symbol->exponent map copy of u.
func (u UnitMap) Map() map[string]float64 {
	m := make(map[string]float64, len(u.terms))
	for _, t := range u.terms {
		m[t.Symbol] = t.Exponent
	}
	return m
}

// String renders the unit map in "sym^exp·sym^exp" form, primarily for
// diagnostics.
func (u UnitMap) String() string {
	if len(u.terms) == 0 {
		return "1"
	}
	s := ""
	for i, t := range u.terms {
		if i > 0 {
			s += "·"
		}
		if t.Exponent == 1 {
			s += t.Symbol
		} else {
			s += t.Symbol + "^" + trimFloat(t.Exponent)
		}
	}
	return s
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Quantity is a real value tagged with a unit map; the universal numeric
// type inside the DSL.
type Quantity struct {
	Value float64
	Units UnitMap
}

// Q constructs a quantity directly.
func Q(value float64, units UnitMap) Quantity { return Quantity{Value: value, Units: units} }

// UnitlessQ wraps a bare float64 as a dimensionless quantity.
func UnitlessQ(v float64) Quantity { return Quantity{Value: v, Units: Unitless()} }

// IsUnitless reports whether q carries no non-zero unit exponents.
func (q Quantity) IsUnitless() bool { return q.Units.IsUnitless() }

// Add requires matching units.
func (q Quantity) Add(o Quantity) (Quantity, error) {
	if !q.Units.Equal(o.Units) {
		return Quantity{}, newEvalError("", "unit mismatch in addition: %s vs %s", q.Units, o.Units)
	}
	return Quantity{Value: q.Value + o.Value, Units: q.Units}, nil
}

// Sub requires matching units.
func (q Quantity) Sub(o Quantity) (Quantity, error) {
	if !q.Units.Equal(o.Units) {
		return Quantity{}, newEvalError("", "unit mismatch in subtraction: %s vs %s", q.Units, o.Units)
	}
	return Quantity{Value: q.Value - o.Value, Units: q.Units}, nil
}

// Mul multiplies values and adds unit exponents.
func (q Quantity) Mul(o Quantity) Quantity {
	return Quantity{Value: q.Value * o.Value, Units: q.Units.mulExp(o.Units, 1)}
}

// Div divides values and subtracts unit exponents.
func (q Quantity) Div(o Quantity) Quantity {
	return Quantity{Value: q.Value / o.Value, Units: q.Units.mulExp(o.Units, -1)}
}

// Pow raises q to a dimensionless exponent. If q carries units, exponent
// must be (within tolerance) an integer.
func (q Quantity) Pow(exponent float64) (Quantity, error) {
	if !q.Units.IsUnitless() {
		if math.Abs(exponent-math.Round(exponent)) > unitTolerance {
			return Quantity{}, newEvalError("", "non-integer exponent %g on dimensioned base %s", exponent, q.Units)
		}
	}
	return Quantity{Value: math.Pow(q.Value, exponent), Units: q.Units.Pow(exponent)}, nil
}

// Neg negates the value, keeping units.
func (q Quantity) Neg() Quantity { return Quantity{Value: -q.Value, Units: q.Units} }

// EqualValue reports value+unit equality within unitTolerance.
func (q Quantity) EqualValue(o Quantity) (bool, error) {
	if !q.Units.Equal(o.Units) {
		return false, newEvalError("", "unit mismatch in comparison: %s vs %s", q.Units, o.Units)
	}
	return math.Abs(q.Value-o.Value) <= unitTolerance, nil
}
