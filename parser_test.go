package sysdyn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalSrc(t *testing.T, src string, scope map[string]Quantity) Quantity {
	t.Helper()
	eq, err := ParseEquation(src)
	require.NoError(t, err)
	ctx := NewEvalContext(scope, src, NewDelayStateStore(), true, eq.Macros)
	q, err := Eval(eq.Body, ctx)
	require.NoError(t, err)
	return q
}

func TestParserPrecedence(t *testing.T) {
	q := evalSrc(t, "2 + 3 * 4", nil)
	assert.Equal(t, 14.0, q.Value)

	q = evalSrc(t, "2 ^ 3 ^ 2", nil) // right-associative: 2^(3^2) = 512
	assert.Equal(t, 512.0, q.Value)

	q = evalSrc(t, "-2 ^ 2", nil) // unary binds tighter than ^: (-2)^2 = 4
	assert.Equal(t, 4.0, q.Value)
}

func TestParserIfChain(t *testing.T) {
	q := evalSrc(t, "IF 1 > 2 THEN 10 ELSEIF 2 > 1 THEN 20 ELSE 30 END IF", nil)
	assert.Equal(t, 20.0, q.Value)
}

func TestParserBooleanKeywords(t *testing.T) {
	q := evalSrc(t, "TRUE AND FALSE", nil)
	assert.Equal(t, 0.0, q.Value)
	q = evalSrc(t, "true or false", nil)
	assert.Equal(t, 1.0, q.Value)
}

func TestParserBracketedReference(t *testing.T) {
	scope := map[string]Quantity{"Gross Margin": UnitlessQ(0.4)}
	q := evalSrc(t, "[Gross Margin] * 100", scope)
	assert.Equal(t, 40.0, q.Value)
}

func TestParserUnitLiteral(t *testing.T) {
	eq, err := ParseEquation("10 {widget/day}")
	require.NoError(t, err)
	ctx := NewEvalContext(nil, "", NewDelayStateStore(), true, nil)
	q, err := Eval(eq.Body, ctx)
	require.NoError(t, err)
	assert.Equal(t, 10.0, q.Value)
	assert.Equal(t, 1.0, q.Units.Exponent("widget"))
	assert.Equal(t, -1.0, q.Units.Exponent("day"))
}

func TestParserLookup(t *testing.T) {
	q := evalSrc(t, "LOOKUP(5, (0,0)(10,100))", nil)
	assert.InDelta(t, 50.0, q.Value, 1e-9)

	q = evalSrc(t, "LOOKUP(-5, (0,0)(10,100))", nil) // clamps to first endpoint
	assert.Equal(t, 0.0, q.Value)

	q = evalSrc(t, "LOOKUP(50, (0,0)(10,100))", nil) // clamps to last endpoint
	assert.Equal(t, 100.0, q.Value)
}

func TestParserFunctionDefAndMacroRecursionRejected(t *testing.T) {
	eq, err := ParseEquation("FUNCTION double(x) x * 2 END FUNCTION double(double(3))")
	require.NoError(t, err)
	ctx := NewEvalContext(nil, eq.Source, NewDelayStateStore(), true, eq.Macros)
	q, err := Eval(eq.Body, ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.0, q.Value)

	recEq, err := ParseEquation("FUNCTION f(x) f(x) END FUNCTION f(1)")
	require.NoError(t, err)
	recCtx := NewEvalContext(nil, recEq.Source, NewDelayStateStore(), true, recEq.Macros)
	_, err = Eval(recEq.Body, recCtx)
	assert.Error(t, err)
}

func TestParserStandaloneBraceQuantity(t *testing.T) {
	scope := map[string]Quantity{"P": UnitlessQ(100)}
	q := evalSrc(t, "[P] * 0.1 / { 1 tick }", scope)
	assert.InDelta(t, 10.0, q.Value, 1e-12)
	assert.Equal(t, -1.0, q.Units.Exponent("tick"))
}

func TestParserUnitJuxtapositionMultiplies(t *testing.T) {
	eq, err := ParseEquation("3 {person day}")
	require.NoError(t, err)
	lit, ok := eq.Body.(*QuantityLiteral)
	require.True(t, ok)
	assert.Equal(t, 3.0, lit.Value)
	assert.Equal(t, 1.0, lit.Units.Exponent("person"))
	assert.Equal(t, 1.0, lit.Units.Exponent("day"))
}

func TestParserUnclosedBraceIsParseError(t *testing.T) {
	_, err := ParseEquation("10 {widget")
	require.Error(t, err)
	var diag *EquationDiagnostic
	assert.ErrorAs(t, err, &diag)
}

func TestParserTrailingInputIsParseError(t *testing.T) {
	_, err := ParseEquation("1 + 2 3")
	assert.Error(t, err)
}
