package sysdyn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tickScope(x float64) map[string]Quantity {
	return map[string]Quantity{
		"TIME STEP": Q(1, NewUnitMap(map[string]float64{"tick": 1})),
		"x":         UnitlessQ(x),
	}
}

func TestEvalDelay1ConvergesExponentiallyTowardInput(t *testing.T) {
	eq, err := ParseEquation("DELAY1([x], 2 {tick})")
	require.NoError(t, err)
	delays := NewDelayStateStore()

	ctx := NewEvalContext(tickScope(10), eq.Source, delays, true, eq.Macros)
	q, err := Eval(eq.Body, ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, q.Value, 1e-9) // seeded at its own input, first call is a no-op

	for _, want := range []float64{15, 17.5, 18.75} {
		ctx = NewEvalContext(tickScope(20), eq.Source, delays, true, eq.Macros)
		q, err = Eval(eq.Body, ctx)
		require.NoError(t, err)
		assert.InDelta(t, want, q.Value, 1e-9)
	}
}

func TestEvalDelay3CascadesSequentially(t *testing.T) {
	eq, err := ParseEquation("DELAY3([x], 6 {tick})")
	require.NoError(t, err)
	delays := NewDelayStateStore()

	ctx := NewEvalContext(tickScope(10), eq.Source, delays, true, eq.Macros)
	_, err = Eval(eq.Body, ctx) // seed all three stages at 10
	require.NoError(t, err)

	for _, want := range []float64{11.25, 13.125} {
		ctx = NewEvalContext(tickScope(20), eq.Source, delays, true, eq.Macros)
		q, err := Eval(eq.Body, ctx)
		require.NoError(t, err)
		assert.InDelta(t, want, q.Value, 1e-9)
	}
}

func TestEvalDelayProbeDoesNotMutateCommittedState(t *testing.T) {
	eq, err := ParseEquation("DELAY1([x], 2 {tick})")
	require.NoError(t, err)
	delays := NewDelayStateStore()

	seedCtx := NewEvalContext(tickScope(10), eq.Source, delays, true, eq.Macros)
	_, err = Eval(eq.Body, seedCtx)
	require.NoError(t, err)

	probeCtx := NewEvalContext(tickScope(1000), eq.Source, delays, false, eq.Macros)
	probeVal, err := Eval(eq.Body, probeCtx)
	require.NoError(t, err)
	assert.Greater(t, probeVal.Value, 10.0)

	committedCtx := NewEvalContext(tickScope(20), eq.Source, delays, true, eq.Macros)
	committedVal, err := Eval(eq.Body, committedCtx)
	require.NoError(t, err)
	assert.InDelta(t, 15.0, committedVal.Value, 1e-9) // unaffected by the probe's input of 1000
}

func TestEvalDelayRejectsNonPositiveTau(t *testing.T) {
	eq, err := ParseEquation("DELAY1([x], 0 {tick})")
	require.NoError(t, err)
	ctx := NewEvalContext(tickScope(10), eq.Source, NewDelayStateStore(), true, eq.Macros)
	_, err = Eval(eq.Body, ctx)
	assert.Error(t, err)
}

func TestEvalDelayRejectsMismatchedTauUnits(t *testing.T) {
	eq, err := ParseEquation("DELAY1([x], 2 {widget})")
	require.NoError(t, err)
	ctx := NewEvalContext(tickScope(10), eq.Source, NewDelayStateStore(), true, eq.Macros)
	_, err = Eval(eq.Body, ctx)
	assert.Error(t, err)
}

func TestLookupPolyInterpolatesThroughSamples(t *testing.T) {
	samples := []float64{0, 1, 4, 9, 16} // y = x^2 at x = 0,1,2,3,4, normalized to [0,1]
	coeffs := newtonDividedDifferences(samples)
	for i, want := range samples {
		xNorm := float64(i) / float64(len(samples)-1)
		assert.InDelta(t, want, lookupPoly(xNorm, coeffs), 1e-9)
	}
}

func TestLookupPolyInterpolatesBetweenSamples(t *testing.T) {
	// y = x (linear), so the polynomial interpolant is exact everywhere,
	// including the midpoint between two samples.
	samples := []float64{0, 10, 20, 30}
	coeffs := newtonDividedDifferences(samples)
	assert.InDelta(t, 5.0, lookupPoly(1.0/6, coeffs), 1e-9)
}
