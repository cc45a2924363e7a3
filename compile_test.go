package sysdyn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileCachesMetadataPerModelIdentity(t *testing.T) {
	m := growthModelWithRate(t)
	cm1, err := Compile(m, NewUnitRegistry())
	require.NoError(t, err)
	cm2, err := Compile(m, NewUnitRegistry())
	require.NoError(t, err)
	assert.Same(t, cm1.Graph, cm2.Graph)
}

func TestCompileSharesMetadataWithOverrideClones(t *testing.T) {
	m := growthModelWithRate(t)
	cm1, err := Compile(m, NewUnitRegistry())
	require.NoError(t, err)

	overridden, err := ApplyOverrides(m, map[string]float64{"rate": 0.2}, "")
	require.NoError(t, err)
	cm2, err := Compile(overridden, NewUnitRegistry())
	require.NoError(t, err)

	assert.Same(t, cm1.Graph, cm2.Graph)
	assert.NotSame(t, cm1.Model, cm2.Model)

	// The shared metadata must not leak base values into the clone: the
	// clone simulates with its own overridden constant.
	final, err := simulateFinal(cm2, NewEulerSolver(0.1))
	require.NoError(t, err)
	expected := 100.0
	for i := 0; i < 10; i++ {
		expected += expected * 0.2 * 0.1
	}
	assert.InDelta(t, expected, final.Stocks[m.Stocks[0].Id], 1e-9)
}

func TestInvalidateModelForcesRecompile(t *testing.T) {
	m := growthModelWithRate(t)
	cm1, err := Compile(m, NewUnitRegistry())
	require.NoError(t, err)

	InvalidateModel(m.Id)
	cm2, err := Compile(m, NewUnitRegistry())
	require.NoError(t, err)
	assert.NotSame(t, cm1.Graph, cm2.Graph)
}
