package sysdyn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func optimizeContext(t *testing.T, direction ObjectiveDirection) *OptimizationContext {
	t.Helper()
	m := linearInflowModel(t)
	return &OptimizationContext{
		Model:         m,
		Registry:      NewUnitRegistry(),
		SolverFactory: eulerFactory,
		Objective:     Objective{Metric: "X", AtTime: floatPtr(1), Direction: direction},
		Constraints:   []Constraint{{Name: "k", Min: 0, Max: 2}},
	}
}

func TestGridSearchFindsBoundaryMaximum(t *testing.T) {
	ctx := optimizeContext(t, Maximize)
	strategy := &GridSearch{StepsPerParameter: 5}
	outcome, err := Optimize(ctx, strategy)
	require.NoError(t, err)

	assert.Equal(t, "grid", strategy.Name())
	assert.Equal(t, 5, outcome.Iterations)
	assert.InDelta(t, 2.0, outcome.BestParameters["k"], 1e-9)
	assert.InDelta(t, 102.0, outcome.BestValue, 1e-9) // X0=100 + k*1
}

func TestGridSearchFindsBoundaryMinimum(t *testing.T) {
	ctx := optimizeContext(t, Minimize)
	outcome, err := Optimize(ctx, &GridSearch{StepsPerParameter: 5})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, outcome.BestParameters["k"], 1e-9)
	assert.InDelta(t, 100.0, outcome.BestValue, 1e-9)
}

func TestGridSearchDefaultsStepsPerParameter(t *testing.T) {
	ctx := optimizeContext(t, Maximize)
	outcome, err := Optimize(ctx, &GridSearch{})
	require.NoError(t, err)
	assert.Equal(t, 5, outcome.Iterations)
}

func TestRandomSearchNeverRegressesBelowBaseline(t *testing.T) {
	ctx := optimizeContext(t, Maximize)
	strategy := &RandomSearch{Iterations: 20, Seed: 42}
	outcome, err := Optimize(ctx, strategy)
	require.NoError(t, err)

	assert.Equal(t, "random", strategy.Name())
	assert.Equal(t, 21, outcome.Iterations) // baseline + 20 trials
	assert.GreaterOrEqual(t, outcome.BestValue, 100.0)
}

func TestOptimizeDefaultsToGridSearch(t *testing.T) {
	ctx := optimizeContext(t, Maximize)
	outcome, err := Optimize(ctx, nil)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, outcome.BestParameters["k"], 1e-9)
}

func TestOptimizeMeasuresFinalStateWhenNoTimeSet(t *testing.T) {
	ctx := optimizeContext(t, Maximize)
	ctx.Objective.AtTime = nil
	outcome, err := Optimize(ctx, &GridSearch{StepsPerParameter: 2})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, outcome.BestParameters["k"], 1e-9)
	assert.InDelta(t, 102.0, outcome.BestValue, 1e-9)
}

func TestBetterTieBreakFirstWins(t *testing.T) {
	assert.False(t, better(Maximize, 5, 5))
	assert.True(t, better(Maximize, 6, 5))
	assert.False(t, better(Minimize, 5, 5))
	assert.True(t, better(Minimize, 4, 5))
}
