package sysdyn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func growthModelWithRate(t *testing.T) *Model {
	t.Helper()
	pId := NewStockId()
	rate := 0.1
	stock := Stock{Id: pId, Name: "P", InitialValue: 100}
	v := Variable{Id: NewVariableId(), Name: "rate", Kind: VariableConstant, Constant: &rate}
	flow := Flow{Id: NewFlowId(), Name: "growth", Target: &pId, Expression: "[P] * [rate] / 1{tick}"}
	m, err := NewModel("growth", []Stock{stock}, []Flow{flow}, []Variable{v}, TimeConfig{Start: 0, End: 1, Step: 0.1})
	require.NoError(t, err)
	return m
}

func eulerFactory(tc TimeConfig) Solver { return NewEulerSolver(tc.Step) }

func TestApplyOverridesStockWinsOverConstant(t *testing.T) {
	pId := NewStockId()
	constVal := 5.0
	stock := Stock{Id: pId, Name: "P", InitialValue: 100}
	v := Variable{Id: NewVariableId(), Name: "P", Kind: VariableConstant, Constant: &constVal}
	m, err := NewModel("collide", []Stock{stock}, nil, []Variable{v}, TimeConfig{Start: 0, End: 1, Step: 0.1})
	require.NoError(t, err)

	out, err := ApplyOverrides(m, map[string]float64{"P": 7}, "s1")
	require.NoError(t, err)
	assert.Equal(t, 7.0, out.Stocks[0].InitialValue)
	assert.Equal(t, 5.0, *out.Variables[0].Constant)
}

func TestApplyOverridesRejectsAuxiliaryTarget(t *testing.T) {
	m := growthModelWithRate(t)
	m.Variables = append(m.Variables, Variable{Id: NewVariableId(), Name: "aux", Kind: VariableAuxiliary, Expression: "1"})

	_, err := ApplyOverrides(m, map[string]float64{"aux": 5}, "s1")
	require.Error(t, err)
	var unsupported *ScenarioUnsupportedOverrideError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "aux", unsupported.Target)
}

func TestApplyOverridesRejectsUnknownTarget(t *testing.T) {
	m := growthModelWithRate(t)
	_, err := ApplyOverrides(m, map[string]float64{"nonexistent": 1}, "s1")
	require.Error(t, err)
	var missing *ScenarioOverrideNotFoundError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"nonexistent"}, missing.Targets)
}

func TestRunScenarioRejectsMismatchedModel(t *testing.T) {
	m := growthModelWithRate(t)
	def := ScenarioDefinition{Id: "s1", Name: "wrong-model", ModelId: NewModelId(), Overrides: map[string]float64{}}

	_, err := RunScenario(m, NewUnitRegistry(), eulerFactory, def, ScenarioRunOptions{})
	require.Error(t, err)
	var mismatch *ScenarioModelMismatchError
	assert.ErrorAs(t, err, &mismatch)
}

func TestRunScenarioAppliesOverrideBeforeSimulating(t *testing.T) {
	m := growthModelWithRate(t)
	def := ScenarioDefinition{Id: NewScenarioId(), Name: "double-rate", ModelId: m.Id, Overrides: map[string]float64{"rate": 0.2}}

	run, err := RunScenario(m, NewUnitRegistry(), eulerFactory, def, ScenarioRunOptions{RunId: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "r1", run.RunId)

	pId := m.Stocks[0].Id
	expected := 100.0
	for i := 0; i < 10; i++ {
		expected += expected * 0.2 * 0.1
	}
	assert.InDelta(t, expected, run.Final.Stocks[pId], 1e-9)
}

func TestCompareReportsBaselineAndOrderedDeltas(t *testing.T) {
	m := growthModelWithRate(t)
	defs := []ScenarioDefinition{
		{Id: "b", Name: "boost", ModelId: m.Id, Overrides: map[string]float64{"rate": 0.2}},
		{Id: "a", Name: "attenuate", ModelId: m.Id, Overrides: map[string]float64{"rate": 0.05}},
	}

	cmp, err := Compare(context.Background(), m, NewUnitRegistry(), eulerFactory, defs, ScenarioRunOptions{})
	require.NoError(t, err)
	require.Len(t, cmp.Scenarios, 2)

	// Input order is preserved regardless of which goroutine finishes first.
	assert.Equal(t, "boost", cmp.Scenarios[0].Run.Definition.Name)
	assert.Equal(t, "attenuate", cmp.Scenarios[1].Run.Definition.Name)

	pId := m.Stocks[0].Id
	boostDelta := cmp.Scenarios[0].DeltaStocks["P"]
	baselineFinal := cmp.Baseline.Final.Stocks[pId]
	boostFinal := cmp.Scenarios[0].Run.Final.Stocks[pId]
	assert.InDelta(t, boostFinal-baselineFinal, boostDelta, 1e-9)
	assert.Greater(t, boostDelta, 0.0)

	attenuateDelta := cmp.Scenarios[1].DeltaStocks["P"]
	assert.Less(t, attenuateDelta, 0.0)
}
