package sysdyn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exponentialGrowthModel builds the stock=P, inflow=0.1*P/tick model
// whose closed-form trajectory both fixed-step solvers are checked
// against.
func exponentialGrowthModel(t *testing.T, step float64) (*Model, *CompiledModel) {
	t.Helper()
	pId := NewStockId()
	stock := Stock{Id: pId, Name: "P", InitialValue: 100}
	flow := Flow{
		Id: NewFlowId(), Name: "growth", Target: &pId,
		Expression: "[P] * 0.1 / 1{tick}",
	}
	m, err := NewModel("exponential-growth", []Stock{stock}, []Flow{flow}, nil, TimeConfig{Start: 0, End: 1, Step: step})
	require.NoError(t, err)
	cm, err := Compile(m, NewUnitRegistry())
	require.NoError(t, err)
	return m, cm
}

func TestEulerExponentialGrowth(t *testing.T) {
	_, cm := exponentialGrowthModel(t, 0.1)
	final, err := simulateFinal(cm, NewEulerSolver(0.1))
	require.NoError(t, err)
	expected := 100 * math.Pow(1.1, 10)
	assert.InDelta(t, expected, final.Stocks[cm.Model.Stocks[0].Id], 1e-6)
}

func TestRK4ExponentialGrowth(t *testing.T) {
	_, cm := exponentialGrowthModel(t, 0.5)
	final, err := simulateFinal(cm, NewRK4Solver(0.5))
	require.NoError(t, err)
	expected := 100 * math.Exp(0.1)
	assert.InDelta(t, expected, final.Stocks[cm.Model.Stocks[0].Id], 1e-4*expected)
}

func TestAdaptiveStiffDecayConverges(t *testing.T) {
	yId := NewStockId()
	stock := Stock{Id: yId, Name: "y", InitialValue: 1}
	flow := Flow{Id: NewFlowId(), Name: "decay", Source: &yId, Expression: "[y] * 50 / 1{tick}"}
	m, err := NewModel("stiff-decay", []Stock{stock}, []Flow{flow}, nil, TimeConfig{Start: 0, End: 1, Step: 0.1})
	require.NoError(t, err)
	cm, err := Compile(m, NewUnitRegistry())
	require.NoError(t, err)

	opts := DefaultAdaptiveOptions()
	opts.AbsoluteTolerance = 1e-6
	opts.RelativeTolerance = 1e-6
	solver := NewAdaptiveSolver(opts)

	final, err := simulateFinal(cm, solver)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, final.Time, 1e-9)
	v := final.Stocks[yId]
	assert.True(t, v > 0)
	assert.Less(t, v, 1e-10)
}

// twoStockTransferModel builds a two-stock model with a single flow that
// carries both a Source and a Target (A -> B), exercising solver.go's
// dual-endpoint branch: unit-equality check between the two stocks plus
// signed accumulation on both ends.
func twoStockTransferModel(t *testing.T, step float64) (*CompiledModel, StockId, StockId) {
	t.Helper()
	aId, bId := NewStockId(), NewStockId()
	stockA := Stock{Id: aId, Name: "A", InitialValue: 100}
	stockB := Stock{Id: bId, Name: "B", InitialValue: 20}
	flow := Flow{
		Id: NewFlowId(), Name: "transfer", Source: &aId, Target: &bId,
		Expression: "[A] * 0.05 / 1{tick}",
	}
	m, err := NewModel("transfer", []Stock{stockA, stockB}, []Flow{flow}, nil, TimeConfig{Start: 0, End: 1, Step: step})
	require.NoError(t, err)
	cm, err := Compile(m, NewUnitRegistry())
	require.NoError(t, err)
	return cm, aId, bId
}

func TestEulerTwoStockTransferConservesTotal(t *testing.T) {
	cm, aId, bId := twoStockTransferModel(t, 0.1)
	initial := initialState(cm)
	final, err := simulateFinal(cm, NewEulerSolver(0.1))
	require.NoError(t, err)
	deltaA := final.Stocks[aId] - initial.Stocks[aId]
	deltaB := final.Stocks[bId] - initial.Stocks[bId]
	assert.Less(t, deltaA, 0.0) // A drains
	assert.Greater(t, deltaB, 0.0) // B fills
	assert.InDelta(t, 0, deltaA+deltaB, 1e-9)
}

func TestRK4TwoStockTransferConservesTotal(t *testing.T) {
	cm, aId, bId := twoStockTransferModel(t, 0.1)
	initial := initialState(cm)
	final, err := simulateFinal(cm, NewRK4Solver(0.1))
	require.NoError(t, err)
	deltaA := final.Stocks[aId] - initial.Stocks[aId]
	deltaB := final.Stocks[bId] - initial.Stocks[bId]
	assert.Less(t, deltaA, 0.0)
	assert.Greater(t, deltaB, 0.0)
	assert.InDelta(t, 0, deltaA+deltaB, 1e-9)
}

func TestAdaptiveErrorNormHonorsPerStockTolerance(t *testing.T) {
	id := StockId("s1")
	stocks := []Stock{{Id: id, Name: "a"}}
	solver := NewAdaptiveSolver(DefaultAdaptiveOptions())
	y5 := map[StockId]float64{id: 1.0}
	y4 := map[StockId]float64{id: 1.0 - 1e-4}

	tight := solver.errorNorm(y5, y4, stocks)
	solver.Options.AbsoluteTolerances = map[StockId]float64{id: 1.0}
	loose := solver.errorNorm(y5, y4, stocks)
	assert.Greater(t, tight, loose)
	assert.LessOrEqual(t, loose, 1.0)
}

func TestEulerRejectsInvalidTimeStep(t *testing.T) {
	_, cm := exponentialGrowthModel(t, 0.1)
	solver := NewEulerSolver(-1)
	_, _, err := solver.Step(cm, initialState(cm), NewDelayStateStore())
	require.Error(t, err)
	var tsErr *InvalidTimeStepError
	assert.ErrorAs(t, err, &tsErr)
}

func TestSimulationStatesAreMonotonicInTime(t *testing.T) {
	_, cm := exponentialGrowthModel(t, 0.1)
	states, err := simulateEager(cm, NewEulerSolver(0.1))
	require.NoError(t, err)
	for i := 1; i < len(states); i++ {
		assert.Less(t, states[i-1].Time, states[i].Time)
	}
	assert.InDelta(t, cm.Model.Time.End, states[len(states)-1].Time, 1e-9)
}
