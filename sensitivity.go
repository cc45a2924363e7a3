package sysdyn

import (
	"math"
	"sort"
)

// SensitivityDirection classifies a parameter's impact sign.
type SensitivityDirection string

const (
	DirectionPositive SensitivityDirection = "positive"
	DirectionNegative SensitivityDirection = "negative"
	DirectionNeutral  SensitivityDirection = "neutral"
)

// SensitivityResult is one parameter's ranked impact on a target metric.
type SensitivityResult struct {
	Parameter  string
	ImpactPct  float64
	Direction  SensitivityDirection
	Confidence float64
}

// Analyze runs a baseline simulation, then for each of parameters
// perturbs its baseline value by (1 + variationPercent/100), measures
// target at the final state, and ranks the results by |impact|
// descending. A parameter name must resolve to a stock's initial value
// or a constant variable's value;
// any other name, an auxiliary included, fails with
// ScenarioOverrideNotFoundError.
func Analyze(m *Model, registry *UnitRegistry, solverFactory func(TimeConfig) Solver, target string, parameters []string, variationPercent float64) ([]SensitivityResult, error) {
	baselineState, err := evaluateFinal(m, registry, solverFactory, map[string]float64{})
	if err != nil {
		return nil, err
	}
	baselineMetric, err := metricValue(m, baselineState, target)
	if err != nil {
		return nil, err
	}

	results := make([]SensitivityResult, 0, len(parameters))
	for _, p := range parameters {
		base, ok := overrideBaseline(m, p)
		if !ok {
			return nil, &ScenarioOverrideNotFoundError{Targets: []string{p}}
		}
		perturbed := base * (1 + variationPercent/100)
		state, err := evaluateFinal(m, registry, solverFactory, map[string]float64{p: perturbed})
		if err != nil {
			return nil, err
		}
		metric, err := metricValue(m, state, target)
		if err != nil {
			return nil, err
		}

		var impact float64
		if baselineMetric != 0 {
			impact = (metric - baselineMetric) / baselineMetric * 100
		} else {
			impact = metric - baselineMetric
		}

		direction := DirectionNeutral
		switch {
		case impact > 0:
			direction = DirectionPositive
		case impact < 0:
			direction = DirectionNegative
		}

		results = append(results, SensitivityResult{
			Parameter: p, ImpactPct: impact, Direction: direction, Confidence: 1,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return math.Abs(results[i].ImpactPct) > math.Abs(results[j].ImpactPct)
	})
	return results, nil
}
