package sysdyn

import (
	"context"
	"sort"
)

// ScenarioDefinition names a set of parameter overrides to apply to a
// base model before simulation.
type ScenarioDefinition struct {
	Id        ScenarioId
	Name      string
	ModelId   ModelId
	Overrides map[string]float64
}

// ApplyOverrides returns a new model with every stock whose name
// matches an override key reset to that value and every constant
// variable whose name matches reset likewise. When an
// override name matches both a stock and a constant, the stock wins:
// a scenario can always steer the
// accumulating quantity rather than a frozen parameter. Auxiliary
// variables cannot be overridden. Names that resolve to neither a
// stock nor a constant fail ScenarioOverrideNotFoundError.
func ApplyOverrides(m *Model, overrides map[string]float64, scenarioId string) (*Model, error) {
	out := m.clone()
	applied := make(map[string]bool, len(overrides))

	for i := range out.Stocks {
		if v, ok := overrides[out.Stocks[i].Name]; ok {
			out.Stocks[i].InitialValue = v
			applied[out.Stocks[i].Name] = true
		}
	}

	var unsupported []string
	for i := range out.Variables {
		name := out.Variables[i].Name
		v, ok := overrides[name]
		if !ok || applied[name] {
			continue
		}
		switch out.Variables[i].Kind {
		case VariableConstant:
			cv := v
			out.Variables[i].Constant = &cv
			applied[name] = true
		case VariableAuxiliary:
			unsupported = append(unsupported, name)
		}
	}

	if len(unsupported) > 0 {
		sort.Strings(unsupported)
		return nil, &ScenarioUnsupportedOverrideError{
			ScenarioId: scenarioId, Target: unsupported[0],
			Reason: "auxiliary variables cannot be overridden",
		}
	}

	var missing []string
	for name := range overrides {
		if !applied[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &ScenarioOverrideNotFoundError{ScenarioId: scenarioId, Targets: missing}
	}

	return out, nil
}

// checkScenarioModel rejects a definition bound to a different model.
// An empty ModelId means the definition is model-agnostic.
func checkScenarioModel(m *Model, def ScenarioDefinition) error {
	if def.ModelId != "" && def.ModelId != m.Id {
		return &ScenarioModelMismatchError{
			ScenarioId: string(def.Id), Expected: string(def.ModelId), Actual: string(m.Id),
		}
	}
	return nil
}

// overrideBaseline returns the current value an override name resolves
// to before any override is applied (the stock's initial value, or the
// constant's value), per sensitivity analysis's need for a baseline to
// perturb.
func overrideBaseline(m *Model, name string) (float64, bool) {
	if s, ok := m.StockByName(name); ok {
		return s.InitialValue, true
	}
	if v, ok := m.VariableByName(name); ok && v.Kind == VariableConstant {
		return *v.Constant, true
	}
	return 0, false
}

// ScenarioRunOptions configures run/compare.
type ScenarioRunOptions struct {
	CollectStates bool
	RunId         string // caller-supplied label, for logging only
}

// ScenarioRun is the outcome of simulating one scenario definition.
// RunId is descriptive metadata for logging and labeling; it plays no
// role in simulation semantics.
type ScenarioRun struct {
	Definition ScenarioDefinition
	Model      *Model
	RunId      string
	Final      *SimState
	States     []*SimState // populated only if options.CollectStates
}

// RunScenario applies def's overrides to m, simulates with the given
// solver factory, and returns the resulting run.
func RunScenario(m *Model, registry *UnitRegistry, solverFactory func(TimeConfig) Solver, def ScenarioDefinition, options ScenarioRunOptions) (*ScenarioRun, error) {
	if err := checkScenarioModel(m, def); err != nil {
		return nil, err
	}
	overridden, err := ApplyOverrides(m, def.Overrides, string(def.Id))
	if err != nil {
		return nil, err
	}
	cm, err := Compile(overridden, registry)
	if err != nil {
		return nil, err
	}
	solver := solverFactory(overridden.Time)
	if options.CollectStates {
		states, err := simulateEager(cm, solver)
		if err != nil {
			return nil, err
		}
		return &ScenarioRun{Definition: def, Model: overridden, RunId: options.RunId, Final: states[len(states)-1], States: states}, nil
	}
	final, err := simulateFinal(cm, solver)
	if err != nil {
		return nil, err
	}
	return &ScenarioRun{Definition: def, Model: overridden, RunId: options.RunId, Final: final}, nil
}

// ScenarioSummary carries one scenario's run plus its delta against the
// baseline, keyed by name rather than id so baseline and scenario models
// (which share ids but differ in overridden values) compare cleanly.
type ScenarioSummary struct {
	Run            *ScenarioRun
	DeltaStocks    map[string]float64
	DeltaVariables map[string]float64
}

// ScenarioComparison is compare's aggregated output: an implicit
// zero-override baseline plus every requested scenario, each annotated
// with its delta from the baseline.
type ScenarioComparison struct {
	Baseline  *ScenarioRun
	Scenarios []ScenarioSummary
}

// Compare prepends an implicit baseline (zero overrides), runs every
// definition via simulateParallel, and reports per-scenario deltas.
// Scenarios are reported in input order regardless of completion order.
func Compare(ctx context.Context, m *Model, registry *UnitRegistry, solverFactory func(TimeConfig) Solver, defs []ScenarioDefinition, options ScenarioRunOptions) (*ScenarioComparison, error) {
	baselineDef := ScenarioDefinition{Id: "baseline", Name: "baseline", ModelId: m.Id, Overrides: map[string]float64{}}
	allDefs := append([]ScenarioDefinition{baselineDef}, defs...)

	cms := make([]*CompiledModel, len(allDefs))
	models := make([]*Model, len(allDefs))
	targets := make([]SimulationTarget, len(allDefs))
	for i, def := range allDefs {
		if err := checkScenarioModel(m, def); err != nil {
			return nil, err
		}
		overridden, err := ApplyOverrides(m, def.Overrides, string(def.Id))
		if err != nil {
			return nil, err
		}
		cm, err := Compile(overridden, registry)
		if err != nil {
			return nil, err
		}
		models[i] = overridden
		cms[i] = cm
		targets[i] = SimulationTarget{Name: def.Name, Model: cm, Solver: solverFactory(overridden.Time)}
	}

	results, err := simulateParallel(ctx, targets, ParallelOptions{CollectStates: options.CollectStates})
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
	}

	baselineRun := &ScenarioRun{Definition: allDefs[0], Model: models[0], Final: results[0].Final, States: results[0].States}

	summaries := make([]ScenarioSummary, len(defs))
	for i := range defs {
		ri := i + 1
		run := &ScenarioRun{Definition: allDefs[ri], Model: models[ri], Final: results[ri].Final, States: results[ri].States}
		summaries[i] = ScenarioSummary{
			Run:            run,
			DeltaStocks:    deltaByName(models[0], baselineRun.Final.Stocks, models[ri], run.Final.Stocks, stockNames),
			DeltaVariables: deltaByName(models[0], baselineRun.Final.Variables, models[ri], run.Final.Variables, variableNames),
		}
	}

	return &ScenarioComparison{Baseline: baselineRun, Scenarios: summaries}, nil
}

func stockNames(m *Model) map[string]StockId {
	out := make(map[string]StockId, len(m.Stocks))
	for _, s := range m.Stocks {
		out[s.Name] = s.Id
	}
	return out
}

func variableNames(m *Model) map[string]VariableId {
	out := make(map[string]VariableId, len(m.Variables))
	for _, v := range m.Variables {
		out[v.Name] = v.Id
	}
	return out
}

// deltaByName computes scenario-minus-baseline for every name common to
// both models' id->value maps, resolved through each model's own
// name->id index (baseline and scenario models share entity ids, since
// ApplyOverrides clones rather than rebuilds, but this stays correct
// even if that ever changes).
func deltaByName[K comparable](baseModel *Model, baseValues map[K]float64, scenModel *Model, scenValues map[K]float64, namesOf func(*Model) map[string]K) map[string]float64 {
	baseNames := namesOf(baseModel)
	scenNames := namesOf(scenModel)
	out := make(map[string]float64, len(baseNames))
	for name, bid := range baseNames {
		sid, ok := scenNames[name]
		if !ok {
			continue
		}
		out[name] = scenValues[sid] - baseValues[bid]
	}
	return out
}
