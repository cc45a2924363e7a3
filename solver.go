package sysdyn

import (
	"math"

	"go.uber.org/zap"
)

// SimUnits snapshots the unit maps attached to one SimState.
type SimUnits struct {
	Stocks    map[StockId]UnitMap
	Variables map[VariableId]UnitMap
	Rates     map[StockId]UnitMap
	Time      UnitMap
}

// DynamicsResult is the shared derivative computation's output, consumed
// by every integrator.
type DynamicsResult struct {
	Rates         map[StockId]float64
	Variables     map[VariableId]float64
	VariableUnits map[VariableId]UnitMap
	RateUnits     map[StockId]UnitMap
	StockUnits    map[StockId]UnitMap
	TimeUnit      UnitMap
}

// computeDynamics is the single shared derivative routine every
// integrator builds on: build the evaluation
// scope from stocks/time, evaluate the compiled variable graph, evaluate
// every flow, validate units, and accumulate signed rate contributions.
func computeDynamics(cm *CompiledModel, stocks map[StockId]float64, time, dt float64, delays *DelayStateStore, commit bool) (*DynamicsResult, error) {
	scope := make(map[string]Quantity, len(cm.Model.Stocks)+4)
	scope["TIME"] = Q(time, cm.TimeUnit)
	scope["TIME STEP"] = Q(dt, cm.TimeUnit)
	scope["INITIAL TIME"] = Q(cm.Model.Time.Start, cm.TimeUnit)
	scope["FINAL TIME"] = Q(cm.Model.Time.End, cm.TimeUnit)
	for _, s := range cm.Model.Stocks {
		scope[s.Name] = Q(stocks[s.Id], cm.StockUnits[s.Id])
	}

	values, varUnits, enriched, err := cm.Graph.Evaluate(cm.Model, scope, delays, commit)
	if err != nil {
		return nil, err
	}

	rates := make(map[StockId]float64, len(cm.Model.Stocks))
	rateUnits := make(map[StockId]UnitMap, len(cm.Model.Stocks))
	for _, s := range cm.Model.Stocks {
		rates[s.Id] = 0
	}

	for _, f := range cm.Model.Flows {
		eq := cm.FlowASTs[f.Id]
		ctx := NewEvalContext(enriched, eq.Source, delays, commit, eq.Macros)
		result, err := Eval(eq.Body, ctx)
		if err != nil {
			return nil, err
		}

		var expected UnitMap
		switch {
		case f.Source != nil && f.Target != nil:
			srcU, tgtU := cm.StockUnits[*f.Source], cm.StockUnits[*f.Target]
			if !srcU.Equal(tgtU) {
				return nil, newEvalError(eq.Source, "flow %q connects stocks with mismatched units: %s vs %s", f.Name, srcU, tgtU)
			}
			expected = srcU.mulExp(cm.TimeUnit, -1)
		case f.Source != nil:
			expected = cm.StockUnits[*f.Source].mulExp(cm.TimeUnit, -1)
		case f.Target != nil:
			expected = cm.StockUnits[*f.Target].mulExp(cm.TimeUnit, -1)
		default:
			if declared := cm.FlowUnits[f.Id]; declared != nil {
				expected = *declared
			} else {
				expected = Unitless()
			}
		}
		if declared := cm.FlowUnits[f.Id]; declared != nil && (f.Source != nil || f.Target != nil) {
			if !declared.Equal(expected) {
				return nil, newEvalError(eq.Source, "flow %q declared units %s do not match inferred rate units %s", f.Name, declared, expected)
			}
		}
		if !result.Units.Equal(expected) {
			return nil, newEvalError(eq.Source, "flow %q rate units %s do not match expected %s", f.Name, result.Units, expected)
		}

		if f.Source != nil {
			rates[*f.Source] -= result.Value
			rateUnits[*f.Source] = expected
		}
		if f.Target != nil {
			rates[*f.Target] += result.Value
			rateUnits[*f.Target] = expected
		}
	}
	for _, s := range cm.Model.Stocks {
		if _, ok := rateUnits[s.Id]; !ok {
			rateUnits[s.Id] = cm.StockUnits[s.Id].mulExp(cm.TimeUnit, -1)
		}
	}

	return &DynamicsResult{
		Rates: rates, Variables: values, VariableUnits: varUnits,
		RateUnits: rateUnits, StockUnits: cm.StockUnits, TimeUnit: cm.TimeUnit,
	}, nil
}

func unitsFromDynamics(d *DynamicsResult) SimUnits {
	return SimUnits{Stocks: d.StockUnits, Variables: d.VariableUnits, Rates: d.RateUnits, Time: d.TimeUnit}
}

// Solver advances (model, state, delayStore) -> (nextState, nextDelayStore),
// per the Glossary's "function advancing (model,state,dt) -> state".
type Solver interface {
	Step(cm *CompiledModel, current *SimState, delays *DelayStateStore) (*SimState, *DelayStateStore, error)
	Reset()
}

//----------------------------------------------------------------------
// Euler
//----------------------------------------------------------------------

// EulerSolver is explicit forward Euler.
type EulerSolver struct{ Dt float64 }

func NewEulerSolver(dt float64) *EulerSolver { return &EulerSolver{Dt: dt} }

func (e *EulerSolver) Reset() {}

func (e *EulerSolver) Step(cm *CompiledModel, current *SimState, delays *DelayStateStore) (*SimState, *DelayStateStore, error) {
	if e.Dt <= 0 || math.IsNaN(e.Dt) || math.IsInf(e.Dt, 0) {
		return nil, delays, &InvalidTimeStepError{Dt: e.Dt}
	}
	effDt := e.Dt
	if current.Time+effDt > cm.Model.Time.End {
		effDt = cm.Model.Time.End - current.Time
	}
	probe := delays.Clone()
	dyn, err := computeDynamics(cm, current.Stocks, current.Time, effDt, probe, true)
	if err != nil {
		return nil, delays, err
	}
	next := make(map[StockId]float64, len(current.Stocks))
	for id, v := range current.Stocks {
		next[id] = v + dyn.Rates[id]*effDt
	}
	state := &SimState{Time: current.Time + effDt, Stocks: next, Variables: dyn.Variables, Units: unitsFromDynamics(dyn)}
	return state, probe, nil
}

//----------------------------------------------------------------------
// RK4 (classical)
//----------------------------------------------------------------------

// RK4Solver is classical fourth-order Runge-Kutta.
type RK4Solver struct{ Dt float64 }

func NewRK4Solver(dt float64) *RK4Solver { return &RK4Solver{Dt: dt} }

func (r *RK4Solver) Reset() {}

func addScaled(y map[StockId]float64, h float64, k map[StockId]float64) map[StockId]float64 {
	out := make(map[StockId]float64, len(y))
	for id, v := range y {
		out[id] = v + h*k[id]
	}
	return out
}

func (r *RK4Solver) Step(cm *CompiledModel, current *SimState, delays *DelayStateStore) (*SimState, *DelayStateStore, error) {
	if r.Dt <= 0 || math.IsNaN(r.Dt) || math.IsInf(r.Dt, 0) {
		return nil, delays, &InvalidTimeStepError{Dt: r.Dt}
	}
	t, y := current.Time, current.Stocks
	effDt := r.Dt
	if t+effDt > cm.Model.Time.End {
		effDt = cm.Model.Time.End - t
	}
	probe := delays.Clone()

	k1, err := computeDynamics(cm, y, t, effDt, probe, false)
	if err != nil {
		return nil, delays, err
	}
	y2 := addScaled(y, effDt/2, k1.Rates)
	k2, err := computeDynamics(cm, y2, t+effDt/2, effDt, probe, false)
	if err != nil {
		return nil, delays, err
	}
	y3 := addScaled(y, effDt/2, k2.Rates)
	k3, err := computeDynamics(cm, y3, t+effDt/2, effDt, probe, false)
	if err != nil {
		return nil, delays, err
	}
	y4 := addScaled(y, effDt, k3.Rates)
	k4, err := computeDynamics(cm, y4, t+effDt, effDt, probe, false)
	if err != nil {
		return nil, delays, err
	}

	next := make(map[StockId]float64, len(y))
	for id := range y {
		next[id] = y[id] + (effDt/6)*(k1.Rates[id]+2*k2.Rates[id]+2*k3.Rates[id]+k4.Rates[id])
	}

	final := delays.Clone()
	dyn, err := computeDynamics(cm, next, t+effDt, effDt, final, true)
	if err != nil {
		return nil, delays, err
	}
	state := &SimState{Time: t + effDt, Stocks: next, Variables: dyn.Variables, Units: unitsFromDynamics(dyn)}
	return state, final, nil
}

//----------------------------------------------------------------------
// Adaptive Dormand-Prince 5(4)
//----------------------------------------------------------------------

// AdaptiveOptions configures the embedded-error-controlled DP5(4)
// integrator.
type AdaptiveOptions struct {
	InitialStep        float64
	MinStep            float64
	MaxStep            float64
	SafetyFactor       float64
	GrowthLimit        float64
	ShrinkLimit        float64
	AbsoluteTolerance  float64
	RelativeTolerance  float64
	// Per-stock overrides of the scalar tolerances above; absent keys
	// fall back to the scalar value.
	AbsoluteTolerances map[StockId]float64
	RelativeTolerances map[StockId]float64
	MaxAttemptsPerStep int
}

// DefaultAdaptiveOptions returns the standard controller tuning.
func DefaultAdaptiveOptions() AdaptiveOptions {
	return AdaptiveOptions{
		InitialStep:        0.1,
		MinStep:            1e-6,
		MaxStep:            10,
		SafetyFactor:       0.9,
		GrowthLimit:        5.0,
		ShrinkLimit:        0.2,
		AbsoluteTolerance:  1e-6,
		RelativeTolerance:  1e-3,
		MaxAttemptsPerStep: 12,
	}
}

// dp5 Butcher tableau (literal).
var dp5C = [7]float64{0, 1.0 / 5, 3.0 / 10, 4.0 / 5, 8.0 / 9, 1, 1}

var dp5A = [7][6]float64{
	{},
	{1.0 / 5},
	{3.0 / 40, 9.0 / 40},
	{44.0 / 45, -56.0 / 15, 32.0 / 9},
	{19372.0 / 6561, -25360.0 / 2187, 64448.0 / 6561, -212.0 / 729},
	{9017.0 / 3168, -355.0 / 33, 46732.0 / 5247, 49.0 / 176, -5103.0 / 18656},
	{35.0 / 384, 0, 500.0 / 1113, 125.0 / 192, -2187.0 / 6784, 11.0 / 84},
}

var dp5B5 = [7]float64{35.0 / 384, 0, 500.0 / 1113, 125.0 / 192, -2187.0 / 6784, 11.0 / 84, 0}
var dp5B4 = [7]float64{5179.0 / 57600, 0, 7571.0 / 16695, 393.0 / 640, -92097.0 / 339200, 187.0 / 2100, 1.0 / 40}

// AdaptiveSolver is the DP5(4) integrator with a persistent, per-instance
// current step size.
type AdaptiveSolver struct {
	Options     AdaptiveOptions
	Log         *zap.Logger // optional; nil disables step tracing
	currentStep float64
	initialized bool
}

func NewAdaptiveSolver(opts AdaptiveOptions) *AdaptiveSolver {
	s := &AdaptiveSolver{Options: opts}
	s.Reset()
	return s
}

// WithLogger attaches a structured logger that traces every step
// accept/reject decision.
func (a *AdaptiveSolver) WithLogger(log *zap.Logger) *AdaptiveSolver {
	a.Log = log
	return a
}

// Reset re-initializes the solver's step-size memory from its options.
func (a *AdaptiveSolver) Reset() {
	a.currentStep = a.Options.InitialStep
	a.initialized = true
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (a *AdaptiveSolver) dp5Stages(cm *CompiledModel, y map[StockId]float64, t, h float64, probe *DelayStateStore) ([7]map[StockId]float64, error) {
	var ks [7]map[StockId]float64
	for i := 0; i < 7; i++ {
		yi := make(map[StockId]float64, len(y))
		for id, v := range y {
			acc := v
			for j := 0; j < i; j++ {
				acc += h * dp5A[i][j] * ks[j][id]
			}
			yi[id] = acc
		}
		dyn, err := computeDynamics(cm, yi, t+dp5C[i]*h, h, probe, false)
		if err != nil {
			return ks, err
		}
		ks[i] = dyn.Rates
	}
	return ks, nil
}

func dp5Combine(y map[StockId]float64, h float64, ks [7]map[StockId]float64, weights [7]float64) map[StockId]float64 {
	out := make(map[StockId]float64, len(y))
	for id, v := range y {
		acc := v
		for i := 0; i < 7; i++ {
			acc += h * weights[i] * ks[i][id]
		}
		out[id] = acc
	}
	return out
}

func (a *AdaptiveSolver) errorNorm(y5, y4 map[StockId]float64, stocks []Stock) float64 {
	sumSq, n := 0.0, 0
	for _, s := range stocks {
		abs := a.Options.AbsoluteTolerance
		if v, ok := a.Options.AbsoluteTolerances[s.Id]; ok {
			abs = v
		}
		rel := a.Options.RelativeTolerance
		if v, ok := a.Options.RelativeTolerances[s.Id]; ok {
			rel = v
		}
		scale := abs + rel*math.Max(math.Abs(y5[s.Id]), math.Abs(y4[s.Id]))
		if scale == 0 {
			scale = abs
		}
		diff := (y5[s.Id] - y4[s.Id]) / scale
		sumSq += diff * diff
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sumSq / float64(n))
}

// Step sub-steps as many times as needed to cover current.Time .. end
// (clamped by the caller's requested dt), accepting/rejecting each
// sub-step via the DP5(4) embedded error estimate. The requested dt is
// taken from the model's TimeConfig.Step.
func (a *AdaptiveSolver) Step(cm *CompiledModel, current *SimState, delays *DelayStateStore) (*SimState, *DelayStateStore, error) {
	if !a.initialized {
		a.Reset()
	}
	requestedDt := cm.Model.Time.Step
	if requestedDt <= 0 || math.IsNaN(requestedDt) || math.IsInf(requestedDt, 0) {
		return nil, delays, &InvalidTimeStepError{Dt: requestedDt, Min: a.Options.MinStep, Max: a.Options.MaxStep}
	}

	t := current.Time
	y := make(map[StockId]float64, len(current.Stocks))
	for id, v := range current.Stocks {
		y[id] = v
	}
	remaining := math.Min(requestedDt, cm.Model.Time.End-t)
	workDelays := delays.Clone()
	var lastDyn *DynamicsResult

	for remaining > 1e-15 {
		step := a.currentStep
		if step > remaining {
			step = remaining
		}
		// Truncate (rather than fail) a final sub-step smaller than
		// MinStep: the horizon is reached with a short final hop.
		if step < a.Options.MinStep {
			step = remaining
		}

		accepted := false
		var errNorm float64
		for attempt := 1; !accepted; attempt++ {
			if attempt > a.Options.MaxAttemptsPerStep {
				return nil, delays, &ConvergenceError{Model: cm.Model.Name, TimeStep: step, ErrNorm: errNorm}
			}
			probe := workDelays.Clone()
			ks, err := a.dp5Stages(cm, y, t, step, probe)
			if err != nil {
				return nil, delays, err
			}
			y5 := dp5Combine(y, step, ks, dp5B5)
			y4 := dp5Combine(y, step, ks, dp5B4)
			errNorm = a.errorNorm(y5, y4, cm.Model.Stocks)
			factor := clampFloat(a.Options.SafetyFactor*math.Pow(errNorm, -0.2), a.Options.ShrinkLimit, a.Options.GrowthLimit)
			if errNorm <= 1 {
				accepted = true
				logStepOutcome(a.Log, attempt, step, errNorm, true)
				y = y5
				t += step
				final := workDelays.Clone()
				dyn, ferr := computeDynamics(cm, y, t, step, final, true)
				if ferr != nil {
					return nil, delays, ferr
				}
				lastDyn = dyn
				workDelays = final
				remaining -= step
				a.currentStep = clampFloat(step*factor, a.Options.MinStep, a.Options.MaxStep)
			} else {
				logStepOutcome(a.Log, attempt, step, errNorm, false)
				step = math.Max(step*factor, a.Options.MinStep)
				a.currentStep = step
				if step >= remaining {
					step = remaining
				}
			}
		}
	}

	if lastDyn == nil {
		// remaining was already ~0: return current state unchanged.
		return current, workDelays, nil
	}
	state := &SimState{Time: t, Stocks: y, Variables: lastDyn.Variables, Units: unitsFromDynamics(lastDyn)}
	return state, workDelays, nil
}
