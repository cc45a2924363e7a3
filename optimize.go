package sysdyn

// ObjectiveDirection selects whether optimization maximizes or minimizes
// the objective metric.
type ObjectiveDirection string

const (
	Maximize ObjectiveDirection = "maximize"
	Minimize ObjectiveDirection = "minimize"
)

// Objective names the metric optimization seeks to extremize, and the
// time at which it is measured. A nil AtTime measures the final state.
type Objective struct {
	Metric    string
	AtTime    *float64
	Direction ObjectiveDirection
}

// Constraint bounds one overridable parameter's search range.
type Constraint struct {
	Name string
	Min  float64
	Max  float64
}

// OptimizationOutcome is a strategy's result: the best parameter
// assignment found, its objective value, and how many trials it took.
type OptimizationOutcome struct {
	BestParameters map[string]float64
	BestValue      float64
	Iterations     int
}

// OptimizationContext bundles everything a strategy needs to evaluate
// trial parameter assignments.
type OptimizationContext struct {
	Model         *Model
	Registry      *UnitRegistry
	SolverFactory func(TimeConfig) Solver
	Objective     Objective
	Constraints   []Constraint
}

// OptimizationStrategy is a pluggable search procedure over
// ctx.Constraints.
type OptimizationStrategy interface {
	Name() string
	Optimize(ctx *OptimizationContext) (*OptimizationOutcome, error)
}

// evaluateObjective applies overrides, simulates, and returns the
// objective metric's value at the state nearest ctx.Objective.AtTime,
// or at the final state when no time is set.
func evaluateObjective(ctx *OptimizationContext, overrides map[string]float64) (float64, error) {
	var state *SimState
	var err error
	if ctx.Objective.AtTime != nil {
		state, err = evaluateAt(ctx.Model, ctx.Registry, ctx.SolverFactory, overrides, *ctx.Objective.AtTime)
	} else {
		state, err = evaluateFinal(ctx.Model, ctx.Registry, ctx.SolverFactory, overrides)
	}
	if err != nil {
		return 0, err
	}
	return metricValue(ctx.Model, state, ctx.Objective.Metric)
}

// better reports whether candidate beats current given the objective's
// direction. Ties never displace the current best, so the first point
// reaching a value wins.
func better(direction ObjectiveDirection, candidate, current float64) bool {
	if direction == Minimize {
		return candidate < current
	}
	return candidate > current
}

// Optimize runs the given strategy (or GridSearch, if none is supplied)
// over ctx's constraints and returns its outcome.
func Optimize(ctx *OptimizationContext, strategy OptimizationStrategy) (*OptimizationOutcome, error) {
	if strategy == nil {
		strategy = &GridSearch{}
	}
	return strategy.Optimize(ctx)
}

//----------------------------------------------------------------------
// Grid search
//----------------------------------------------------------------------

// GridSearch evaluates the Cartesian product of evenly spaced samples
// per constraint; each constraint contributes max(2, StepsPerParameter)
// samples between its Min and Max.
type GridSearch struct {
	StepsPerParameter int // defaults to 5
}

func (g *GridSearch) Name() string { return "grid" }

func gridSamples(c Constraint, steps int) []float64 {
	if steps < 2 {
		steps = 2
	}
	out := make([]float64, steps)
	if steps == 1 {
		out[0] = c.Min
		return out
	}
	span := c.Max - c.Min
	for i := 0; i < steps; i++ {
		out[i] = c.Min + span*float64(i)/float64(steps-1)
	}
	return out
}

func (g *GridSearch) Optimize(ctx *OptimizationContext) (*OptimizationOutcome, error) {
	steps := g.StepsPerParameter
	if steps <= 0 {
		steps = 5
	}
	if steps < 2 {
		steps = 2
	}

	axes := make([][]float64, len(ctx.Constraints))
	for i, c := range ctx.Constraints {
		axes[i] = gridSamples(c, steps)
	}

	var best *OptimizationOutcome
	combo := make([]int, len(axes))
	iterations := 0

	var recurse func(dim int) error
	recurse = func(dim int) error {
		if dim == len(axes) {
			overrides := make(map[string]float64, len(ctx.Constraints))
			for i, c := range ctx.Constraints {
				overrides[c.Name] = axes[i][combo[i]]
			}
			value, err := evaluateObjective(ctx, overrides)
			if err != nil {
				return err
			}
			iterations++
			if best == nil || better(ctx.Objective.Direction, value, best.BestValue) {
				params := make(map[string]float64, len(overrides))
				for k, v := range overrides {
					params[k] = v
				}
				best = &OptimizationOutcome{BestParameters: params, BestValue: value}
			}
			return nil
		}
		for i := range axes[dim] {
			combo[dim] = i
			if err := recurse(dim + 1); err != nil {
				return err
			}
		}
		return nil
	}

	if len(axes) == 0 {
		value, err := evaluateObjective(ctx, map[string]float64{})
		if err != nil {
			return nil, err
		}
		return &OptimizationOutcome{BestParameters: map[string]float64{}, BestValue: value, Iterations: 1}, nil
	}
	if err := recurse(0); err != nil {
		return nil, err
	}
	best.Iterations = iterations
	return best, nil
}

//----------------------------------------------------------------------
// Random search
//----------------------------------------------------------------------

// RandomSearch draws Iterations uniform samples within each constraint,
// always evaluating the zero-override baseline first.
type RandomSearch struct {
	Iterations int
	Seed       uint32 // defaults to DefaultMonteCarloSeed
}

func (r *RandomSearch) Name() string { return "random" }

func (r *RandomSearch) Optimize(ctx *OptimizationContext) (*OptimizationOutcome, error) {
	iterations := r.Iterations
	if iterations <= 0 {
		iterations = 1
	}
	seed := r.Seed
	if seed == 0 {
		seed = DefaultMonteCarloSeed
	}
	rng := newMulberry32(seed)

	baselineValue, err := evaluateObjective(ctx, map[string]float64{})
	if err != nil {
		return nil, err
	}
	best := &OptimizationOutcome{BestParameters: map[string]float64{}, BestValue: baselineValue, Iterations: 1}

	for i := 0; i < iterations; i++ {
		overrides := make(map[string]float64, len(ctx.Constraints))
		for _, c := range ctx.Constraints {
			overrides[c.Name] = c.Min + rng.Float64()*(c.Max-c.Min)
		}
		value, err := evaluateObjective(ctx, overrides)
		if err != nil {
			return nil, err
		}
		best.Iterations++
		if better(ctx.Objective.Direction, value, best.BestValue) {
			params := make(map[string]float64, len(overrides))
			for k, v := range overrides {
				params[k] = v
			}
			best = &OptimizationOutcome{BestParameters: params, BestValue: value, Iterations: best.Iterations}
		}
	}
	return best, nil
}
