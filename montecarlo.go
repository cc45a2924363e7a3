package sysdyn

import (
	"context"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"
)

// DefaultMonteCarloSeed is the golden-ratio mulberry32 default seed.
const DefaultMonteCarloSeed uint32 = 0x9e3779b9

// mulberry32 is a deterministic 32-bit PRNG. It is implemented bit for
// bit (state += 0x6D2B79F5 per draw, then a fixed xor-shift-multiply
// mix) rather than on top of math/rand, so Monte Carlo runs reproduce
// across implementations of the same generator. It is intentionally not
// cryptographically strong.
type mulberry32 struct {
	state uint32
}

func newMulberry32(seed uint32) *mulberry32 { return &mulberry32{state: seed} }

// nextUint32 advances the generator and returns the raw mixed output.
func (m *mulberry32) nextUint32() uint32 {
	m.state += 0x6D2B79F5
	t := m.state
	t = (t ^ (t >> 15)) * (t | 1)
	t ^= t + (t^(t>>7))*(t|61)
	t ^= t >> 14
	return t
}

// Float64 returns a uniform value in [0, 1).
func (m *mulberry32) Float64() float64 {
	return float64(m.nextUint32()) / 4294967296
}

// ParameterSampler draws one Monte Carlo parameter's value per iteration.
type ParameterSampler struct {
	Name   string
	Sample func(rng *mulberry32) float64
}

// UniformSampler draws from a uniform distribution over [min, max].
func UniformSampler(min, max float64) func(rng *mulberry32) float64 {
	return func(rng *mulberry32) float64 { return min + rng.Float64()*(max-min) }
}

// MonteCarloConfig configures RunMonteCarlo.
type MonteCarloConfig struct {
	Iterations  int
	Metrics     []string
	Parameters  []ParameterSampler
	Percentiles []float64 // defaults to {0.5, 0.9, 0.95}
	Seed        uint32    // defaults to DefaultMonteCarloSeed
	AtTime      *float64  // state nearest this time is sampled; nil means the final state
	Concurrency int       // <=1 forces serial execution
}

// MetricSummary is one metric's aggregate statistics across iterations.
type MetricSummary struct {
	Name        string
	Mean        float64
	Variance    float64 // sample variance (n-1 denominator)
	Min         float64
	Max         float64
	Percentiles map[float64]float64
}

// MonteCarloResult is the aggregated outcome of a Monte Carlo run.
type MonteCarloResult struct {
	Iterations int
	Metrics    []MetricSummary
}

// RunMonteCarlo draws cfg.Iterations independent parameter samples (each
// from its own mulberry32 sub-stream derived from a single seed sequence,
// so results are identical whether iterations run serially or
// concurrently), simulates the resulting scenario, and aggregates the
// requested metrics at cfg.AtTime (or the final state when unset).
func RunMonteCarlo(ctx context.Context, m *Model, registry *UnitRegistry, solverFactory func(TimeConfig) Solver, cfg MonteCarloConfig) (*MonteCarloResult, error) {
	if cfg.Iterations <= 0 {
		return nil, &MonteCarloConfigurationError{Reason: "iterations must be positive"}
	}
	if len(cfg.Metrics) == 0 {
		return nil, &MonteCarloConfigurationError{Reason: "at least one metric is required"}
	}
	if len(cfg.Parameters) == 0 {
		return nil, &MonteCarloConfigurationError{Reason: "at least one sampled parameter is required"}
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = DefaultMonteCarloSeed
	}
	percentiles := normalizePercentiles(cfg.Percentiles)

	seedGen := newMulberry32(seed)
	iterSeeds := make([]uint32, cfg.Iterations)
	for i := range iterSeeds {
		iterSeeds[i] = seedGen.nextUint32()
	}

	samples := make([][]float64, len(cfg.Metrics)) // [metricIdx][iteration]
	for i := range samples {
		samples[i] = make([]float64, cfg.Iterations)
	}
	errs := make([]error, cfg.Iterations)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Concurrency > 1 {
		g.SetLimit(cfg.Concurrency)
	} else {
		g.SetLimit(1)
	}
	for i := 0; i < cfg.Iterations; i++ {
		i := i
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			rng := newMulberry32(iterSeeds[i])
			overrides := make(map[string]float64, len(cfg.Parameters))
			for _, p := range cfg.Parameters {
				overrides[p.Name] = p.Sample(rng)
			}
			var state *SimState
			var err error
			if cfg.AtTime != nil {
				state, err = evaluateAt(m, registry, solverFactory, overrides, *cfg.AtTime)
			} else {
				state, err = evaluateFinal(m, registry, solverFactory, overrides)
			}
			if err != nil {
				errs[i] = err
				return nil // fail-fast happens after the loop, per iteration index
			}
			for mi, metricName := range cfg.Metrics {
				v, err := metricValue(m, state, metricName)
				if err != nil {
					errs[i] = err
					return nil
				}
				samples[mi][i] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	metrics := make([]MetricSummary, len(cfg.Metrics))
	for i, name := range cfg.Metrics {
		metrics[i] = summarize(name, samples[i], percentiles)
	}
	return &MonteCarloResult{Iterations: cfg.Iterations, Metrics: metrics}, nil
}

func normalizePercentiles(in []float64) []float64 {
	ps := in
	if len(ps) == 0 {
		ps = []float64{0.5, 0.9, 0.95}
	}
	clamped := make([]float64, len(ps))
	for i, p := range ps {
		clamped[i] = clampFloat(p, 0, 1)
	}
	sort.Float64s(clamped)
	out := clamped[:0]
	for i, p := range clamped {
		if i == 0 || p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}

func summarize(name string, values []float64, percentiles []float64) MetricSummary {
	n := len(values)
	sum := 0.0
	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := sum / float64(n)
	variance := 0.0
	if n > 1 {
		sq := 0.0
		for _, v := range values {
			d := v - mean
			sq += d * d
		}
		variance = sq / float64(n-1)
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	pcts := make(map[float64]float64, len(percentiles))
	for _, p := range percentiles {
		pcts[p] = percentileOf(sorted, p)
	}
	return MetricSummary{Name: name, Mean: mean, Variance: variance, Min: min, Max: max, Percentiles: pcts}
}

func percentileOf(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	idx := p * float64(n-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// evaluateAt applies overrides, simulates eagerly, and returns the state
// nearest atTime: the first state whose time >= atTime, or the final
// state if none qualifies. Callers that always want the final state use
// evaluateFinal instead of passing a sentinel time, since the simulation
// start time is a model property and may lie anywhere on the axis.
func evaluateAt(m *Model, registry *UnitRegistry, solverFactory func(TimeConfig) Solver, overrides map[string]float64, atTime float64) (*SimState, error) {
	overridden, err := ApplyOverrides(m, overrides, "")
	if err != nil {
		return nil, err
	}
	cm, err := Compile(overridden, registry)
	if err != nil {
		return nil, err
	}
	solver := solverFactory(overridden.Time)
	states, err := simulateEager(cm, solver)
	if err != nil {
		return nil, err
	}
	for _, s := range states {
		if s.Time >= atTime {
			return s, nil
		}
	}
	return states[len(states)-1], nil
}

// evaluateFinal applies overrides and returns the simulation's final state.
func evaluateFinal(m *Model, registry *UnitRegistry, solverFactory func(TimeConfig) Solver, overrides map[string]float64) (*SimState, error) {
	overridden, err := ApplyOverrides(m, overrides, "")
	if err != nil {
		return nil, err
	}
	cm, err := Compile(overridden, registry)
	if err != nil {
		return nil, err
	}
	return simulateFinal(cm, solverFactory(overridden.Time))
}

func metricValue(m *Model, state *SimState, name string) (float64, error) {
	if s, ok := m.StockByName(name); ok {
		if v, ok := state.Stocks[s.Id]; ok {
			return v, nil
		}
	}
	if v, ok := m.VariableByName(name); ok {
		if val, ok := state.Variables[v.Id]; ok {
			return val, nil
		}
	}
	return 0, &ScenarioMetricNotFoundError{Name: name}
}
