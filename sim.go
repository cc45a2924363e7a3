package sysdyn

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// SimState is one point in a simulation trajectory: the time, every
// stock's current value, every variable's last-computed value, and the
// unit snapshot that produced them.
type SimState struct {
	Time      float64
	Stocks    map[StockId]float64
	Variables map[VariableId]float64
	Units     SimUnits
}

// ErrNoSuchElement is returned by simulateFinal when a simulation
// produced no steps.
var ErrNoSuchElement = errors.New("sysdyn: simulation produced no states")

func initialState(cm *CompiledModel) *SimState {
	stocks := make(map[StockId]float64, len(cm.Model.Stocks))
	for _, s := range cm.Model.Stocks {
		stocks[s.Id] = s.InitialValue
	}
	return &SimState{
		Time:      cm.Model.Time.Start,
		Stocks:    stocks,
		Variables: map[VariableId]float64{},
		Units: SimUnits{
			Stocks:    cm.StockUnits,
			Variables: map[VariableId]UnitMap{},
			Rates:     map[StockId]UnitMap{},
			Time:      cm.TimeUnit,
		},
	}
}

// StateIterator is a pull-based lazy sequence of SimState, terminating
// once the final accepted state's time reaches the model's end time or
// the bound solver returns an error.
type StateIterator struct {
	cm     *CompiledModel
	solver Solver
	delays *DelayStateStore
	state  *SimState
	done   bool
	err    error
}

// simulate returns a lazy iterator starting at the model's initial
// state. Each Next() call advances by one bound-solver step.
func simulate(cm *CompiledModel, solver Solver) *StateIterator {
	return &StateIterator{cm: cm, solver: solver, delays: NewDelayStateStore(), state: initialState(cm)}
}

// Next advances the iterator by one solver step, returning the new
// state. ok is false once the simulation has completed (Err reports
// whether that was due to an error or normal completion at end time).
func (it *StateIterator) Next() (state *SimState, ok bool) {
	if it.done {
		return nil, false
	}
	if it.state.Time >= it.cm.Model.Time.End {
		it.done = true
		return nil, false
	}
	next, delays, err := it.solver.Step(it.cm, it.state, it.delays)
	if err != nil {
		it.err = err
		it.done = true
		return nil, false
	}
	it.delays = delays
	it.state = next
	return next, true
}

// Err reports the first error encountered, if the iterator stopped early.
func (it *StateIterator) Err() error { return it.err }

// Current returns the iterator's current state (the initial state before
// the first Next() call).
func (it *StateIterator) Current() *SimState { return it.state }

// simulateEager drains simulate(cm, solver) into a slice, starting with
// the initial state.
func simulateEager(cm *CompiledModel, solver Solver) ([]*SimState, error) {
	states := []*SimState{initialState(cm)}
	it := simulate(cm, solver)
	for {
		s, ok := it.Next()
		if !ok {
			break
		}
		states = append(states, s)
	}
	return states, it.Err()
}

// simulateFinal returns only the last state reached, or ErrNoSuchElement
// if the model's time config permits no steps at all.
func simulateFinal(cm *CompiledModel, solver Solver) (*SimState, error) {
	it := simulate(cm, solver)
	var last *SimState
	for {
		s, ok := it.Next()
		if !ok {
			break
		}
		last = s
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrNoSuchElement
	}
	return last, nil
}

// Simulate returns a lazy iterator over cm's states, advancing one
// solver step per Next() call.
func Simulate(cm *CompiledModel, solver Solver) *StateIterator { return simulate(cm, solver) }

// SimulateEager drains a full simulation into a slice.
func SimulateEager(cm *CompiledModel, solver Solver) ([]*SimState, error) {
	return simulateEager(cm, solver)
}

// SimulateFinal returns only the last state reached.
func SimulateFinal(cm *CompiledModel, solver Solver) (*SimState, error) {
	return simulateFinal(cm, solver)
}

// SimulateParallel runs multiple compiled models concurrently.
func SimulateParallel(ctx context.Context, targets []SimulationTarget, options ParallelOptions) ([]ParallelResult, error) {
	return simulateParallel(ctx, targets, options)
}

// SimulationTarget names one model+solver pair for simulateParallel.
type SimulationTarget struct {
	Name   string
	Model  *CompiledModel
	Solver Solver
}

// ParallelOptions configures simulateParallel.
type ParallelOptions struct {
	CollectStates bool
	Parallelism   int // <=0 means unbounded
}

// ParallelResult is one target's outcome from simulateParallel.
type ParallelResult struct {
	Name   string
	Final  *SimState
	States []*SimState // populated only if CollectStates
	Err    error
}

// simulateParallel runs multiple models concurrently on a work-stealing
// pool bounded by options.Parallelism. Each target's
// error is captured per-result rather than aborting siblings, since
// kernel callers (scenario compare) decide fail-fast policy
// themselves.
func simulateParallel(ctx context.Context, targets []SimulationTarget, options ParallelOptions) ([]ParallelResult, error) {
	results := make([]ParallelResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	if options.Parallelism > 0 {
		g.SetLimit(options.Parallelism)
	}
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			results[i] = runTarget(gctx, target, options.CollectStates)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runTarget drives one target's simulation step by step, checking for
// cancellation between steps.
func runTarget(ctx context.Context, target SimulationTarget, collect bool) ParallelResult {
	it := simulate(target.Model, target.Solver)
	var states []*SimState
	if collect {
		states = append(states, it.Current())
	}
	var last *SimState
	for {
		select {
		case <-ctx.Done():
			return ParallelResult{Name: target.Name, Err: ctx.Err()}
		default:
		}
		s, ok := it.Next()
		if !ok {
			break
		}
		last = s
		if collect {
			states = append(states, s)
		}
	}
	if err := it.Err(); err != nil {
		return ParallelResult{Name: target.Name, Err: err}
	}
	if last == nil && !collect {
		return ParallelResult{Name: target.Name, Err: ErrNoSuchElement}
	}
	final := last
	if final == nil {
		final = it.Current()
	}
	return ParallelResult{Name: target.Name, Final: final, States: states}
}
