package sysdyn

import "go.uber.org/zap"

// Runtime bundles a UnitRegistry with an optional structured logger and
// a solver factory, so CLI callers build the plumbing once and draw the
// registry and solver for each subcommand from a single value.
type Runtime struct {
	Registry *UnitRegistry
	Log      *zap.Logger
	Solver   func(TimeConfig) Solver
}

// NewRuntime returns a Runtime with the default unit registry. A nil
// logger is replaced with zap.NewNop() so callers never need a nil
// check before logging.
func NewRuntime(log *zap.Logger, solverFactory func(TimeConfig) Solver) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runtime{Registry: NewUnitRegistry(), Log: log, Solver: solverFactory}
}

// logStepOutcome emits a debug-level record of one solver step's accept/
// reject outcome, used by the adaptive solver's attempt loop when a
// Runtime's logger is threaded through.
func logStepOutcome(log *zap.Logger, attempt int, step, errNorm float64, accepted bool) {
	if log == nil {
		return
	}
	log.Debug("adaptive solver step",
		zap.Int("attempt", attempt),
		zap.Float64("step", step),
		zap.Float64("err_norm", errNorm),
		zap.Bool("accepted", accepted),
	)
}
