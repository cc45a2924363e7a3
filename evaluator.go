package sysdyn

import (
	"math"
	"strings"
)

// DelayStateEntry holds the per-equation stage memory for one DELAY1,
// DELAY3, SMOOTH or SMOOTH3 node, keyed by the node's stable AST id.
// Stage count is 1 for single-stage primitives and 3
// for cascaded ones; units are frozen at first evaluation.
type DelayStateEntry struct {
	Stages []float64
	Units  UnitMap
}

func (e *DelayStateEntry) clone() *DelayStateEntry {
	stages := make([]float64, len(e.Stages))
	copy(stages, e.Stages)
	return &DelayStateEntry{Stages: stages, Units: e.Units}
}

// DelayStateStore is the run-scoped map of delay/smooth node id to its
// stage memory. RK4 and the adaptive solver clone a store per probing
// attempt and only merge it back into the persistent store on accept.
type DelayStateStore struct {
	entries map[string]*DelayStateEntry
}

// NewDelayStateStore returns an empty store.
func NewDelayStateStore() *DelayStateStore {
	return &DelayStateStore{entries: make(map[string]*DelayStateEntry)}
}

// Clone deep-copies the store so a solver probe can mutate it without
// affecting the committed run state.
func (s *DelayStateStore) Clone() *DelayStateStore {
	out := &DelayStateStore{entries: make(map[string]*DelayStateEntry, len(s.entries))}
	for k, v := range s.entries {
		out.entries[k] = v.clone()
	}
	return out
}

// Merge replaces this store's entries with other's, used when a solver
// attempt is accepted.
func (s *DelayStateStore) Merge(other *DelayStateStore) {
	s.entries = other.entries
}

func (s *DelayStateStore) get(id string) (*DelayStateEntry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

func (s *DelayStateStore) set(id string, e *DelayStateEntry) {
	s.entries[id] = e
}

// EvalContext bundles everything Eval needs to walk an Equation's AST
// against a scope.
type EvalContext struct {
	Scope    map[string]Quantity
	Source   string
	Delays   *DelayStateStore
	Commit   bool
	Macros   map[string]*FunctionDef
	Rand     func() float64 // backing generator for NOISE; nil disables it
	callStack []string
}

// NewEvalContext builds a context from an equation's collected macros.
func NewEvalContext(scope map[string]Quantity, source string, delays *DelayStateStore, commit bool, macros []*FunctionDef) *EvalContext {
	m := make(map[string]*FunctionDef, len(macros))
	for _, fn := range macros {
		m[fn.Name] = fn
	}
	return &EvalContext{Scope: scope, Source: source, Delays: delays, Commit: commit, Macros: m}
}

func (c *EvalContext) child(scope map[string]Quantity) *EvalContext {
	return &EvalContext{
		Scope: scope, Source: c.Source, Delays: c.Delays, Commit: c.Commit,
		Macros: c.Macros, Rand: c.Rand, callStack: c.callStack,
	}
}

// Eval evaluates an equation body against ctx.
func Eval(body Node, ctx *EvalContext) (Quantity, error) {
	switch n := body.(type) {
	case *QuantityLiteral:
		units := Unitless()
		if n.Units != nil {
			units = *n.Units
		}
		return Q(n.Value, units), nil

	case *BooleanLiteral:
		if n.Value {
			return UnitlessQ(1), nil
		}
		return UnitlessQ(0), nil

	case *Ref:
		q, ok := ctx.Scope[n.Name]
		if !ok {
			return Quantity{}, newEvalError(ctx.Source, "identifier not found: %s", n.Name)
		}
		return q, nil

	case *Time:
		name := timeAliasName(n.Kind)
		q, ok := ctx.Scope[name]
		if !ok {
			return Quantity{}, newEvalError(ctx.Source, "time alias not bound in scope: %s", name)
		}
		return q, nil

	case *Unary:
		return evalUnary(n, ctx)

	case *Binary:
		return evalBinary(n, ctx)

	case *IfChain:
		return evalIfChain(n, ctx)

	case *Call:
		return evalCall(n, ctx)

	case *Lookup1D:
		return evalLookup1D(n, ctx)

	case *Delay:
		return evalDelay(n, ctx)
	}
	return Quantity{}, newEvalError(ctx.Source, "unsupported AST node")
}

func timeAliasName(kind TimeRefKind) string {
	switch kind {
	case TimeStep:
		return "TIME STEP"
	case TimeInitial:
		return "INITIAL TIME"
	case TimeFinal:
		return "FINAL TIME"
	default:
		return "TIME"
	}
}

func evalUnary(n *Unary, ctx *EvalContext) (Quantity, error) {
	v, err := Eval(n.Operand, ctx)
	if err != nil {
		return Quantity{}, err
	}
	switch n.Op {
	case UnaryNeg:
		return v.Neg(), nil
	case UnaryPos:
		return v, nil
	case UnaryNot:
		if isTruthy(v) {
			return UnitlessQ(0), nil
		}
		return UnitlessQ(1), nil
	}
	return Quantity{}, newEvalError(ctx.Source, "unsupported unary operator")
}

func isTruthy(q Quantity) bool { return q.Value != 0 }

func boolQuantity(b bool) Quantity {
	if b {
		return UnitlessQ(1)
	}
	return UnitlessQ(0)
}

func evalBinary(n *Binary, ctx *EvalContext) (Quantity, error) {
	left, err := Eval(n.Left, ctx)
	if err != nil {
		return Quantity{}, err
	}
	right, err := Eval(n.Right, ctx)
	if err != nil {
		return Quantity{}, err
	}
	switch n.Op {
	case BinAdd:
		return left.Add(right)
	case BinSub:
		return left.Sub(right)
	case BinMul:
		return left.Mul(right), nil
	case BinDiv:
		return left.Div(right), nil
	case BinMod:
		if !left.IsUnitless() || !right.IsUnitless() {
			return Quantity{}, newEvalError(ctx.Source, "%% requires dimensionless operands")
		}
		return UnitlessQ(math.Mod(left.Value, right.Value)), nil
	case BinPow:
		if !right.IsUnitless() {
			return Quantity{}, newEvalError(ctx.Source, "exponent must be dimensionless")
		}
		return left.Pow(right.Value)
	case BinEq:
		eq, err := left.EqualValue(right)
		if err != nil {
			return Quantity{}, err
		}
		return boolQuantity(eq), nil
	case BinNeq:
		eq, err := left.EqualValue(right)
		if err != nil {
			return Quantity{}, err
		}
		return boolQuantity(!eq), nil
	case BinLt, BinLte, BinGt, BinGte:
		if !left.Units.Equal(right.Units) {
			return Quantity{}, newEvalError(ctx.Source, "unit mismatch in comparison: %s vs %s", left.Units, right.Units)
		}
		switch n.Op {
		case BinLt:
			return boolQuantity(left.Value < right.Value), nil
		case BinLte:
			return boolQuantity(left.Value <= right.Value), nil
		case BinGt:
			return boolQuantity(left.Value > right.Value), nil
		default:
			return boolQuantity(left.Value >= right.Value), nil
		}
	case BinAnd:
		return boolQuantity(isTruthy(left) && isTruthy(right)), nil
	case BinOr:
		return boolQuantity(isTruthy(left) || isTruthy(right)), nil
	case BinXor:
		return boolQuantity(isTruthy(left) != isTruthy(right)), nil
	}
	return Quantity{}, newEvalError(ctx.Source, "unsupported binary operator")
}

func evalIfChain(n *IfChain, ctx *EvalContext) (Quantity, error) {
	for _, branch := range n.Branches {
		cond, err := Eval(branch.Cond, ctx)
		if err != nil {
			return Quantity{}, err
		}
		if isTruthy(cond) {
			return Eval(branch.Then, ctx)
		}
	}
	if n.Else != nil {
		return Eval(n.Else, ctx)
	}
	return Quantity{}, newEvalError(ctx.Source, "no IF branch matched and no ELSE present")
}

func evalCall(n *Call, ctx *EvalContext) (Quantity, error) {
	if macro, ok := ctx.Macros[n.Name]; ok {
		return evalMacro(n, macro, ctx)
	}
	args := make([]Quantity, len(n.Args))
	for i, a := range n.Args {
		v, err := Eval(a, ctx)
		if err != nil {
			return Quantity{}, err
		}
		args[i] = v
	}
	if fn, ok := generatorFunctions[strings.ToUpper(n.Name)]; ok {
		return fn(args, ctx)
	}
	if fn, ok := builtinFunctions[strings.ToLower(n.Name)]; ok {
		for _, a := range args {
			if !a.IsUnitless() {
				return Quantity{}, newEvalError(ctx.Source, "built-in %s requires dimensionless arguments", n.Name)
			}
		}
		return fn(args)
	}
	return Quantity{}, newEvalError(ctx.Source, "unsupported function: %s", n.Name)
}

func evalMacro(call *Call, macro *FunctionDef, ctx *EvalContext) (Quantity, error) {
	for _, name := range ctx.callStack {
		if name == macro.Name {
			return Quantity{}, newEvalError(ctx.Source, "recursive macro invocation: %s", macro.Name)
		}
	}
	if len(call.Args) != len(macro.Params) {
		return Quantity{}, newEvalError(ctx.Source, "macro %s expects %d argument(s), got %d", macro.Name, len(macro.Params), len(call.Args))
	}
	childScope := make(map[string]Quantity, len(macro.Params))
	for i, param := range macro.Params {
		v, err := Eval(call.Args[i], ctx)
		if err != nil {
			return Quantity{}, err
		}
		childScope[param] = v
	}
	childCtx := ctx.child(childScope)
	childCtx.callStack = append(append([]string{}, ctx.callStack...), macro.Name)
	return Eval(macro.Body, childCtx)
}

func evalLookup1D(n *Lookup1D, ctx *EvalContext) (Quantity, error) {
	arg, err := Eval(n.Arg, ctx)
	if err != nil {
		return Quantity{}, err
	}
	xUnits := Unitless()
	if n.XUnits != nil {
		xUnits = *n.XUnits
	}
	if !arg.Units.Equal(xUnits) {
		return Quantity{}, newEvalError(ctx.Source, "lookup argument units %s do not match declared x-units %s", arg.Units, xUnits)
	}
	for i := 1; i < len(n.Points); i++ {
		if n.Points[i].X <= n.Points[i-1].X {
			return Quantity{}, newEvalError(ctx.Source, "lookup table x values must be strictly increasing")
		}
	}
	x := arg.Value
	points := n.Points
	yUnits := Unitless()
	if n.YUnits != nil {
		yUnits = *n.YUnits
	}
	if x <= points[0].X {
		return Q(points[0].Y, yUnits), nil
	}
	last := len(points) - 1
	if x >= points[last].X {
		return Q(points[last].Y, yUnits), nil
	}
	for i := 1; i <= last; i++ {
		if x <= points[i].X {
			p0, p1 := points[i-1], points[i]
			frac := (x - p0.X) / (p1.X - p0.X)
			return Q(p0.Y+(p1.Y-p0.Y)*frac, yUnits), nil
		}
	}
	return Q(points[last].Y, yUnits), nil
}

// lookupPoly performs Newton divided-difference polynomial interpolation
// over equidistant, normalized-domain samples. Not reachable from the DSL
// grammar; kept for callers that need smoother curves than Lookup1D's
// piecewise-linear table (e.g. precomputed TABPL-style coefficients).
func lookupPoly(xNorm float64, coeffs []float64) float64 {
	n := len(coeffs)
	if n == 0 {
		return 0
	}
	step := 1.0 / float64(n-1)
	y := 0.0
	for j := 0; j < n; j++ {
		term := coeffs[j]
		for i := 0; i < j; i++ {
			term *= xNorm - float64(i)*step
		}
		y += term
	}
	return y
}

// newtonDividedDifferences precomputes the coefficients lookupPoly needs
// from equidistant sample values.
func newtonDividedDifferences(samples []float64) []float64 {
	n := len(samples)
	step := 1.0 / float64(n-1)
	var a func(m, j int) float64
	memo := make(map[[2]int]float64)
	a = func(m, j int) float64 {
		if m == j {
			return samples[m]
		}
		key := [2]int{m, j}
		if v, ok := memo[key]; ok {
			return v
		}
		v := (a(m+1, j) - a(m, j-1)) / (float64(j-m) * step)
		memo[key] = v
		return v
	}
	out := make([]float64, n)
	for j := 0; j < n; j++ {
		out[j] = a(0, j)
	}
	return out
}

func evalDelay(n *Delay, ctx *EvalContext) (Quantity, error) {
	dt, ok := ctx.Scope["TIME STEP"]
	if !ok {
		return Quantity{}, newEvalError(ctx.Source, "DELAY/SMOOTH requires TIME STEP in scope")
	}
	input, err := Eval(n.Input, ctx)
	if err != nil {
		return Quantity{}, err
	}
	tau, err := Eval(n.Tau, ctx)
	if err != nil {
		return Quantity{}, err
	}
	if !tau.Units.Equal(dt.Units) {
		return Quantity{}, newEvalError(ctx.Source, "delay tau units %s must match TIME STEP units %s", tau.Units, dt.Units)
	}
	if tau.Value <= 0 {
		return Quantity{}, newEvalError(ctx.Source, "delay tau must be positive, got %g", tau.Value)
	}

	id := n.ID()
	entry, exists := ctx.Delays.get(id)
	stageCount := 1
	if n.Kind == Delay3 || n.Kind == Smooth3 {
		stageCount = 3
	}
	if !exists {
		initVal := input
		if n.Init != nil {
			initVal, err = Eval(n.Init, ctx)
			if err != nil {
				return Quantity{}, err
			}
		}
		stages := make([]float64, stageCount)
		for i := range stages {
			stages[i] = initVal.Value
		}
		entry = &DelayStateEntry{Stages: stages, Units: initVal.Units}
	}

	working := entry
	if !ctx.Commit {
		working = entry.clone()
	}

	var output float64
	switch n.Kind {
	case Delay1:
		alpha := clamp01(dt.Value / tau.Value)
		working.Stages[0] += alpha * (input.Value - working.Stages[0])
		output = working.Stages[0]
	case Smooth:
		alpha := clamp01(dt.Value / tau.Value)
		working.Stages[0] += alpha * (input.Value - working.Stages[0])
		output = working.Stages[0]
	case Delay3, Smooth3:
		alpha := clamp01(dt.Value / (tau.Value / 3))
		prev := input.Value
		for i := 0; i < 3; i++ {
			next := working.Stages[i] + alpha*(prev-working.Stages[i])
			working.Stages[i] = next
			prev = next
		}
		output = working.Stages[2]
	}

	if ctx.Commit {
		ctx.Delays.set(id, working)
	}
	return Q(output, working.Units), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
