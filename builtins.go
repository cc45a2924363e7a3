package sysdyn

import "math"

// builtinFunctions is the fixed math table consulted by Call evaluation
// once macro and generator lookups miss. Every entry requires
// dimensionless arguments and returns a dimensionless result; that check
// happens once in evalCall before dispatch here.
var builtinFunctions = map[string]func(args []Quantity) (Quantity, error){
	"abs":   unary(math.Abs),
	"acos":  unary(math.Acos),
	"asin":  unary(math.Asin),
	"atan":  unary(math.Atan),
	"ceil":  unary(math.Ceil),
	"cos":   unary(math.Cos),
	"exp":   unary(math.Exp),
	"floor": unary(math.Floor),
	"log":   unary(math.Log),
	"log10": unary(math.Log10),
	"round": unary(math.Round),
	"sin":   unary(math.Sin),
	"sqrt":  unary(math.Sqrt),
	"tan":   unary(math.Tan),
	"max": func(args []Quantity) (Quantity, error) {
		if len(args) != 2 {
			return Quantity{}, newEvalError("", "max requires 2 arguments, got %d", len(args))
		}
		if args[0].Value >= args[1].Value {
			return args[0], nil
		}
		return args[1], nil
	},
	"min": func(args []Quantity) (Quantity, error) {
		if len(args) != 2 {
			return Quantity{}, newEvalError("", "min requires 2 arguments, got %d", len(args))
		}
		if args[0].Value <= args[1].Value {
			return args[0], nil
		}
		return args[1], nil
	},
	"pow": func(args []Quantity) (Quantity, error) {
		if len(args) != 2 {
			return Quantity{}, newEvalError("", "pow requires 2 arguments, got %d", len(args))
		}
		return UnitlessQ(math.Pow(args[0].Value, args[1].Value)), nil
	},
}

func unary(f func(float64) float64) func([]Quantity) (Quantity, error) {
	return func(args []Quantity) (Quantity, error) {
		if len(args) != 1 {
			return Quantity{}, newEvalError("", "function requires exactly 1 argument, got %d", len(args))
		}
		return UnitlessQ(f(args[0].Value)), nil
	}
}

// generatorFunctions supplements the normative built-in table with the
// classic DYNAMO generator primitives (STEP/RAMP/PULSE/NOISE). Unlike
// builtinFunctions these need access to TIME (and, for NOISE, the
// context's Rand generator) so they are dispatched against the full
// EvalContext rather than bare Quantity args. NOISE fails when
// EvalContext.Rand is nil; the simulation paths do not set it.
var generatorFunctions = map[string]func(args []Quantity, ctx *EvalContext) (Quantity, error){
	"STEP": func(args []Quantity, ctx *EvalContext) (Quantity, error) {
		if len(args) != 2 {
			return Quantity{}, newEvalError(ctx.Source, "STEP requires 2 arguments, got %d", len(args))
		}
		now, err := currentTime(ctx)
		if err != nil {
			return Quantity{}, err
		}
		height, startTime := args[0], args[1]
		if now >= startTime.Value {
			return UnitlessQ(height.Value), nil
		}
		return UnitlessQ(0), nil
	},
	"RAMP": func(args []Quantity, ctx *EvalContext) (Quantity, error) {
		if len(args) != 2 {
			return Quantity{}, newEvalError(ctx.Source, "RAMP requires 2 arguments, got %d", len(args))
		}
		now, err := currentTime(ctx)
		if err != nil {
			return Quantity{}, err
		}
		slope, startTime := args[0], args[1]
		if now < startTime.Value {
			return UnitlessQ(0), nil
		}
		return UnitlessQ(slope.Value * (now - startTime.Value)), nil
	},
	"PULSE": func(args []Quantity, ctx *EvalContext) (Quantity, error) {
		if len(args) != 3 {
			return Quantity{}, newEvalError(ctx.Source, "PULSE requires 3 arguments, got %d", len(args))
		}
		now, err := currentTime(ctx)
		if err != nil {
			return Quantity{}, err
		}
		height, startTime, interval := args[0], args[1], args[2]
		if interval.Value <= 0 {
			return Quantity{}, newEvalError(ctx.Source, "PULSE interval must be positive")
		}
		phase := (now - startTime.Value) / interval.Value
		if phase >= 0 && math.Abs(phase-math.Floor(phase)) < 1e-9 {
			return UnitlessQ(height.Value), nil
		}
		return UnitlessQ(0), nil
	},
	"NOISE": func(args []Quantity, ctx *EvalContext) (Quantity, error) {
		if len(args) != 0 {
			return Quantity{}, newEvalError(ctx.Source, "NOISE takes no arguments, got %d", len(args))
		}
		if ctx.Rand == nil {
			return Quantity{}, newEvalError(ctx.Source, "NOISE requires a seeded generator in this evaluation context")
		}
		return UnitlessQ(ctx.Rand() - 0.5), nil
	},
}

func currentTime(ctx *EvalContext) (float64, error) {
	q, ok := ctx.Scope["TIME"]
	if !ok {
		return 0, newEvalError(ctx.Source, "TIME not bound in scope")
	}
	return q.Value, nil
}
