// Command sysdyn runs system-dynamics models described by a YAML
// payload: fixed-step or adaptive simulation, scenario
// comparison, Monte Carlo sampling, and parameter optimization.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dynacore/sysdyn"
)

var (
	verbose    bool
	solverName string
	logger     *zap.Logger
	rt         *sysdyn.Runtime
)

func solverFactory(tc sysdyn.TimeConfig) sysdyn.Solver {
	switch solverName {
	case "rk4":
		return sysdyn.NewRK4Solver(tc.Step)
	case "adaptive":
		opts := sysdyn.DefaultAdaptiveOptions()
		opts.InitialStep = tc.Step
		return sysdyn.NewAdaptiveSolver(opts).WithLogger(logger)
	default:
		return sysdyn.NewEulerSolver(tc.Step)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sysdyn",
	Short: "sysdyn - a system-dynamics simulation engine",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return err
		}
		rt = sysdyn.NewRuntime(logger, solverFactory)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var runCmd = &cobra.Command{
	Use:   "run <model.yaml>",
	Short: "simulate a model and print the final state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := sysdyn.LoadModelFile(args[0])
		if err != nil {
			return err
		}
		cm, err := sysdyn.Compile(m, rt.Registry)
		if err != nil {
			return err
		}
		collectStates, _ := cmd.Flags().GetBool("states")
		if collectStates {
			states, err := sysdyn.SimulateEager(cm, rt.Solver(m.Time))
			if err != nil {
				return err
			}
			return printJSON(states)
		}
		final, err := sysdyn.SimulateFinal(cm, rt.Solver(m.Time))
		if err != nil {
			return err
		}
		return printJSON(final)
	},
}

var compareCmd = &cobra.Command{
	Use:   "compare <model.yaml> <scenario.yaml>...",
	Short: "compare a baseline against one or more override scenarios",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := sysdyn.LoadModelFile(args[0])
		if err != nil {
			return err
		}
		defs := make([]sysdyn.ScenarioDefinition, 0, len(args)-1)
		for _, path := range args[1:] {
			overrides, name, err := sysdyn.LoadOverridesFile(path)
			if err != nil {
				return err
			}
			defs = append(defs, sysdyn.ScenarioDefinition{
				Id: sysdyn.NewScenarioId(), Name: name, ModelId: m.Id, Overrides: overrides,
			})
		}
		cmp, err := sysdyn.Compare(context.Background(), m, rt.Registry, rt.Solver, defs, sysdyn.ScenarioRunOptions{})
		if err != nil {
			return err
		}
		return printJSON(cmp)
	},
}

var montecarloCmd = &cobra.Command{
	Use:   "montecarlo <model.yaml>",
	Short: "run a Monte Carlo sampling pass over sampled parameters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := sysdyn.LoadModelFile(args[0])
		if err != nil {
			return err
		}
		iterations, _ := cmd.Flags().GetInt("iterations")
		metrics, _ := cmd.Flags().GetStringSlice("metric")
		paramFlags, _ := cmd.Flags().GetStringSlice("param")
		seed, _ := cmd.Flags().GetUint32("seed")

		params, err := parseUniformParams(paramFlags)
		if err != nil {
			return err
		}
		cfg := sysdyn.MonteCarloConfig{
			Iterations: iterations, Metrics: metrics, Parameters: params, Seed: seed,
		}
		result, err := sysdyn.RunMonteCarlo(context.Background(), m, rt.Registry, rt.Solver, cfg)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize <model.yaml>",
	Short: "search overridable parameters for the best objective value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := sysdyn.LoadModelFile(args[0])
		if err != nil {
			return err
		}
		metric, _ := cmd.Flags().GetString("metric")
		direction, _ := cmd.Flags().GetString("direction")
		strategyName, _ := cmd.Flags().GetString("strategy")
		iterations, _ := cmd.Flags().GetInt("iterations")
		paramFlags, _ := cmd.Flags().GetStringSlice("param")

		constraints, err := parseConstraints(paramFlags)
		if err != nil {
			return err
		}
		dir := sysdyn.Maximize
		if direction == "minimize" {
			dir = sysdyn.Minimize
		}
		ctx := &sysdyn.OptimizationContext{
			Model: m, Registry: rt.Registry, SolverFactory: rt.Solver,
			Objective:   sysdyn.Objective{Metric: metric, Direction: dir},
			Constraints: constraints,
		}
		var strategy sysdyn.OptimizationStrategy
		switch strategyName {
		case "random":
			strategy = &sysdyn.RandomSearch{Iterations: iterations}
		default:
			strategy = &sysdyn.GridSearch{StepsPerParameter: iterations}
		}
		outcome, err := sysdyn.Optimize(ctx, strategy)
		if err != nil {
			return err
		}
		return printJSON(outcome)
	},
}

// parseUniformParams parses "name:min:max" flags into uniform-sampled
// Monte Carlo parameters.
func parseUniformParams(flags []string) ([]sysdyn.ParameterSampler, error) {
	out := make([]sysdyn.ParameterSampler, 0, len(flags))
	for _, f := range flags {
		name, min, max, err := splitNameMinMax(f)
		if err != nil {
			return nil, err
		}
		out = append(out, sysdyn.ParameterSampler{Name: name, Sample: sysdyn.UniformSampler(min, max)})
	}
	return out, nil
}

// parseConstraints parses "name:min:max" flags into optimization constraints.
func parseConstraints(flags []string) ([]sysdyn.Constraint, error) {
	out := make([]sysdyn.Constraint, 0, len(flags))
	for _, f := range flags {
		name, min, max, err := splitNameMinMax(f)
		if err != nil {
			return nil, err
		}
		out = append(out, sysdyn.Constraint{Name: name, Min: min, Max: max})
	}
	return out, nil
}

func splitNameMinMax(f string) (name string, min, max float64, err error) {
	parts := strings.Split(f, ":")
	if len(parts) != 3 {
		return "", 0, 0, fmt.Errorf("expected name:min:max, got %q", f)
	}
	min, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid min in %q: %w", f, err)
	}
	max, err = strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid max in %q: %w", f, err)
	}
	return parts[0], min, max, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&solverName, "solver", "s", "euler", "solver: euler|rk4|adaptive")

	runCmd.Flags().Bool("states", false, "print every intermediate state, not just the final one")

	montecarloCmd.Flags().Int("iterations", 100, "number of Monte Carlo iterations")
	montecarloCmd.Flags().StringSlice("metric", nil, "metric name to summarize (repeatable)")
	montecarloCmd.Flags().StringSlice("param", nil, "name:min:max uniform sampler (repeatable)")
	montecarloCmd.Flags().Uint32("seed", sysdyn.DefaultMonteCarloSeed, "PRNG seed")

	optimizeCmd.Flags().String("metric", "", "objective metric name")
	optimizeCmd.Flags().String("direction", "maximize", "maximize|minimize")
	optimizeCmd.Flags().String("strategy", "grid", "grid|random")
	optimizeCmd.Flags().Int("iterations", 5, "grid steps per parameter, or random draw count")
	optimizeCmd.Flags().StringSlice("param", nil, "name:min:max constraint (repeatable)")

	rootCmd.AddCommand(runCmd, compareCmd, montecarloCmd, optimizeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
