// Command fern runs the Fern execution engine against its built-in sample
// programs and exposes engine diagnostics.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fernlang/fern"
	"github.com/fernlang/fern/dis"
	"github.com/fernlang/fern/tier"
)

var version = "dev"

var (
	flagVerbose bool
	flagNoColor bool
	flagN       int
	flagCalls   int
	flagStats   bool
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fern",
		Short:         "Tiered execution engine for Fern bytecode",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagNoColor || !isatty.IsTerminal(os.Stdout.Fd()) {
				color.NoColor = true
			}
		},
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "disable colored output")
	root.AddCommand(demoCommand(), disCommand())
	return root
}

func newEngine() *fern.Engine {
	opts := []fern.Option{}
	if flagVerbose {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger().Level(zerolog.DebugLevel)
		opts = append(opts, fern.WithLogger(logger))
	}
	return fern.New(opts...)
}

func demoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo [sum|fib|async]",
		Short: "Run a built-in sample program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := newEngine()
			defer e.Close()
			ctx := context.Background()
			start := time.Now()
			var (
				result fmt.Stringer
				err    error
			)
			switch args[0] {
			case "sum":
				r, e2 := runSumDemo(ctx, e, flagN, flagCalls)
				result, err = inspect(r), e2
			case "fib":
				r, e2 := runFibDemo(ctx, e, flagN, flagCalls)
				result, err = inspect(r), e2
			case "async":
				r, e2 := runAsyncDemo(ctx, e)
				result, err = inspect(r), e2
			default:
				return fmt.Errorf("unknown demo %q (available: sum, fib, async)", args[0])
			}
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			fmt.Printf("%s %s (%s)\n", color.GreenString("result:"), result, elapsed)
			if flagStats {
				printStats(e)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&flagN, "n", 100000, "program input")
	cmd.Flags().IntVar(&flagCalls, "calls", 20, "times to call the program")
	cmd.Flags().BoolVar(&flagStats, "stats", false, "print per-function tier stats")
	return cmd
}

func disCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dis [sum|fib|async]",
		Short: "Disassemble a built-in sample program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := demoCode(args[0])
			if err != nil {
				return err
			}
			instructions, err := dis.Disassemble(code)
			if err != nil {
				return err
			}
			dis.Print(instructions, os.Stdout)
			return nil
		},
	}
}

func printStats(e *fern.Engine) {
	bold := color.New(color.Bold)
	bold.Printf("%-4s %-12s %-12s %10s %8s %7s\n",
		"ID", "NAME", "TIER", "CALLS", "DEOPTS", "PINNED")
	for _, s := range e.AllStats() {
		tierColor := color.New(color.FgYellow)
		if s.Tier >= tier.OptimizingJit {
			tierColor = color.New(color.FgGreen)
		} else if s.Tier == tier.Interpreter {
			tierColor = color.New(color.FgWhite)
		}
		fmt.Printf("%-4d %-12s %s %10d %8d %7v\n",
			s.FuncID, s.Name,
			tierColor.Sprintf("%-12s", s.Tier),
			s.CallCount, s.DeoptCount, s.Pinned)
	}
	agg := e.EngineStats()
	fmt.Printf("\n%d functions, %d deopts, %d pinned, %d queued compiles\n",
		agg.Functions, agg.TotalDeopts, agg.PinnedCount, agg.CompileQueue)
}

type stringer struct{ s string }

func (s stringer) String() string { return s.s }

func inspect(r interface{ Inspect() string }) fmt.Stringer {
	if r == nil {
		return stringer{"nil"}
	}
	return stringer{r.Inspect()}
}
