package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/shuttle/internal/depgraph"
	"github.com/jordanhubbard/shuttle/internal/graph"
)

// queryCommand builds a read-only command over one graph snapshot.
func queryCommand(use, short string, args cobra.PositionalArgs, run func(g *graph.Graph, args []string) (interface{}, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, argv []string) error {
			g, err := newStore().Read(cmd.Context())
			if err != nil {
				return err
			}
			out, err := run(g, argv)
			if err != nil {
				return err
			}
			return outputJSON(out)
		},
	}
}

func newWhyBlockedCommand() *cobra.Command {
	return queryCommand("why-blocked <task-id>", "Explain why a task is not ready", cobra.ExactArgs(1),
		func(g *graph.Graph, args []string) (interface{}, error) {
			return depgraph.WhyBlocked(g, args[0], time.Now())
		})
}

func newImpactCommand() *cobra.Command {
	return queryCommand("impact <task-id>", "List tasks that transitively wait on a task", cobra.ExactArgs(1),
		func(g *graph.Graph, args []string) (interface{}, error) {
			return depgraph.Impact(g, args[0])
		})
}

func newCyclesCommand() *cobra.Command {
	return queryCommand("cycles", "List dependency cycles", cobra.NoArgs,
		func(g *graph.Graph, args []string) (interface{}, error) {
			cycles, err := depgraph.Cycles(g)
			if cycles == nil {
				cycles = []depgraph.Cycle{}
			}
			return cycles, err
		})
}

func newCriticalPathCommand() *cobra.Command {
	return queryCommand("critical-path", "Longest chain of remaining work by estimate", cobra.NoArgs,
		func(g *graph.Graph, args []string) (interface{}, error) {
			return depgraph.CriticalPath(g)
		})
}

func newForecastCommand() *cobra.Command {
	var workers int
	cmd := queryCommand("forecast", "Estimate completion time of remaining work", cobra.NoArgs,
		func(g *graph.Graph, args []string) (interface{}, error) {
			n := workers
			if n <= 0 {
				n = cfg.Coordinator.MaxWorkers
			}
			return depgraph.Forecast(g, n, time.Now())
		})
	cmd.Flags().IntVar(&workers, "workers", 0, "Parallel workers (default coordinator.max_workers)")
	return cmd
}

func newCheckCommand() *cobra.Command {
	return queryCommand("check", "Lint the graph", cobra.NoArgs,
		func(g *graph.Graph, args []string) (interface{}, error) {
			findings, err := depgraph.Check(g)
			if findings == nil {
				findings = []depgraph.Finding{}
			}
			return findings, err
		})
}

func newSummaryCommand() *cobra.Command {
	return queryCommand("summary", "Count tasks by status", cobra.NoArgs,
		func(g *graph.Graph, args []string) (interface{}, error) {
			return depgraph.Summarize(g, time.Now())
		})
}
