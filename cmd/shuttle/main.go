package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/shuttle/internal/control"
	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/internal/messagebus"
	"github.com/jordanhubbard/shuttle/internal/tasks"
	"github.com/jordanhubbard/shuttle/pkg/config"
)

const version = "0.4.0"

var (
	storeDir   string
	configPath string
	actor      string

	cfg *config.Config
	bus *messagebus.NatsMessageBus
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shuttle",
		Short: "Shuttle - dependency-aware task graph and worker coordinator",
		Long: `shuttle keeps a graph of tasks with dependencies and loop edges in a
project directory, and runs a daemon that dispatches ready tasks to
detached worker processes. Output is JSON.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if bus != nil {
				bus.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&storeDir, "dir", "C", getDefaultDir(), "Graph store directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default <dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", os.Getenv("SHUTTLE_ACTOR"), "Name recorded in task logs")

	// Task lifecycle
	rootCmd.AddCommand(newAddCommand())
	rootCmd.AddCommand(newEditCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newReadyCommand())
	rootCmd.AddCommand(newClaimCommand())
	rootCmd.AddCommand(newUnclaimCommand())
	rootCmd.AddCommand(newDoneCommand())
	rootCmd.AddCommand(newFailCommand())
	rootCmd.AddCommand(newAbandonCommand())
	rootCmd.AddCommand(newRetryCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newRejectCommand())
	rootCmd.AddCommand(newDepCommand())
	rootCmd.AddCommand(newLoopCommand())
	rootCmd.AddCommand(newArchiveCommand())

	// Graph queries
	rootCmd.AddCommand(newWhyBlockedCommand())
	rootCmd.AddCommand(newImpactCommand())
	rootCmd.AddCommand(newCyclesCommand())
	rootCmd.AddCommand(newCriticalPathCommand())
	rootCmd.AddCommand(newForecastCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newSummaryCommand())

	// Daemon and workers
	rootCmd.AddCommand(newDaemonCommand())
	rootCmd.AddCommand(newSpawnCommand())
	rootCmd.AddCommand(newAgentsCommand())
	rootCmd.AddCommand(newKillCommand())
	rootCmd.AddCommand(newHeartbeatCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newPauseCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newReconfigureCommand())
	rootCmd.AddCommand(newShutdownCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newEventsCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func getDefaultDir() string {
	if dir := os.Getenv("SHUTTLE_DIR"); dir != "" {
		return dir
	}
	return ".shuttle"
}

// loadConfig reads <dir>/config.yaml (or --config). A missing file means
// defaults. --dir always wins over the file's graph.dir.
func loadConfig(cmd *cobra.Command) error {
	path := configPath
	if path == "" {
		path = filepath.Join(storeDir, config.FileName)
	}
	c, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("dir") || c.Graph.Dir == "" || configPath == "" {
		c.Graph.Dir = storeDir
	}
	cfg = c
	return nil
}

func newStore() *graph.Store {
	return graph.NewStore(cfg.Graph.Dir, cfg.Graph.LockTimeout)
}

// newManager returns a task manager whose committed changes nudge the
// daemon and, when configured, go out on the event bus.
func newManager() *tasks.Manager {
	m := tasks.NewManager(newStore(), daemonClient())
	if cfg.Events.NATSURL != "" && bus == nil {
		b, err := messagebus.NewNatsMessageBus(messagebus.Config{
			URL:           cfg.Events.NATSURL,
			SubjectPrefix: cfg.Events.SubjectPrefix,
			Timeout:       2 * time.Second,
		})
		if err != nil {
			log.Printf("[Events] Event bus unavailable: %v", err)
		} else {
			bus = b
		}
	}
	if bus != nil {
		m.AddSink(bus)
	}
	return m
}

func daemonClient() *control.Client {
	return control.SocketFor(cfg.Graph.Dir)
}

// commandContext carries the actor and, when given, the acting worker.
func commandContext(cmd *cobra.Command, workerID string) context.Context {
	ctx := cmd.Context()
	name := actor
	if name == "" {
		name = workerID
	}
	if name == "" {
		name = "cli"
	}
	ctx = tasks.WithActor(ctx, name)
	if workerID != "" {
		ctx = tasks.WithWorker(ctx, workerID)
	}
	return ctx
}

// outputJSON prints v as indented JSON. All commands use this as the
// primary output path.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCode lets scripts tell expected failures apart.
func exitCode(err error) int {
	switch {
	case errors.Is(err, tasks.ErrConflict):
		return 3
	case errors.Is(err, graph.ErrNotFound):
		return 4
	case errors.Is(err, graph.ErrLockTimeout):
		return 5
	case errors.Is(err, control.ErrDaemonUnavailable):
		return 6
	default:
		return 1
	}
}
