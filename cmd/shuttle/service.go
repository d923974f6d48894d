package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/shuttle/internal/control"
	"github.com/jordanhubbard/shuttle/internal/coordinator"
	"github.com/jordanhubbard/shuttle/internal/logging"
	"github.com/jordanhubbard/shuttle/internal/messagebus"
	"github.com/jordanhubbard/shuttle/internal/worker"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

func newDaemonCommand() *cobra.Command {
	var (
		maxWorkers  int
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the coordinator in the foreground",
		Long: `Runs the coordinator for the store directory: reaps dead workers,
spawns workers for ready tasks and serves the control socket until
interrupted or told to shut down.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("max-workers") {
				cfg.Coordinator.MaxWorkers = maxWorkers
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.ListenAddr = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return coordinator.NewDaemon(cfg).Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Override coordinator.max_workers")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func newSpawnCommand() *cobra.Command {
	var executor, model, identity string
	cmd := &cobra.Command{
		Use:   "spawn <task-id>",
		Short: "Ask the daemon to start a worker for a task now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := daemonClient().Spawn(cmd.Context(), control.SpawnArgs{
				TaskID:   args[0],
				Executor: executor,
				Model:    model,
				Identity: identity,
			})
			if err != nil {
				return err
			}
			return outputJSON(rec)
		},
	}
	cmd.Flags().StringVar(&executor, "executor", "", "Executor override")
	cmd.Flags().StringVar(&model, "model", "", "Model override")
	cmd.Flags().StringVar(&identity, "identity", "", "Identity text prepended to the prompt")
	return cmd
}

func newAgentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "agents",
		Aliases: []string{"workers"},
		Short:   "List worker records",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := daemonClient().ListAgents(cmd.Context())
			if errors.Is(err, control.ErrDaemonUnavailable) {
				st, rerr := worker.NewRegistry(worker.ServiceDir(cfg.Graph.Dir), cfg.Graph.LockTimeout).Read()
				if rerr != nil {
					return rerr
				}
				list, err = st.Sorted(), nil
			}
			if err != nil {
				return err
			}
			if list == nil {
				list = []*models.WorkerRecord{}
			}
			return outputJSON(list)
		},
	}
}

func newKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <worker-id>",
		Short: "Stop a worker; its task is recovered on the next tick",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := daemonClient().Kill(cmd.Context(), args[0]); err != nil {
				return err
			}
			return outputJSON(map[string]string{"killed": args[0]})
		},
	}
}

func newHeartbeatCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "heartbeat <worker-id>",
		Short:  "Record worker liveness",
		Args:   cobra.ExactArgs(1),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := daemonClient().Heartbeat(cmd.Context(), args[0])
			if errors.Is(err, control.ErrDaemonUnavailable) {
				reg := worker.NewRegistry(worker.ServiceDir(cfg.Graph.Dir), cfg.Graph.LockTimeout)
				err = reg.Heartbeat(cmd.Context(), args[0], time.Now())
			}
			return err
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show coordinator status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st coordinator.Status
			err := daemonClient().Status(cmd.Context(), &st)
			if errors.Is(err, control.ErrDaemonUnavailable) {
				saved, lerr := coordinator.NewStateFile(worker.ServiceDir(cfg.Graph.Dir)).Load()
				if lerr != nil {
					return lerr
				}
				return outputJSON(map[string]interface{}{"running": false, "state": saved})
			}
			if err != nil {
				return err
			}
			return outputJSON(map[string]interface{}{"running": true, "state": st})
		},
	}
}

func newPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop spawning new workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := daemonClient().Pause(cmd.Context()); err != nil {
				return err
			}
			return outputJSON(map[string]bool{"paused": true})
		},
	}
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume spawning",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := daemonClient().Resume(cmd.Context()); err != nil {
				return err
			}
			return outputJSON(map[string]bool{"paused": false})
		},
	}
}

func newReconfigureCommand() *cobra.Command {
	var (
		o     models.CoordinatorOverrides
		reset bool
	)
	cmd := &cobra.Command{
		Use:     "reconfigure",
		Short:   "Change coordinator settings at runtime",
		Example: `  shuttle reconfigure --max-workers 8 --poll-interval 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o == (models.CoordinatorOverrides{}) && !reset {
				return fmt.Errorf("nothing to change")
			}
			var st coordinator.Status
			if err := daemonClient().Reconfigure(cmd.Context(), control.ReconfigureArgs{Overrides: o, Reset: reset}, &st); err != nil {
				return err
			}
			return outputJSON(st)
		},
	}
	cmd.Flags().IntVar(&o.MaxWorkers, "max-workers", 0, "Maximum concurrent workers")
	cmd.Flags().StringVar(&o.Executor, "executor", "", "Default executor")
	cmd.Flags().StringVar(&o.Model, "model", "", "Default model")
	cmd.Flags().StringVar(&o.PollInterval, "poll-interval", "", "Safety-net tick interval (e.g. 30s)")
	cmd.Flags().BoolVar(&reset, "reset", false, "Clear all overrides first")
	return cmd
}

func newShutdownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the daemon; running workers keep going",
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemonClient().Shutdown(cmd.Context())
		},
	}
}

func newLogsCommand() *cobra.Command {
	var (
		f     logging.Filter
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			entries, err := daemonClient().Logs(cmd.Context(), f)
			if err != nil {
				return err
			}
			return outputJSON(entries)
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 100, "Maximum entries")
	cmd.Flags().StringVar(&f.Level, "level", "", "Filter by level")
	cmd.Flags().StringVar(&f.Source, "source", "", "Filter by component")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "Filter by task id")
	cmd.Flags().StringVar(&f.WorkerID, "worker", "", "Filter by worker id")
	cmd.Flags().DurationVar(&since, "since", 0, "Only entries newer than this")
	return cmd
}

func newEventsCommand() *cobra.Command {
	var natsURL string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream task events from NATS as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := natsURL
			if url == "" {
				url = cfg.Events.NATSURL
			}
			if url == "" {
				return fmt.Errorf("no NATS URL: set events.nats_url or --nats-url")
			}
			bus, err := messagebus.NewNatsMessageBus(messagebus.Config{
				URL:           url,
				SubjectPrefix: cfg.Events.SubjectPrefix,
				Timeout:       5 * time.Second,
			})
			if err != nil {
				return err
			}
			defer bus.Close()

			enc := json.NewEncoder(os.Stdout)
			sub, err := bus.SubscribeTaskEvents(func(ev models.TaskEvent) {
				if err := enc.Encode(ev); err != nil {
					log.Printf("[Events] Failed to write event: %v", err)
				}
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server (default events.nats_url)")
	return cmd
}
