package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/shuttle/internal/tasks"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

// --- Authoring ---

func newAddCommand() *cobra.Command {
	var (
		title         string
		description   string
		blockedBy     []string
		tags          []string
		executor      string
		model         string
		execCmd       string
		verify        string
		estimate      float64
		allowDangling bool
	)
	cmd := &cobra.Command{
		Use:   "add <task-id>",
		Short: "Add a task to the graph",
		Args:  cobra.ExactArgs(1),
		Example: `  shuttle add build --title "Build the binary" --exec "make build"
  shuttle add test --title "Run tests" --blocked-by build`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				title = args[0]
			}
			t := &models.Task{
				ID:            args[0],
				Title:         title,
				Description:   description,
				BlockedBy:     blockedBy,
				Tags:          tags,
				Executor:      executor,
				Model:         model,
				Exec:          execCmd,
				Verify:        verify,
				EstimateHours: estimate,
			}
			out, err := newManager().Add(commandContext(cmd, ""), t, tasks.AddOptions{AllowDangling: allowDangling})
			if err != nil {
				return err
			}
			return outputJSON(out)
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "Task title (defaults to the id)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Task description")
	cmd.Flags().StringSliceVarP(&blockedBy, "blocked-by", "b", nil, "Blocking task ids")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tags")
	cmd.Flags().StringVar(&executor, "executor", "", "Executor override")
	cmd.Flags().StringVar(&model, "model", "", "Model override")
	cmd.Flags().StringVar(&execCmd, "exec", "", "Command for shell executors")
	cmd.Flags().StringVar(&verify, "verify", "", "Completion criteria that need approval")
	cmd.Flags().Float64Var(&estimate, "estimate", 0, "Estimated hours")
	cmd.Flags().BoolVar(&allowDangling, "allow-dangling", false, "Accept blockers that do not exist yet")
	return cmd
}

func newEditCommand() *cobra.Command {
	var (
		title       string
		description string
		tags        []string
		executor    string
		model       string
		execCmd     string
		verify      string
		estimate    float64
	)
	cmd := &cobra.Command{
		Use:   "edit <task-id>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			out, err := newManager().Edit(commandContext(cmd, ""), args[0], func(t *models.Task) error {
				if flags.Changed("title") {
					t.Title = title
				}
				if flags.Changed("description") {
					t.Description = description
				}
				if flags.Changed("tag") {
					t.Tags = tags
				}
				if flags.Changed("executor") {
					t.Executor = executor
				}
				if flags.Changed("model") {
					t.Model = model
				}
				if flags.Changed("exec") {
					t.Exec = execCmd
				}
				if flags.Changed("verify") {
					t.Verify = verify
				}
				if flags.Changed("estimate") {
					t.EstimateHours = estimate
				}
				return nil
			})
			if err != nil {
				return err
			}
			return outputJSON(out)
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "New title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "New description")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Replace tags")
	cmd.Flags().StringVar(&executor, "executor", "", "Executor override")
	cmd.Flags().StringVar(&model, "model", "", "Model override")
	cmd.Flags().StringVar(&execCmd, "exec", "", "Command for shell executors")
	cmd.Flags().StringVar(&verify, "verify", "", "Completion criteria that need approval")
	cmd.Flags().Float64Var(&estimate, "estimate", 0, "Estimated hours")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show task details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newManager().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return outputJSON(t)
		},
	}
}

func newListCommand() *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List tasks",
		Example: `  shuttle list --status open,in-progress`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter []models.TaskStatus
			for _, s := range statuses {
				st, err := models.ParseTaskStatus(s)
				if err != nil {
					return err
				}
				filter = append(filter, st)
			}
			list, err := newManager().List(cmd.Context(), filter...)
			if err != nil {
				return err
			}
			return outputJSON(list)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status")
	return cmd
}

func newReadyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "List tasks that can start now",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := newManager().Ready(cmd.Context())
			if err != nil {
				return err
			}
			return outputJSON(list)
		},
	}
}

func newDepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dep",
		Short: "Manage blocked-by edges",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <task-id> <blocker-id>",
		Short: "Block a task on another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newManager().AddDependency(commandContext(cmd, ""), args[0], args[1])
			if err != nil {
				return err
			}
			return outputJSON(t)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <task-id> <blocker-id>",
		Short: "Remove a blocked-by edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newManager().RemoveDependency(commandContext(cmd, ""), args[0], args[1])
			if err != nil {
				return err
			}
			return outputJSON(t)
		},
	})
	return cmd
}

func newLoopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Manage loop edges",
	}
	cmd.AddCommand(newLoopAddCommand())
	return cmd
}

func newLoopAddCommand() *cobra.Command {
	var (
		maxIterations int
		delay         string
		guardKind     string
		guardTask     string
		guardStatus   string
		guardBelow    int
	)
	cmd := &cobra.Command{
		Use:   "add <source-id> <target-id>",
		Short: "Reopen target whenever source completes",
		Args:  cobra.ExactArgs(2),
		Example: `  shuttle loop add review implement --max 3
  shuttle loop add check build --max 5 --guard task_status --guard-task lint --guard-status failed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			edge := models.LoopEdge{Target: args[1], MaxIterations: maxIterations, Delay: delay}
			if guardKind != "" {
				g := &models.LoopGuard{Kind: models.LoopGuardKind(guardKind), Task: guardTask, Below: guardBelow}
				if guardStatus != "" {
					st, err := models.ParseTaskStatus(guardStatus)
					if err != nil {
						return err
					}
					g.Status = st
				}
				edge.Guard = g
			}
			t, err := newManager().AddLoop(commandContext(cmd, ""), args[0], edge)
			if err != nil {
				return err
			}
			return outputJSON(t)
		},
	}
	cmd.Flags().IntVar(&maxIterations, "max", 3, "Maximum iterations")
	cmd.Flags().StringVar(&delay, "delay", "", "Delay before the target is ready again (e.g. 10m)")
	cmd.Flags().StringVar(&guardKind, "guard", "", "Guard kind: always, task_status, iterations_below")
	cmd.Flags().StringVar(&guardTask, "guard-task", "", "Task checked by a task_status guard")
	cmd.Flags().StringVar(&guardStatus, "guard-status", "", "Status required by a task_status guard")
	cmd.Flags().IntVar(&guardBelow, "guard-below", 0, "Limit for an iterations_below guard")
	return cmd
}

func newArchiveCommand() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Move finished tasks to the archive file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := newManager().Archive(commandContext(cmd, ""), olderThan)
			if err != nil {
				return err
			}
			return outputJSON(map[string]interface{}{"archived": ids})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Only tasks finished before this long ago")
	return cmd
}

// --- Lifecycle ---

func newClaimCommand() *cobra.Command {
	var workerID string
	cmd := &cobra.Command{
		Use:   "claim <task-id>",
		Short: "Claim an open task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newManager().Claim(commandContext(cmd, ""), args[0], workerID)
			if err != nil {
				return err
			}
			return outputJSON(t)
		},
	}
	cmd.Flags().StringVarP(&workerID, "worker", "w", "", "Claiming worker or person (required)")
	cmd.MarkFlagRequired("worker")
	return cmd
}

func newUnclaimCommand() *cobra.Command {
	var workerID, note string
	cmd := &cobra.Command{
		Use:   "unclaim <task-id>",
		Short: "Return a claimed task to open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newManager().Unclaim(commandContext(cmd, workerID), args[0], note)
			if err != nil {
				return err
			}
			return outputJSON(t)
		},
	}
	cmd.Flags().StringVarP(&workerID, "worker", "w", "", "Only unclaim if held by this worker")
	cmd.Flags().StringVar(&note, "note", "", "Context for the next worker")
	return cmd
}

func newDoneCommand() *cobra.Command {
	var (
		workerID  string
		note      string
		artifacts []string
		converged bool
	)
	cmd := &cobra.Command{
		Use:   "done <task-id>",
		Short: "Complete a task and evaluate its loop edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newManager().Done(commandContext(cmd, workerID), args[0], tasks.DoneOptions{
				Converged: converged,
				Artifacts: artifacts,
				Note:      note,
			})
			if err != nil {
				return err
			}
			return outputJSON(res)
		},
	}
	cmd.Flags().StringVarP(&workerID, "worker", "w", "", "Only complete if held by this worker")
	cmd.Flags().StringVar(&note, "note", "", "Completion note")
	cmd.Flags().StringSliceVar(&artifacts, "artifact", nil, "Produced artifacts")
	cmd.Flags().BoolVar(&converged, "converged", false, "Mark converged so loop edges do not fire")
	return cmd
}

func newFailCommand() *cobra.Command {
	var workerID, reason string
	cmd := &cobra.Command{
		Use:   "fail <task-id>",
		Short: "Mark a task failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newManager().Fail(commandContext(cmd, workerID), args[0], reason)
			if err != nil {
				return err
			}
			return outputJSON(t)
		},
	}
	cmd.Flags().StringVarP(&workerID, "worker", "w", "", "Only fail if held by this worker")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Failure reason")
	return cmd
}

func newAbandonCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon <task-id>",
		Short: "Give up on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newManager().Abandon(commandContext(cmd, ""), args[0], reason)
			if err != nil {
				return err
			}
			return outputJSON(t)
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Why the task is abandoned")
	return cmd
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Reopen a failed or abandoned task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newManager().Retry(commandContext(cmd, ""), args[0])
			if err != nil {
				return err
			}
			return outputJSON(t)
		},
	}
}

func newSubmitCommand() *cobra.Command {
	var (
		workerID  string
		artifacts []string
	)
	cmd := &cobra.Command{
		Use:   "submit <task-id>",
		Short: "Submit work for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newManager().Submit(commandContext(cmd, workerID), args[0], artifacts)
			if err != nil {
				return err
			}
			return outputJSON(t)
		},
	}
	cmd.Flags().StringVarP(&workerID, "worker", "w", "", "Only submit if held by this worker")
	cmd.Flags().StringSliceVar(&artifacts, "artifact", nil, "Produced artifacts")
	return cmd
}

func newApproveCommand() *cobra.Command {
	var (
		note      string
		converged bool
	)
	cmd := &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Accept submitted work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newManager().Approve(commandContext(cmd, ""), args[0], tasks.DoneOptions{Note: note, Converged: converged})
			if err != nil {
				return err
			}
			return outputJSON(res)
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "Approval note")
	cmd.Flags().BoolVar(&converged, "converged", false, "Mark converged so loop edges do not fire")
	return cmd
}

func newRejectCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Send submitted work back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(reason) == "" {
				return fmt.Errorf("--reason is required")
			}
			t, err := newManager().Reject(commandContext(cmd, ""), args[0], reason)
			if err != nil {
				return err
			}
			return outputJSON(t)
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "What needs to change")
	return cmd
}
