//go:build unix

package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jordanhubbard/shuttle/internal/control"
	"github.com/jordanhubbard/shuttle/internal/logging"
	"github.com/jordanhubbard/shuttle/internal/worker"
)

// Handler serves control requests against a coordinator.
type Handler struct {
	coord    *Coordinator
	logs     *logging.Manager
	shutdown func()
}

// NewHandler returns a control handler. logs may be nil; shutdown is called
// for the shutdown command.
func NewHandler(c *Coordinator, logs *logging.Manager, shutdown func()) *Handler {
	return &Handler{coord: c, logs: logs, shutdown: shutdown}
}

// Handle implements control.Handler.
func (h *Handler) Handle(ctx context.Context, req *control.Request) (interface{}, error) {
	c := h.coord
	switch req.Cmd {
	case control.CmdGraphChanged:
		c.Trigger()
		return nil, nil

	case control.CmdSpawn:
		var args control.SpawnArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		if args.TaskID == "" {
			return nil, fmt.Errorf("%w: spawn needs a task id", control.ErrBadRequest)
		}
		return c.Spawn(ctx, worker.SpawnRequest{
			TaskID:   args.TaskID,
			Executor: args.Executor,
			Model:    args.Model,
			Identity: args.Identity,
		})

	case control.CmdListAgents:
		return c.sup.List(ctx)

	case control.CmdKill, control.CmdHeartbeat:
		var args control.WorkerArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		if args.WorkerID == "" {
			return nil, fmt.Errorf("%w: %s needs a worker id", control.ErrBadRequest, req.Cmd)
		}
		if req.Cmd == control.CmdKill {
			return nil, c.Kill(ctx, args.WorkerID)
		}
		return nil, c.sup.Heartbeat(ctx, args.WorkerID)

	case control.CmdStatus:
		return c.Status(), nil

	case control.CmdPause:
		if err := c.Pause(); err != nil {
			return nil, err
		}
		return c.Status(), nil

	case control.CmdResume:
		if err := c.Resume(); err != nil {
			return nil, err
		}
		return c.Status(), nil

	case control.CmdReconfigure:
		var args control.ReconfigureArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		st, err := c.Reconfigure(ctx, args.Overrides, args.Reset)
		if errors.Is(err, ErrInvalidOverride) {
			return nil, fmt.Errorf("%w: %v", control.ErrBadRequest, err)
		}
		return st, err

	case control.CmdShutdown:
		if h.shutdown != nil {
			h.shutdown()
		}
		return nil, nil

	case control.CmdLogs:
		var f logging.Filter
		if err := req.Decode(&f); err != nil {
			return nil, err
		}
		if h.logs == nil {
			return []logging.LogEntry{}, nil
		}
		return h.logs.Query(f)
	}
	return nil, fmt.Errorf("%w: unknown command %q", control.ErrBadRequest, req.Cmd)
}
