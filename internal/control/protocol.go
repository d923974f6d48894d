// Package control implements the daemon's local command channel: one JSON
// request per line over a Unix socket, answered by one JSON response line.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/jordanhubbard/shuttle/internal/filelock"
	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/internal/tasks"
	"github.com/jordanhubbard/shuttle/internal/worker"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

// SocketFileName is the daemon socket inside the service directory.
const SocketFileName = "daemon.sock"

// SocketPath returns the socket for a graph store directory.
func SocketPath(storeDir string) string {
	return filepath.Join(worker.ServiceDir(storeDir), SocketFileName)
}

// Commands understood by the daemon.
const (
	CmdGraphChanged = "graph_changed"
	CmdSpawn        = "spawn"
	CmdListAgents   = "list_agents"
	CmdKill         = "kill"
	CmdHeartbeat    = "heartbeat"
	CmdStatus       = "status"
	CmdPause        = "pause"
	CmdResume       = "resume"
	CmdReconfigure  = "reconfigure"
	CmdShutdown     = "shutdown"
	CmdLogs         = "logs"
)

// Request is one command.
type Request struct {
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Decode unmarshals the request arguments into v. Missing args leave v as is.
func (r *Request) Decode(v interface{}) error {
	if len(r.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Args, v); err != nil {
		return fmt.Errorf("%w: %s args: %v", ErrBadRequest, r.Cmd, err)
	}
	return nil
}

// Response answers one Request.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SpawnArgs are the arguments of CmdSpawn.
type SpawnArgs struct {
	TaskID   string `json:"task_id"`
	Executor string `json:"executor,omitempty"`
	Model    string `json:"model,omitempty"`
	Identity string `json:"identity,omitempty"`
}

// WorkerArgs are the arguments of CmdKill and CmdHeartbeat.
type WorkerArgs struct {
	WorkerID string `json:"worker_id"`
}

// ReconfigureArgs are the arguments of CmdReconfigure. Non-zero override
// fields replace the current ones; Reset clears all overrides first.
type ReconfigureArgs struct {
	Overrides models.CoordinatorOverrides `json:"overrides"`
	Reset     bool                        `json:"reset,omitempty"`
}

// Error codes carried in Response.Code so clients can rebuild sentinels.
const (
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeLockTimeout  = "lock_timeout"
	CodeStaleWorker  = "stale_worker"
	CodeSpawnFailure = "spawn_failure"
	CodeBadRequest   = "bad_request"
	CodeInternal     = "internal"
)

var (
	// ErrBadRequest reports an unknown command or malformed arguments.
	ErrBadRequest = errors.New("bad control request")
	// ErrDaemonUnavailable means no daemon is listening on the socket.
	ErrDaemonUnavailable = errors.New("daemon not running")
)

func codeFor(err error) string {
	switch {
	case errors.Is(err, tasks.ErrConflict):
		return CodeConflict
	case errors.Is(err, graph.ErrNotFound), errors.Is(err, worker.ErrWorkerNotFound):
		return CodeNotFound
	case errors.Is(err, filelock.ErrLockTimeout):
		return CodeLockTimeout
	case errors.Is(err, worker.ErrStaleWorker):
		return CodeStaleWorker
	case errors.Is(err, worker.ErrSpawnFailure):
		return CodeSpawnFailure
	case errors.Is(err, ErrBadRequest), errors.Is(err, worker.ErrUnknownExecutor),
		errors.Is(err, worker.ErrExecutorConfig), errors.Is(err, tasks.ErrInvalidTask):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

// RemoteError is an error returned by the daemon.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Is maps the wire code back onto the local sentinel errors.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case CodeConflict:
		return target == tasks.ErrConflict
	case CodeNotFound:
		return target == graph.ErrNotFound || target == worker.ErrWorkerNotFound
	case CodeLockTimeout:
		return target == filelock.ErrLockTimeout
	case CodeStaleWorker:
		return target == worker.ErrStaleWorker
	case CodeSpawnFailure:
		return target == worker.ErrSpawnFailure
	case CodeBadRequest:
		return target == ErrBadRequest
	}
	return false
}
