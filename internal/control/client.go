package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/jordanhubbard/shuttle/internal/logging"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

// DefaultTimeout bounds one client call.
const DefaultTimeout = 30 * time.Second

// Client sends commands to a running daemon. Each call uses its own
// connection.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient returns a client for the socket at path.
func NewClient(path string) *Client {
	return &Client{path: path, timeout: DefaultTimeout}
}

// WithTimeout returns a copy of the client using timeout per call.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	cp := *c
	cp.timeout = timeout
	return &cp
}

// Call sends cmd with args and decodes the response data into out when
// out is non-nil. A missing daemon is ErrDaemonUnavailable.
func (c *Client) Call(ctx context.Context, cmd string, args, out interface{}) error {
	req := Request{Cmd: cmd}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode %s args: %w", cmd, err)
		}
		req.Args = raw
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) {
			return fmt.Errorf("%w: %s", ErrDaemonUnavailable, c.path)
		}
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(&req); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return fmt.Errorf("read %s response: %w", cmd, err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", cmd, err)
	}
	if !resp.OK {
		return &RemoteError{Code: resp.Code, Message: resp.Error}
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", cmd, err)
		}
	}
	return nil
}

// NotifyGraphChanged asks the daemon for an immediate tick.
func (c *Client) NotifyGraphChanged(ctx context.Context) error {
	return c.Call(ctx, CmdGraphChanged, nil, nil)
}

// Publish satisfies tasks.EventSink: every committed change nudges the
// daemon. A stopped daemon is not an error; its next start picks the
// change up.
func (c *Client) Publish(ctx context.Context, ev models.TaskEvent) {
	if err := c.NotifyGraphChanged(ctx); err != nil && !errors.Is(err, ErrDaemonUnavailable) {
		log.Printf("[Control] Failed to notify daemon of %s on %s: %v", ev.Type, ev.TaskID, err)
	}
}

// Spawn asks the daemon to start a worker.
func (c *Client) Spawn(ctx context.Context, args SpawnArgs) (*models.WorkerRecord, error) {
	var rec models.WorkerRecord
	if err := c.Call(ctx, CmdSpawn, args, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListAgents returns the worker registry.
func (c *Client) ListAgents(ctx context.Context) ([]*models.WorkerRecord, error) {
	var out []*models.WorkerRecord
	err := c.Call(ctx, CmdListAgents, nil, &out)
	return out, err
}

// Kill signals a worker.
func (c *Client) Kill(ctx context.Context, workerID string) error {
	return c.Call(ctx, CmdKill, WorkerArgs{WorkerID: workerID}, nil)
}

// Heartbeat records worker liveness.
func (c *Client) Heartbeat(ctx context.Context, workerID string) error {
	return c.Call(ctx, CmdHeartbeat, WorkerArgs{WorkerID: workerID}, nil)
}

// Status returns the coordinator status; out receives the decoded data.
func (c *Client) Status(ctx context.Context, out interface{}) error {
	return c.Call(ctx, CmdStatus, nil, out)
}

// Pause stops spawning.
func (c *Client) Pause(ctx context.Context) error { return c.Call(ctx, CmdPause, nil, nil) }

// Resume restarts spawning.
func (c *Client) Resume(ctx context.Context) error { return c.Call(ctx, CmdResume, nil, nil) }

// Reconfigure applies runtime overrides.
func (c *Client) Reconfigure(ctx context.Context, args ReconfigureArgs, out interface{}) error {
	return c.Call(ctx, CmdReconfigure, args, out)
}

// Shutdown stops the daemon.
func (c *Client) Shutdown(ctx context.Context) error { return c.Call(ctx, CmdShutdown, nil, nil) }

// Logs returns recent daemon log entries.
func (c *Client) Logs(ctx context.Context, f logging.Filter) ([]logging.LogEntry, error) {
	var out []logging.LogEntry
	err := c.Call(ctx, CmdLogs, f, &out)
	return out, err
}

// SocketFor is a convenience for clients built from a store directory.
func SocketFor(storeDir string) *Client {
	return NewClient(SocketPath(storeDir))
}
