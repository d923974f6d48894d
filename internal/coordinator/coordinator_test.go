//go:build unix

package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/shuttle/internal/control"
	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/internal/messagebus"
	"github.com/jordanhubbard/shuttle/internal/tasks"
	"github.com/jordanhubbard/shuttle/internal/worker"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

type fakeProcs struct {
	mu    sync.Mutex
	alive map[int]bool
}

func (p *fakeProcs) Alive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[pid]
}

func (p *fakeProcs) SignalGroup(pid int, sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive[pid] = false
	return nil
}

func (p *fakeProcs) exit(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive[pid] = false
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs *fakeProcs
	next  int
	err   error
}

func (l *fakeLauncher) Launch(worker.LaunchSpec) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, l.err
	}
	l.next++
	l.procs.mu.Lock()
	l.procs.alive[l.next] = true
	l.procs.mu.Unlock()
	return l.next, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*messagebus.TickMessage
}

func (p *fakePublisher) PublishTick(_ context.Context, msg *messagebus.TickMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

type env struct {
	dir      string
	tasks    *tasks.Manager
	sup      *worker.Supervisor
	procs    *fakeProcs
	launcher *fakeLauncher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := graph.NewStore(filepath.Join(t.TempDir(), ".shuttle"), 2*time.Second)
	tm := tasks.NewManager(store)
	set, err := worker.NewExecutorSet(nil)
	require.NoError(t, err)
	procs := &fakeProcs{alive: map[int]bool{}}
	l := &fakeLauncher{procs: procs, next: 2000}
	sup, err := worker.NewSupervisor(worker.Config{
		Dir:              store.Dir(),
		DefaultExecutor:  "shell",
		HeartbeatTimeout: time.Minute,
		ShuttleBin:       "/usr/local/bin/shuttle",
	}, tm, set, worker.WithProcessTable(procs), worker.WithLauncher(l))
	require.NoError(t, err)
	return &env{dir: store.Dir(), tasks: tm, sup: sup, procs: procs, launcher: l}
}

func (e *env) coordinator(t *testing.T, cfg Config, opts ...Option) *Coordinator {
	t.Helper()
	if cfg.Executor == "" {
		cfg.Executor = "shell"
	}
	c, err := New(cfg, e.tasks, e.sup, opts...)
	require.NoError(t, err)
	return c
}

func (e *env) add(t *testing.T, task *models.Task) {
	t.Helper()
	if task.Title == "" {
		task.Title = task.ID
	}
	_, err := e.tasks.Add(context.Background(), task, tasks.AddOptions{})
	require.NoError(t, err)
}

func (e *env) status(t *testing.T, id string) models.TaskStatus {
	t.Helper()
	task, err := e.tasks.Get(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func TestTick_SpawnsUpToCapacity(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"a", "b", "c"} {
		e.add(t, &models.Task{ID: id, Exec: "true"})
	}
	pub := &fakePublisher{}
	c := e.coordinator(t, Config{MaxWorkers: 2}, WithTickPublisher(pub))

	res, err := c.Tick(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Len(t, res.Spawned, 2)
	assert.Equal(t, 3, res.Ready)
	assert.Equal(t, 2, res.Alive)
	assert.True(t, res.AtCapacity)
	assert.Equal(t, 2, res.Summary.ByStatus[models.TaskStatusInProgress])
	assert.Equal(t, 1, res.Summary.ByStatus[models.TaskStatusOpen])

	// At capacity the next tick spawns nothing.
	res, err = c.Tick(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Empty(t, res.Spawned)

	st := c.Status()
	assert.Equal(t, uint64(2), st.TickCount)
	assert.Equal(t, 2, st.Counts.TotalSpawned)
	assert.Equal(t, 2, st.Counts.AliveWorkers)
	assert.NotNil(t, st.LastTick)

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, uint64(2), pub.msgs[1].TickCount)
	assert.Equal(t, TriggerManual, pub.msgs[0].Trigger)
}

func TestTick_RespectsDependencies(t *testing.T) {
	e := newEnv(t)
	e.add(t, &models.Task{ID: "a", Exec: "true"})
	e.add(t, &models.Task{ID: "b", Exec: "true", BlockedBy: []string{"a"}})
	c := e.coordinator(t, Config{MaxWorkers: 4})

	res, err := c.Tick(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.Len(t, res.Spawned, 1)
	assert.Equal(t, models.TaskStatusInProgress, e.status(t, "a"))
	assert.Equal(t, models.TaskStatusOpen, e.status(t, "b"))
}

func TestTick_ReapsWhilePaused(t *testing.T) {
	e := newEnv(t)
	e.add(t, &models.Task{ID: "a", Exec: "true"})
	c := e.coordinator(t, Config{MaxWorkers: 1})

	res, err := c.Tick(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.Len(t, res.Spawned, 1)

	require.NoError(t, c.Pause())
	e.procs.exit(2001)

	res, err = c.Tick(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.True(t, res.Paused)
	assert.Len(t, res.Reaped, 1)
	assert.Empty(t, res.Spawned)
	assert.Equal(t, models.TaskStatusOpen, e.status(t, "a"))

	require.NoError(t, c.Resume())
	res, err = c.Tick(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Len(t, res.Spawned, 1)
	assert.Equal(t, models.TaskStatusInProgress, e.status(t, "a"))
}

func TestTick_SpawnFailureMarksTaskFailed(t *testing.T) {
	e := newEnv(t)
	e.add(t, &models.Task{ID: "a", Exec: "true"})
	e.launcher.err = errors.New("fork: resource temporarily unavailable")
	c := e.coordinator(t, Config{MaxWorkers: 2})

	res, err := c.Tick(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Failed)
	assert.Empty(t, res.Spawned)
	assert.Equal(t, models.TaskStatusFailed, e.status(t, "a"))
}

func TestTick_SkipsMisconfiguredTasks(t *testing.T) {
	e := newEnv(t)
	e.add(t, &models.Task{ID: "a"}) // shell executor without a command
	e.add(t, &models.Task{ID: "b", Exec: "true"})
	c := e.coordinator(t, Config{MaxWorkers: 2})

	res, err := c.Tick(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Len(t, res.Spawned, 1)
	assert.Equal(t, models.TaskStatusOpen, e.status(t, "a"))
	assert.Equal(t, models.TaskStatusInProgress, e.status(t, "b"))
}

func TestTrigger_Coalesces(t *testing.T) {
	e := newEnv(t)
	c := e.coordinator(t, Config{MaxWorkers: 1})
	for i := 0; i < 10; i++ {
		c.Trigger()
	}
	assert.Len(t, c.trigger, 1)
}

func TestRun_TicksOnStartupAndTrigger(t *testing.T) {
	e := newEnv(t)
	c := e.coordinator(t, Config{MaxWorkers: 1, PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Status().TickCount >= 1 }, 3*time.Second, 10*time.Millisecond)

	e.add(t, &models.Task{ID: "a", Exec: "true"})
	c.Trigger()
	require.Eventually(t, func() bool {
		task, err := e.tasks.Get(context.Background(), "a")
		return err == nil && task.Status == models.TaskStatusInProgress
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	reloaded, err := NewStateFile(worker.ServiceDir(e.dir)).Load()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reloaded.TickCount, uint64(2))
}

func TestState_SurvivesRestart(t *testing.T) {
	e := newEnv(t)
	c := e.coordinator(t, Config{MaxWorkers: 4, PollInterval: time.Minute})
	require.NoError(t, c.Pause())
	_, err := c.Reconfigure(context.Background(), models.CoordinatorOverrides{MaxWorkers: 1, PollInterval: "5s"}, false)
	require.NoError(t, err)

	restarted := e.coordinator(t, Config{MaxWorkers: 4, PollInterval: time.Minute})
	assert.True(t, restarted.Paused())
	st := restarted.Status()
	assert.Equal(t, 1, st.MaxWorkers)
	assert.Equal(t, "5s", st.PollInterval)
}

func TestReconfigure(t *testing.T) {
	e := newEnv(t)
	c := e.coordinator(t, Config{MaxWorkers: 3, PollInterval: time.Minute})
	ctx := context.Background()

	st, err := c.Reconfigure(ctx, models.CoordinatorOverrides{Executor: "claude", Model: "opus"}, false)
	require.NoError(t, err)
	assert.Equal(t, "claude", st.Executor)
	assert.Equal(t, "opus", st.Model)
	assert.Equal(t, 3, st.MaxWorkers)

	st, err = c.Reconfigure(ctx, models.CoordinatorOverrides{MaxWorkers: 2}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, st.MaxWorkers)
	assert.Equal(t, "claude", st.Executor)

	st, err = c.Reconfigure(ctx, models.CoordinatorOverrides{}, true)
	require.NoError(t, err)
	assert.Equal(t, 3, st.MaxWorkers)
	assert.Equal(t, "shell", st.Executor)
	assert.Equal(t, "1m0s", st.PollInterval)

	invalid := []models.CoordinatorOverrides{
		{MaxWorkers: -1},
		{PollInterval: "soon"},
		{PollInterval: "-5s"},
		{Executor: "missing"},
	}
	for _, o := range invalid {
		_, err := c.Reconfigure(ctx, o, false)
		assert.ErrorIs(t, err, ErrInvalidOverride, "%+v", o)
	}
}

func TestReconfigure_ExecutorOverrideReachesSpawn(t *testing.T) {
	e := newEnv(t)
	e.add(t, &models.Task{ID: "a"})
	c := e.coordinator(t, Config{MaxWorkers: 1})
	_, err := c.Reconfigure(context.Background(), models.CoordinatorOverrides{Executor: "codex"}, false)
	require.NoError(t, err)

	res, err := c.Tick(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.Len(t, res.Spawned, 1)
	recs, err := e.sup.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "codex", recs[0].Executor)
}

func TestHandler(t *testing.T) {
	e := newEnv(t)
	e.add(t, &models.Task{ID: "a", Exec: "true"})
	c := e.coordinator(t, Config{MaxWorkers: 2})
	shutdowns := 0
	h := NewHandler(c, nil, func() { shutdowns++ })
	ctx := context.Background()

	req := func(cmd string, args string) *control.Request {
		r := &control.Request{Cmd: cmd}
		if args != "" {
			r.Args = []byte(args)
		}
		return r
	}

	out, err := h.Handle(ctx, req(control.CmdSpawn, `{"task_id":"a"}`))
	require.NoError(t, err)
	rec := out.(*models.WorkerRecord)
	assert.Equal(t, "a", rec.TaskID)

	_, err = h.Handle(ctx, req(control.CmdSpawn, `{}`))
	assert.ErrorIs(t, err, control.ErrBadRequest)

	_, err = h.Handle(ctx, req(control.CmdHeartbeat, `{"worker_id":"`+rec.ID+`"}`))
	assert.NoError(t, err)
	_, err = h.Handle(ctx, req(control.CmdHeartbeat, `{"worker_id":"w-none"}`))
	assert.ErrorIs(t, err, worker.ErrWorkerNotFound)

	out, err = h.Handle(ctx, req(control.CmdListAgents, ""))
	require.NoError(t, err)
	assert.Len(t, out, 1)

	out, err = h.Handle(ctx, req(control.CmdPause, ""))
	require.NoError(t, err)
	assert.True(t, out.(*Status).Paused)

	_, err = h.Handle(ctx, req(control.CmdReconfigure, `{"overrides":{"poll_interval":"never"}}`))
	assert.ErrorIs(t, err, control.ErrBadRequest)

	_, err = h.Handle(ctx, req(control.CmdGraphChanged, ""))
	require.NoError(t, err)
	assert.Len(t, c.trigger, 1)

	out, err = h.Handle(ctx, req(control.CmdLogs, `{"limit":5}`))
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = h.Handle(ctx, req(control.CmdShutdown, ""))
	require.NoError(t, err)
	assert.Equal(t, 1, shutdowns)

	_, err = h.Handle(ctx, req("dance", ""))
	assert.ErrorIs(t, err, control.ErrBadRequest)
}
