//go:build unix

package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/internal/metrics"
	"github.com/jordanhubbard/shuttle/internal/tasks"
	"github.com/jordanhubbard/shuttle/internal/telemetry"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

const (
	// ServiceDirName holds daemon state next to the graph file.
	ServiceDirName = "service"
	workersDirName = "workers"

	promptFileName = "prompt.md"
	scriptFileName = "run.sh"
	outputFileName = "output.log"

	killPollInterval = 100 * time.Millisecond
	pidWriteAttempts = 3
)

// ServiceDir returns the service directory for a graph store directory.
func ServiceDir(storeDir string) string {
	return filepath.Join(storeDir, ServiceDirName)
}

// Config configures a Supervisor.
type Config struct {
	Dir               string // graph store directory
	WorkDir           string // worker process working directory
	DefaultExecutor   string
	DefaultModel      string
	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration
	KillGrace         time.Duration
	SpawnRate         float64 // spawns per second, 0 for unlimited
	SpawnBurst        int
	ShuttleBin        string // binary the wrapper calls back into
	LockTimeout       time.Duration
}

// Supervisor spawns, tracks and reaps worker processes.
type Supervisor struct {
	cfg       Config
	tasks     *tasks.Manager
	registry  *Registry
	executors *ExecutorSet
	procs     ProcessTable
	launcher  Launcher
	triager   Triager
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	now       func() time.Time

	mu            sync.RWMutex
	coordExecutor string
	coordModel    string
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithProcessTable replaces the OS process table.
func WithProcessTable(p ProcessTable) Option { return func(s *Supervisor) { s.procs = p } }

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option { return func(s *Supervisor) { s.launcher = l } }

// WithTriager enables triage of dead workers' output.
func WithTriager(t Triager) Option { return func(s *Supervisor) { s.triager = t } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Supervisor) { s.now = now } }

// NewSupervisor creates a supervisor over the task manager's store.
func NewSupervisor(cfg Config, tm *tasks.Manager, executors *ExecutorSet, opts ...Option) (*Supervisor, error) {
	if cfg.Dir == "" {
		cfg.Dir = tm.Store().Dir()
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve store dir: %w", err)
	}
	cfg.Dir = dir
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Dir(dir)
	}
	if cfg.ShuttleBin == "" {
		cfg.ShuttleBin = "shuttle"
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = graph.DefaultLockTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.SpawnRate > 0 {
		limit = rate.Limit(cfg.SpawnRate)
	}
	burst := cfg.SpawnBurst
	if burst < 1 {
		burst = 1
	}

	s := &Supervisor{
		cfg:       cfg,
		tasks:     tm,
		registry:  NewRegistry(ServiceDir(dir), cfg.LockTimeout),
		executors: executors,
		procs:     OSProcessTable{},
		launcher:  ShellLauncher{},
		limiter:   rate.NewLimiter(limit, burst),
		metrics:   metrics.NewMetrics(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Executors returns the configured executor set.
func (s *Supervisor) Executors() *ExecutorSet { return s.executors }

// Registry returns the worker registry.
func (s *Supervisor) Registry() *Registry { return s.registry }

// SetCoordinatorDefaults sets the coordinator-level executor and model, which
// rank below per-call and per-task overrides. Empty values clear them.
func (s *Supervisor) SetCoordinatorDefaults(executor, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coordExecutor = executor
	s.coordModel = model
}

func (s *Supervisor) resolve(req SpawnRequest, t *models.Task) (executor, model string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return firstNonEmpty(req.Executor, t.Executor, s.coordExecutor, s.cfg.DefaultExecutor),
		firstNonEmpty(req.Model, t.Model, s.coordModel, s.cfg.DefaultModel)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Supervisor) workerDir(id string) string {
	return filepath.Join(ServiceDir(s.cfg.Dir), workersDirName, id)
}

func newWorkerID() string {
	return "w-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// SpawnRequest asks for a worker on one task. Empty fields fall through to
// the task, coordinator and configured defaults in that order.
type SpawnRequest struct {
	TaskID   string
	Executor string
	Model    string
	Identity string
}

// Spawn claims the task and launches a detached worker for it. Unknown tasks,
// unknown executors and claim conflicts return without side effects. A
// launch failure marks the task failed and returns ErrSpawnFailure.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (rec *models.WorkerRecord, err error) {
	ctx, span := telemetry.StartSpan(ctx, "worker.spawn", "task.id", req.TaskID)
	defer func() { telemetry.EndSpan(span, err) }()

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	g, err := s.tasks.Store().Read(ctx)
	if err != nil {
		return nil, err
	}
	t, err := g.Lookup(req.TaskID)
	if err != nil {
		return nil, err
	}
	execName, model := s.resolve(req, t)
	ex, err := s.executors.Get(execName)
	if err != nil {
		return nil, err
	}

	id := newWorkerID()
	dir := s.workerDir(id)
	job := newJob(g, t, id, execName, model, req.Identity)
	job.StoreDir = s.cfg.Dir
	job.WorkDir = s.cfg.WorkDir
	job.PromptPath = filepath.Join(dir, promptFileName)
	job.OutputPath = filepath.Join(dir, outputFileName)
	job.ScriptPath = filepath.Join(dir, scriptFileName)

	inv, err := ex.Invocation(job)
	if err != nil {
		return nil, err
	}
	prompt, err := job.RenderPrompt()
	if err != nil {
		return nil, err
	}
	script, err := renderWrapper(job, inv, s.cfg.ShuttleBin, s.cfg.HeartbeatInterval)
	if err != nil {
		return nil, err
	}

	actx := tasks.WithActor(ctx, "supervisor")
	if _, err := s.tasks.Claim(actx, t.ID, id); err != nil {
		return nil, err
	}

	now := s.now()
	rec = &models.WorkerRecord{
		ID:            id,
		TaskID:        t.ID,
		Executor:      execName,
		Model:         model,
		State:         models.WorkerStateStarting,
		StartedAt:     now,
		LastHeartbeat: now,
		OutputPath:    job.OutputPath,
	}

	if err := writeJobFiles(dir, job, prompt, script); err != nil {
		return nil, s.failSpawn(actx, rec, err)
	}
	if err := s.registry.Update(ctx, func(st *RegistryState) (bool, error) {
		st.Workers[id] = rec
		return true, nil
	}); err != nil {
		if errors.Is(err, ErrRegistryTimeout) {
			os.RemoveAll(dir)
			return nil, s.releaseSpawn(actx, rec, err)
		}
		return nil, s.failSpawn(actx, rec, err)
	}

	pid, err := s.launcher.Launch(LaunchSpec{Script: job.ScriptPath, WorkDir: s.cfg.WorkDir})
	if err != nil {
		return nil, s.failSpawn(actx, rec, err)
	}

	updated, err := s.recordPID(ctx, id, pid)
	if err != nil {
		// Without a pid the worker cannot be supervised, so it must not run.
		log.Printf("[Supervisor] Could not record pid %d for worker=%s, stopping it: %v", pid, id, err)
		if kerr := s.procs.SignalGroup(pid, syscall.SIGKILL); kerr != nil {
			log.Printf("[Supervisor] Failed to stop worker=%s (pid %d): %v", id, pid, kerr)
		}
		s.markDead(ctx, id, "pid not recorded: "+err.Error())
		return nil, s.releaseSpawn(actx, rec, err)
	}
	rec = updated

	s.metrics.RecordSpawn(execName, true)
	log.Printf("[Supervisor] Spawned worker=%s task=%s (pid %d, %s/%s)", id, t.ID, pid, execName, model)
	return rec, nil
}

func writeJobFiles(dir string, job *Job, prompt, script string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create worker dir: %w", err)
	}
	if err := os.WriteFile(job.PromptPath, []byte(prompt), 0o644); err != nil {
		return fmt.Errorf("write prompt: %w", err)
	}
	if err := os.WriteFile(job.ScriptPath, []byte(script), 0o755); err != nil {
		return fmt.Errorf("write wrapper: %w", err)
	}
	f, err := os.OpenFile(job.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create output log: %w", err)
	}
	return f.Close()
}

// recordPID stores the launched pid, retrying while the registry lock is
// contended.
func (s *Supervisor) recordPID(ctx context.Context, id string, pid int) (*models.WorkerRecord, error) {
	var rec *models.WorkerRecord
	var err error
	for attempt := 0; attempt < pidWriteAttempts; attempt++ {
		err = s.registry.Update(ctx, func(st *RegistryState) (bool, error) {
			r, ok := st.Workers[id]
			if !ok {
				return false, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
			}
			r.PID = pid
			if r.State == models.WorkerStateStarting {
				r.State = models.WorkerStateWorking
			}
			rec = r
			return true, nil
		})
		if err == nil || !errors.Is(err, ErrRegistryTimeout) || ctx.Err() != nil {
			break
		}
	}
	return rec, err
}

// markDead is best effort; a record it misses is reaped as never started.
func (s *Supervisor) markDead(ctx context.Context, id, reason string) {
	now := s.now()
	if err := s.registry.Update(ctx, func(st *RegistryState) (bool, error) {
		r, ok := st.Workers[id]
		if !ok {
			return false, nil
		}
		r.State = models.WorkerStateDead
		r.DeathReason = reason
		r.DiedAt = &now
		return true, nil
	}); err != nil {
		log.Printf("[Supervisor] Failed to mark worker=%s dead: %v", id, err)
	}
}

// releaseSpawn returns a claimed task to Open when the spawn lost a race for
// the registry. Nothing ran the task, so it is not failed.
func (s *Supervisor) releaseSpawn(ctx context.Context, rec *models.WorkerRecord, cause error) error {
	s.metrics.RecordSpawn(rec.Executor, false)
	if _, err := s.tasks.Unclaim(tasks.WithWorker(ctx, rec.ID), rec.TaskID, "spawn aborted: "+cause.Error()); err != nil {
		log.Printf("[Supervisor] Failed to release task=%s after aborted spawn: %v", rec.TaskID, err)
	}
	log.Printf("[Supervisor] Spawn aborted for task=%s worker=%s: %v", rec.TaskID, rec.ID, cause)
	return fmt.Errorf("spawn task %s: %w", rec.TaskID, cause)
}

// failSpawn marks the worker dead and the task failed after a claim.
func (s *Supervisor) failSpawn(ctx context.Context, rec *models.WorkerRecord, cause error) error {
	s.metrics.RecordSpawn(rec.Executor, false)
	reason := "spawn failed: " + cause.Error()
	s.markDead(ctx, rec.ID, reason)

	if _, err := s.tasks.Fail(tasks.WithWorker(ctx, rec.ID), rec.TaskID, reason); err != nil {
		log.Printf("[Supervisor] Failed to mark task=%s failed after spawn error: %v", rec.TaskID, err)
	}
	log.Printf("[Supervisor] Spawn failed for task=%s worker=%s: %v", rec.TaskID, rec.ID, cause)
	return fmt.Errorf("%w: task %s: %v", ErrSpawnFailure, rec.TaskID, cause)
}

// Heartbeat records that a worker is alive. Dead workers get ErrStaleWorker
// so their wrapper can stop.
func (s *Supervisor) Heartbeat(ctx context.Context, id string) error {
	return s.registry.Heartbeat(ctx, id, s.now())
}

// deathReason reports why a live record should be considered dead, or "".
func (s *Supervisor) deathReason(r *models.WorkerRecord, timeout time.Duration, now time.Time) string {
	if r.PID > 0 && !s.procs.Alive(r.PID) {
		return "exited"
	}
	if timeout <= 0 {
		return ""
	}
	if r.PID <= 0 {
		// A wrapper may heartbeat before its pid is recorded.
		last := r.StartedAt
		if r.LastHeartbeat.After(last) {
			last = r.LastHeartbeat
		}
		if now.Sub(last) > timeout {
			return "never started"
		}
		return ""
	}
	if now.Sub(r.LastHeartbeat) > timeout {
		return "stale"
	}
	return ""
}

// DetectStale returns live workers without a heartbeat within timeout. A
// hung process counts even though the OS still has it.
func (s *Supervisor) DetectStale(ctx context.Context, timeout time.Duration) ([]*models.WorkerRecord, error) {
	st, err := s.registry.Read()
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []*models.WorkerRecord
	for _, r := range st.Sorted() {
		if !r.Alive() || r.PID <= 0 {
			continue
		}
		if timeout > 0 && now.Sub(r.LastHeartbeat) > timeout {
			out = append(out, r)
		}
	}
	return out, nil
}

// Recovery records what reap did with a dead worker's task.
type Recovery struct {
	WorkerID string  `json:"worker_id"`
	TaskID   string  `json:"task_id"`
	Action   string  `json:"action"` // unclaimed, done, continued, restarted
	Verdict  Verdict `json:"verdict,omitempty"`
}

// ReapReport summarizes one reap pass.
type ReapReport struct {
	Dead      []*models.WorkerRecord `json:"dead"`
	Recovered []Recovery             `json:"recovered"`
}

// Reap reconciles the registry against the process table and recovers the
// tasks of dead workers. Running it twice with no change in between does
// nothing the second time.
func (s *Supervisor) Reap(ctx context.Context) (report *ReapReport, err error) {
	ctx, span := telemetry.StartSpan(ctx, "worker.reap")
	defer func() { telemetry.EndSpan(span, err) }()

	report = &ReapReport{}
	now := s.now()
	var dead []*models.WorkerRecord

	err = s.registry.Update(ctx, func(st *RegistryState) (bool, error) {
		changed := false
		for _, r := range st.Sorted() {
			if !r.Alive() {
				dead = append(dead, r)
				continue
			}
			reason := s.deathReason(r, s.cfg.HeartbeatTimeout, now)
			if reason == "" {
				continue
			}
			if reason == "stale" {
				if err := s.procs.SignalGroup(r.PID, syscall.SIGTERM); err != nil {
					log.Printf("[Supervisor] Failed to signal stale worker=%s (pid %d): %v", r.ID, r.PID, err)
				}
			}
			r.State = models.WorkerStateDead
			r.DeathReason = reason
			died := now
			r.DiedAt = &died
			changed = true
			dead = append(dead, r)
			report.Dead = append(report.Dead, r)
			s.metrics.RecordReap(r.Executor, reason, now.Sub(r.StartedAt))
			log.Printf("[Supervisor] Dead worker=%s task=%s: %s", r.ID, r.TaskID, reason)
		}
		return changed, nil
	})
	if err != nil {
		return nil, err
	}
	if len(dead) == 0 {
		return report, nil
	}

	// The registry lock is released before touching the graph.
	g, err := s.tasks.Store().Read(ctx)
	if err != nil {
		return report, err
	}
	for _, r := range dead {
		t, ok := g.Get(r.TaskID)
		if !ok || t.Assigned != r.ID {
			continue
		}
		if t.Status != models.TaskStatusInProgress {
			continue
		}
		rec, err := s.recoverTask(ctx, r, t)
		if err != nil {
			if errors.Is(err, tasks.ErrConflict) || errors.Is(err, tasks.ErrNotFound) {
				continue
			}
			log.Printf("[Supervisor] Failed to recover task=%s from worker=%s: %v", r.TaskID, r.ID, err)
			continue
		}
		report.Recovered = append(report.Recovered, rec)
	}
	return report, nil
}

func (s *Supervisor) recoverTask(ctx context.Context, r *models.WorkerRecord, t *models.Task) (Recovery, error) {
	ctx = tasks.WithActor(tasks.WithWorker(ctx, r.ID), "supervisor")
	rec := Recovery{WorkerID: r.ID, TaskID: t.ID, Action: "unclaimed"}
	note := fmt.Sprintf("worker %s %s", r.ID, r.DeathReason)

	if s.triager == nil {
		_, err := s.tasks.Unclaim(ctx, t.ID, note)
		return rec, err
	}

	tail := readTail(r.OutputPath, outputTailBytes)
	verdict, _, err := s.triager.Triage(ctx, TriageInput{Task: t, Worker: r, Reason: r.DeathReason, OutputTail: tail})
	if err != nil {
		log.Printf("[Supervisor] Triage failed for worker=%s, reopening task=%s: %v", r.ID, t.ID, err)
		_, err := s.tasks.Unclaim(ctx, t.ID, note)
		return rec, err
	}
	s.metrics.RecordTriage(string(verdict))
	rec.Verdict = verdict

	switch verdict {
	case VerdictDone:
		if t.Verify != "" {
			rec.Action = "submitted"
			_, err = s.tasks.Submit(ctx, t.ID, nil)
		} else {
			rec.Action = "done"
			_, err = s.tasks.Done(ctx, t.ID, tasks.DoneOptions{Note: note + "; triage found the work complete"})
		}
	case VerdictContinue:
		rec.Action = "continued"
		msg := note + "; continue from previous output"
		if tail = strings.TrimSpace(tail); tail != "" {
			msg += ":\n" + tail
		}
		_, err = s.tasks.Unclaim(ctx, t.ID, msg)
	default:
		rec.Action = "restarted"
		_, err = s.tasks.Unclaim(ctx, t.ID, note+"; restart from scratch")
	}
	return rec, err
}

// Kill sends SIGTERM to a worker's process group, then SIGKILL after the
// grace period. It never changes the task or the registry; the next reap
// observes the death.
func (s *Supervisor) Kill(ctx context.Context, id string) error {
	st, err := s.registry.Read()
	if err != nil {
		return err
	}
	r, ok := st.Workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	if r.PID <= 0 || !s.procs.Alive(r.PID) {
		return nil
	}
	log.Printf("[Supervisor] Killing worker=%s task=%s (pid %d)", id, r.TaskID, r.PID)
	if err := s.procs.SignalGroup(r.PID, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal worker %s: %w", id, err)
	}

	grace := s.cfg.KillGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(killPollInterval)
	defer ticker.Stop()
	for {
		if !s.procs.Alive(r.PID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			log.Printf("[Supervisor] SIGTERM ignored by worker=%s, sending SIGKILL", id)
			return s.procs.SignalGroup(r.PID, syscall.SIGKILL)
		case <-ticker.C:
		}
	}
}

// List returns all worker records.
func (s *Supervisor) List(ctx context.Context) ([]*models.WorkerRecord, error) {
	st, err := s.registry.Read()
	if err != nil {
		return nil, err
	}
	return st.Sorted(), nil
}

// AliveCount counts records not marked dead.
func (s *Supervisor) AliveCount(ctx context.Context) (int, error) {
	st, err := s.registry.Read()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range st.Workers {
		if r.Alive() {
			n++
		}
	}
	return n, nil
}

// PruneDead drops dead records older than olderThan and their work dirs. It
// does not wait for the registry lock; a busy registry is pruned next time.
func (s *Supervisor) PruneDead(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := s.now().Add(-olderThan)
	var pruned []string
	_, err := s.registry.TryUpdate(func(st *RegistryState) (bool, error) {
		for id, r := range st.Workers {
			if r.Alive() || r.DiedAt == nil || r.DiedAt.After(cutoff) {
				continue
			}
			delete(st.Workers, id)
			pruned = append(pruned, id)
		}
		return len(pruned) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range pruned {
		if err := os.RemoveAll(s.workerDir(id)); err != nil {
			log.Printf("[Supervisor] Failed to remove work dir for worker=%s: %v", id, err)
		}
	}
	return pruned, nil
}
