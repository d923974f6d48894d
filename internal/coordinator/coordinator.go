//go:build unix

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jordanhubbard/shuttle/internal/depgraph"
	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/internal/messagebus"
	"github.com/jordanhubbard/shuttle/internal/metrics"
	"github.com/jordanhubbard/shuttle/internal/tasks"
	"github.com/jordanhubbard/shuttle/internal/telemetry"
	"github.com/jordanhubbard/shuttle/internal/worker"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

// Tick triggers.
const (
	TriggerStartup = "startup"
	TriggerNotify  = "notify"
	TriggerTimer   = "timer"
	TriggerManual  = "manual"
)

// Config holds the configured (non-overridden) coordinator settings.
type Config struct {
	MaxWorkers    int
	PollInterval  time.Duration
	DeadRetention time.Duration
	Executor      string
	Model         string
}

// TickPublisher receives a summary of each tick.
type TickPublisher interface {
	PublishTick(ctx context.Context, msg *messagebus.TickMessage) error
}

// Coordinator owns the persisted coordinator state and runs ticks. Ticks
// never overlap; triggers that arrive during a tick collapse into one.
type Coordinator struct {
	cfg       Config
	tasks     *tasks.Manager
	sup       *worker.Supervisor
	stateFile *StateFile
	publisher TickPublisher
	metrics   *metrics.Metrics
	now       func() time.Time

	tickMu sync.Mutex

	mu    sync.RWMutex
	state *models.CoordinatorState

	trigger      chan struct{}
	reconfigured chan struct{}
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithTickPublisher publishes a summary after every tick.
func WithTickPublisher(p TickPublisher) Option { return func(c *Coordinator) { c.publisher = p } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// New loads the persisted state from the store's service directory and
// applies any saved overrides.
func New(cfg Config, tm *tasks.Manager, sup *worker.Supervisor, opts ...Option) (*Coordinator, error) {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.DeadRetention <= 0 {
		cfg.DeadRetention = time.Hour
	}
	c := &Coordinator{
		cfg:          cfg,
		tasks:        tm,
		sup:          sup,
		stateFile:    NewStateFile(worker.ServiceDir(tm.Store().Dir())),
		metrics:      metrics.NewMetrics(),
		now:          time.Now,
		trigger:      make(chan struct{}, 1),
		reconfigured: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	st, err := c.stateFile.Load()
	if err != nil {
		return nil, err
	}
	c.state = st
	sup.SetCoordinatorDefaults(st.Overrides.Executor, st.Overrides.Model)
	c.metrics.SetPaused(st.Paused)
	if st.Paused {
		log.Printf("[Coordinator] Resuming in paused state")
	}
	return c, nil
}

// Trigger requests a tick. It never blocks; a pending request absorbs it.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run ticks once at startup, then on every trigger and poll interval
// until ctx is done. State is flushed on exit.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := c.pollInterval()
	log.Printf("[Coordinator] Starting: max %d workers, polling every %s", c.maxWorkers(), interval)
	c.runTick(ctx, TriggerStartup)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Coordinator] Stopping")
			return c.Flush()
		case <-c.trigger:
			c.runTick(ctx, TriggerNotify)
		case <-ticker.C:
			c.runTick(ctx, TriggerTimer)
		case <-c.reconfigured:
			interval = c.pollInterval()
			ticker.Reset(interval)
			log.Printf("[Coordinator] Poll interval is now %s", interval)
		}
	}
}

func (c *Coordinator) runTick(ctx context.Context, trigger string) {
	if _, err := c.Tick(ctx, trigger); err != nil && ctx.Err() == nil {
		log.Printf("[Coordinator] Tick (%s) failed: %v", trigger, err)
	}
}

// TickResult describes one tick.
type TickResult struct {
	Trigger    string            `json:"trigger"`
	Paused     bool              `json:"paused"`
	Reaped     []string          `json:"reaped,omitempty"`
	Recovered  []worker.Recovery `json:"recovered,omitempty"`
	Spawned    []string          `json:"spawned,omitempty"`
	Failed     []string          `json:"failed,omitempty"`
	Ready      int               `json:"ready"`
	Alive      int               `json:"alive"`
	AtCapacity bool              `json:"at_capacity"`
	Summary    *depgraph.Summary `json:"summary,omitempty"`
}

// Tick runs one scheduling pass. Reaping happens even while paused; only
// spawning stops. A lock timeout ends the spawn phase early and the next
// tick picks up where this one left off.
func (c *Coordinator) Tick(ctx context.Context, trigger string) (res *TickResult, err error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	start := c.now()
	ctx, span := telemetry.StartSpan(ctx, "coordinator.tick", "trigger", trigger)
	defer func() { telemetry.EndSpan(span, err) }()

	res = &TickResult{Trigger: trigger, Paused: c.Paused()}

	report, err := c.sup.Reap(ctx)
	if err != nil {
		return nil, fmt.Errorf("reap: %w", err)
	}
	for _, r := range report.Dead {
		res.Reaped = append(res.Reaped, r.ID)
	}
	res.Recovered = report.Recovered

	if pruned, err := c.sup.PruneDead(ctx, c.cfg.DeadRetention); err != nil {
		log.Printf("[Coordinator] Failed to prune dead workers: %v", err)
	} else if len(pruned) > 0 {
		log.Printf("[Coordinator] Pruned %d dead worker record(s)", len(pruned))
	}

	alive, err := c.sup.AliveCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("count workers: %w", err)
	}
	maxWorkers := c.maxWorkers()

	if !res.Paused && alive < maxWorkers {
		g, err := c.tasks.Store().Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read graph: %w", err)
		}
		ready := depgraph.Ready(g, c.now())
		res.Ready = len(ready)
		alive = c.spawnReady(ctx, ready, alive, maxWorkers, res)
	}
	res.Alive = alive
	res.AtCapacity = alive >= maxWorkers

	// Counts are taken after spawning so they include the new claims.
	g, err := c.tasks.Store().Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	summary, err := depgraph.Summarize(g, c.now())
	if err != nil {
		return nil, err
	}
	res.Summary = summary

	now := c.now()
	c.mu.Lock()
	st := c.state
	st.TickCount++
	st.LastTick = &now
	st.UpdatedAt = now
	st.Counts.AliveWorkers = alive
	st.Counts.ReadyTasks = summary.Ready
	st.Counts.SpawnedLastTick = len(res.Spawned)
	st.Counts.ReapedLastTick = len(res.Reaped)
	st.Counts.TotalSpawned += len(res.Spawned)
	st.Counts.TotalReaped += len(res.Reaped)
	st.Counts.ByStatus = summary.ByStatus
	saveErr := c.stateFile.Save(st)
	msg := &messagebus.TickMessage{
		TickCount: st.TickCount,
		Trigger:   trigger,
		Paused:    st.Paused,
		Spawned:   res.Spawned,
		Reaped:    res.Reaped,
		Counts:    cloneCounts(st.Counts),
		Timestamp: now,
	}
	c.mu.Unlock()
	if saveErr != nil {
		log.Printf("[Coordinator] Failed to save state: %v", saveErr)
	}

	byStatus := make(map[string]int, len(summary.ByStatus))
	for s, n := range summary.ByStatus {
		byStatus[string(s)] = n
	}
	c.metrics.SetTaskCounts(byStatus)
	c.metrics.RecordTick(trigger, c.now().Sub(start), summary.Ready, alive)

	if c.publisher != nil {
		if err := c.publisher.PublishTick(ctx, msg); err != nil {
			log.Printf("[Coordinator] Failed to publish tick: %v", err)
		}
	}
	if len(res.Spawned) > 0 || len(res.Reaped) > 0 || len(res.Failed) > 0 {
		log.Printf("[Coordinator] Tick %d (%s): spawned %d, reaped %d, failed %d, %d/%d workers alive",
			msg.TickCount, trigger, len(res.Spawned), len(res.Reaped), len(res.Failed), alive, maxWorkers)
	}
	return res, nil
}

// spawnReady spawns workers for ready tasks in order until capacity is
// reached and returns the new alive count.
func (c *Coordinator) spawnReady(ctx context.Context, ready []*models.Task, alive, maxWorkers int, res *TickResult) int {
	for _, t := range ready {
		if alive >= maxWorkers {
			break
		}
		rec, err := c.sup.Spawn(ctx, worker.SpawnRequest{TaskID: t.ID})
		switch {
		case err == nil:
			alive++
			res.Spawned = append(res.Spawned, rec.ID)
		case errors.Is(err, tasks.ErrConflict), errors.Is(err, graph.ErrNotFound):
			// Claimed or removed since the ready query.
		case errors.Is(err, worker.ErrSpawnFailure):
			res.Failed = append(res.Failed, t.ID)
			log.Printf("[Coordinator] Spawn failed for task=%s: %v", t.ID, err)
		case errors.Is(err, worker.ErrUnknownExecutor), errors.Is(err, worker.ErrExecutorConfig):
			log.Printf("[Coordinator] Skipping task=%s: %v", t.ID, err)
		case errors.Is(err, graph.ErrLockTimeout):
			log.Printf("[Coordinator] Lock busy, deferring remaining spawns: %v", err)
			return alive
		default:
			if ctx.Err() == nil {
				log.Printf("[Coordinator] Spawn failed for task=%s: %v", t.ID, err)
			}
			return alive
		}
	}
	return alive
}

// Spawn starts a worker for one task on request, outside the capacity limit.
func (c *Coordinator) Spawn(ctx context.Context, req worker.SpawnRequest) (*models.WorkerRecord, error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	rec, err := c.sup.Spawn(ctx, req)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.state.Counts.TotalSpawned++
	c.mu.Unlock()
	return rec, nil
}

// Kill signals a worker and schedules a tick so the next reap recovers
// its task.
func (c *Coordinator) Kill(ctx context.Context, workerID string) error {
	if err := c.sup.Kill(ctx, workerID); err != nil {
		return err
	}
	c.Trigger()
	return nil
}

// Paused reports whether spawning is paused.
func (c *Coordinator) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Paused
}

// Pause stops spawning. The change is persisted before returning.
func (c *Coordinator) Pause() error { return c.setPaused(true) }

// Resume restarts spawning and triggers a tick.
func (c *Coordinator) Resume() error {
	if err := c.setPaused(false); err != nil {
		return err
	}
	c.Trigger()
	return nil
}

func (c *Coordinator) setPaused(paused bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state.Paused
	c.state.Paused = paused
	c.state.UpdatedAt = c.now()
	if err := c.stateFile.Save(c.state); err != nil {
		c.state.Paused = prev
		return err
	}
	c.metrics.SetPaused(paused)
	if paused {
		log.Printf("[Coordinator] Paused")
	} else {
		log.Printf("[Coordinator] Resumed")
	}
	return nil
}

// Reconfigure merges non-zero overrides into the current ones, or replaces
// them when reset is set, persists them and applies them immediately.
func (c *Coordinator) Reconfigure(ctx context.Context, o models.CoordinatorOverrides, reset bool) (*Status, error) {
	if o.MaxWorkers < 0 {
		return nil, fmt.Errorf("%w: max_workers must be positive", ErrInvalidOverride)
	}
	if o.PollInterval != "" {
		d, err := time.ParseDuration(o.PollInterval)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: poll_interval %q", ErrInvalidOverride, o.PollInterval)
		}
	}
	if o.Executor != "" {
		if _, err := c.sup.Executors().Get(o.Executor); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOverride, err)
		}
	}

	c.mu.Lock()
	prev := c.state.Overrides
	next := prev
	if reset {
		next = models.CoordinatorOverrides{}
	}
	if o.MaxWorkers > 0 {
		next.MaxWorkers = o.MaxWorkers
	}
	if o.PollInterval != "" {
		next.PollInterval = o.PollInterval
	}
	if o.Executor != "" {
		next.Executor = o.Executor
	}
	if o.Model != "" {
		next.Model = o.Model
	}
	c.state.Overrides = next
	c.state.UpdatedAt = c.now()
	if err := c.stateFile.Save(c.state); err != nil {
		c.state.Overrides = prev
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	c.sup.SetCoordinatorDefaults(next.Executor, next.Model)
	log.Printf("[Coordinator] Reconfigured: %+v", next)
	select {
	case c.reconfigured <- struct{}{}:
	default:
	}
	c.Trigger()
	return c.Status(), nil
}

// Status is the coordinator state plus the effective settings.
type Status struct {
	models.CoordinatorState
	MaxWorkers   int    `json:"max_workers"`
	PollInterval string `json:"poll_interval"`
	Executor     string `json:"executor"`
	Model        string `json:"model,omitempty"`
}

// Status returns a snapshot of the coordinator.
func (c *Coordinator) Status() *Status {
	c.mu.RLock()
	st := *c.state
	st.Counts = cloneCounts(c.state.Counts)
	if c.state.LastTick != nil {
		last := *c.state.LastTick
		st.LastTick = &last
	}
	c.mu.RUnlock()

	return &Status{
		CoordinatorState: st,
		MaxWorkers:       c.maxWorkers(),
		PollInterval:     c.pollInterval().String(),
		Executor:         firstNonEmpty(st.Overrides.Executor, c.cfg.Executor),
		Model:            firstNonEmpty(st.Overrides.Model, c.cfg.Model),
	}
}

// Flush persists the current state.
func (c *Coordinator) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateFile.Save(c.state)
}

func (c *Coordinator) maxWorkers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n := c.state.Overrides.MaxWorkers; n > 0 {
		return n
	}
	return c.cfg.MaxWorkers
}

func (c *Coordinator) pollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.Overrides.PollInterval != "" {
		if d, err := time.ParseDuration(c.state.Overrides.PollInterval); err == nil && d > 0 {
			return d
		}
	}
	return c.cfg.PollInterval
}

func cloneCounts(in models.CoordinatorCounts) models.CoordinatorCounts {
	out := in
	if in.ByStatus != nil {
		out.ByStatus = make(map[models.TaskStatus]int, len(in.ByStatus))
		for k, v := range in.ByStatus {
			out.ByStatus[k] = v
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
