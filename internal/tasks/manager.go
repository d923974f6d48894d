// Package tasks implements the claim manager: every task state transition is
// one lock-protected read-modify-write through the graph store, followed by
// change notification once the lock is released.
package tasks

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jordanhubbard/shuttle/internal/depgraph"
	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/internal/loops"
	"github.com/jordanhubbard/shuttle/internal/metrics"
	"github.com/jordanhubbard/shuttle/internal/telemetry"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

// EventSink receives task events after the mutation that produced them has
// been saved and the store lock released. Implementations must not block for
// long and handle their own errors.
type EventSink interface {
	Publish(ctx context.Context, ev models.TaskEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev models.TaskEvent)

func (f EventSinkFunc) Publish(ctx context.Context, ev models.TaskEvent) { f(ctx, ev) }

type actorKey struct{}

// WithActor tags operations made with ctx with an actor name for task logs.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

type workerKey struct{}

// WithWorker marks ctx as coming from worker workerID. Done, Fail and Submit
// made with it require the task to still be assigned to that worker, so a
// worker that was reaped cannot complete a task someone else now holds.
func WithWorker(ctx context.Context, workerID string) context.Context {
	return context.WithValue(WithActor(ctx, workerID), workerKey{}, workerID)
}

func workerFrom(ctx context.Context) string {
	w, _ := ctx.Value(workerKey{}).(string)
	return w
}

func actorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok {
		return a
	}
	return ""
}

// Manager performs task transitions against a graph store.
type Manager struct {
	store   *graph.Store
	metrics *metrics.Metrics

	mu    sync.RWMutex
	sinks []EventSink
	now   func() time.Time
}

// NewManager creates a manager over store.
func NewManager(store *graph.Store, sinks ...EventSink) *Manager {
	return &Manager{
		store:   store,
		metrics: metrics.NewMetrics(),
		sinks:   sinks,
		now:     time.Now,
	}
}

// Store returns the underlying graph store.
func (m *Manager) Store() *graph.Store { return m.store }

// AddSink registers an additional event sink.
func (m *Manager) AddSink(s EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manager) clock() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now()
}

func (m *Manager) emit(ctx context.Context, events []models.TaskEvent) {
	if len(events) == 0 {
		return
	}
	m.mu.RLock()
	sinks := append([]EventSink(nil), m.sinks...)
	m.mu.RUnlock()
	for _, ev := range events {
		for _, s := range sinks {
			s.Publish(ctx, ev)
		}
	}
}

// mutation carries state for one Mutate call.
type mutation struct {
	m      *Manager
	now    time.Time
	actor  string
	worker string
	events []models.TaskEvent
}

func (mu *mutation) checkOwner(op string, t *models.Task) error {
	if mu.worker != "" && t.Assigned != mu.worker {
		return conflict(op, t)
	}
	return nil
}

func (mu *mutation) event(typ models.TaskEventType, t *models.Task, detail string) {
	mu.events = append(mu.events, models.TaskEvent{
		Type:      typ,
		TaskID:    t.ID,
		Status:    t.Status,
		Actor:     mu.actor,
		Detail:    detail,
		Timestamp: mu.now,
	})
}

func (mu *mutation) setStatus(t *models.Task, to models.TaskStatus, note string) {
	from := t.Status
	t.Status = to
	if note == "" {
		note = fmt.Sprintf("%s -> %s", from, to)
	}
	t.AppendLog(mu.now, mu.actor, note)
	mu.m.metrics.RecordTaskTransition(string(from), string(to))
}

// run executes fn inside a store mutation, then emits collected events.
func (m *Manager) run(ctx context.Context, op, id string, fn func(g *graph.Graph, mu *mutation) error) error {
	ctx, span := telemetry.StartSpan(ctx, "tasks."+op, "task.id", id)
	mu := &mutation{m: m, now: m.clock(), actor: actorFrom(ctx), worker: workerFrom(ctx)}
	err := m.store.Mutate(ctx, func(g *graph.Graph) error {
		return fn(g, mu)
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		return err
	}
	m.emit(ctx, mu.events)
	return nil
}

// Get returns a copy of the task.
func (m *Manager) Get(ctx context.Context, id string) (*models.Task, error) {
	g, err := m.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	t, err := g.Lookup(id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// List returns copies of all tasks, optionally filtered by status.
func (m *Manager) List(ctx context.Context, statuses ...models.TaskStatus) ([]*models.Task, error) {
	g, err := m.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[models.TaskStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*models.Task
	for _, t := range g.Tasks() {
		if len(want) == 0 || want[t.Status] {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// Ready returns copies of the tasks ready to claim now.
func (m *Manager) Ready(ctx context.Context) ([]*models.Task, error) {
	g, err := m.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	ready := depgraph.Ready(g, m.clock())
	out := make([]*models.Task, len(ready))
	for i, t := range ready {
		out[i] = t.Clone()
	}
	return out, nil
}

// Claim moves an open task to in-progress for worker. Any other status is a
// ConflictError. A successful claim is visible to the next lock holder.
func (m *Manager) Claim(ctx context.Context, id, worker string) (*models.Task, error) {
	if worker == "" {
		return nil, fmt.Errorf("%w: claim requires a worker id", ErrInvalidTask)
	}
	var out *models.Task
	err := m.run(ctx, "claim", id, func(g *graph.Graph, mu *mutation) error {
		t, err := g.Lookup(id)
		if err != nil {
			return err
		}
		if t.Status != models.TaskStatusOpen {
			m.metrics.ClaimConflicts.Inc()
			return conflict("claim", t)
		}
		t.Assigned = worker
		now := mu.now
		t.StartedAt = &now
		mu.setStatus(t, models.TaskStatusInProgress, "claimed by "+worker)
		mu.event(models.TaskEventClaimed, t, worker)
		out = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[Tasks] Claimed task=%s worker=%s", id, worker)
	return out, nil
}

// Unclaim returns a claimed task to open. Done and abandoned tasks reject it;
// an open task is left unchanged. note is appended to the task log so the
// next worker sees why the previous attempt stopped.
func (m *Manager) Unclaim(ctx context.Context, id, note string) (*models.Task, error) {
	var out *models.Task
	err := m.run(ctx, "unclaim", id, func(g *graph.Graph, mu *mutation) error {
		t, err := g.Lookup(id)
		if err != nil {
			return err
		}
		switch t.Status {
		case models.TaskStatusOpen:
			out = t.Clone()
			return nil
		case models.TaskStatusInProgress, models.TaskStatusPendingReview:
		default:
			return conflict("unclaim", t)
		}
		if err := mu.checkOwner("unclaim", t); err != nil {
			return err
		}
		msg := "unclaimed"
		if t.Assigned != "" {
			msg = "unclaimed from " + t.Assigned
		}
		if note != "" {
			msg += ": " + note
		}
		t.Assigned = ""
		t.StartedAt = nil
		mu.setStatus(t, models.TaskStatusOpen, msg)
		mu.event(models.TaskEventUnclaimed, t, note)
		out = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DoneOptions tune Done and Approve.
type DoneOptions struct {
	// Converged tags the task so none of its loop edges fire.
	Converged bool
	Artifacts []string
	Note      string
}

// DoneResult is the completed task and what its loop edges did.
type DoneResult struct {
	Task *models.Task  `json:"task"`
	Loop *loops.Result `json:"loop,omitempty"`
}

// Done completes a task and evaluates its loop edges in the same mutation.
func (m *Manager) Done(ctx context.Context, id string, opts DoneOptions) (*DoneResult, error) {
	var res *DoneResult
	err := m.run(ctx, "done", id, func(g *graph.Graph, mu *mutation) error {
		t, err := g.Lookup(id)
		if err != nil {
			return err
		}
		switch t.Status {
		case models.TaskStatusOpen, models.TaskStatusInProgress:
		default:
			return conflict("done", t)
		}
		if err := mu.checkOwner("done", t); err != nil {
			return err
		}
		if t.Verify != "" {
			return &ConflictError{TaskID: t.ID, Op: "done", Status: t.Status, Assigned: t.Assigned,
				Hint: "completion needs review, use submit"}
		}
		var lerr error
		res, lerr = m.complete(g, mu, t, opts)
		return lerr
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[Tasks] Done task=%s%s", id, loopSummary(res.Loop))
	return res, nil
}

func (m *Manager) complete(g *graph.Graph, mu *mutation, t *models.Task, opts DoneOptions) (*DoneResult, error) {
	if opts.Converged {
		t.AddTag(models.TagConverged)
	}
	t.Artifacts = appendUnique(t.Artifacts, opts.Artifacts...)
	now := mu.now
	t.CompletedAt = &now
	if t.StartedAt != nil {
		m.metrics.RecordTaskCompletion("done", now.Sub(*t.StartedAt))
	}
	note := "done"
	if opts.Note != "" {
		note = "done: " + opts.Note
	}
	mu.setStatus(t, models.TaskStatusDone, note)
	mu.event(models.TaskEventDone, t, opts.Note)

	lres, err := loops.Evaluate(g, t.ID, mu.now)
	if err != nil {
		return nil, err
	}
	for _, er := range lres.Edges {
		m.metrics.RecordLoop(string(er.Outcome))
		if er.Outcome == loops.OutcomeFired {
			mu.event(models.TaskEventLoopFired, t, fmt.Sprintf("%s -> %s iteration %d/%d", t.ID, er.Target, er.Iteration, er.Max))
		}
	}
	for _, rid := range lres.Reopened() {
		rt, _ := g.Get(rid)
		mu.event(models.TaskEventReactivated, rt, "loop from "+t.ID)
	}
	return &DoneResult{Task: t.Clone(), Loop: lres}, nil
}

func loopSummary(r *loops.Result) string {
	if r == nil || !r.Fired() {
		return ""
	}
	return fmt.Sprintf("; loop reopened %v", r.Reopened())
}

// Fail marks a task failed with reason.
func (m *Manager) Fail(ctx context.Context, id, reason string) (*models.Task, error) {
	var out *models.Task
	err := m.run(ctx, "fail", id, func(g *graph.Graph, mu *mutation) error {
		t, err := g.Lookup(id)
		if err != nil {
			return err
		}
		switch t.Status {
		case models.TaskStatusOpen, models.TaskStatusInProgress, models.TaskStatusPendingReview:
		default:
			return conflict("fail", t)
		}
		if err := mu.checkOwner("fail", t); err != nil {
			return err
		}
		t.FailureReason = reason
		now := mu.now
		t.CompletedAt = &now
		if t.StartedAt != nil {
			m.metrics.RecordTaskCompletion("failed", now.Sub(*t.StartedAt))
		}
		mu.setStatus(t, models.TaskStatusFailed, "failed: "+reason)
		mu.event(models.TaskEventFailed, t, reason)
		out = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[Tasks] Failed task=%s: %s", id, reason)
	return out, nil
}

// Abandon moves an open or in-progress task to the terminal abandoned
// status. A failed task must be retried first, a pending-review one rejected.
func (m *Manager) Abandon(ctx context.Context, id, reason string) (*models.Task, error) {
	var out *models.Task
	err := m.run(ctx, "abandon", id, func(g *graph.Graph, mu *mutation) error {
		t, err := g.Lookup(id)
		if err != nil {
			return err
		}
		if t.Status != models.TaskStatusOpen && t.Status != models.TaskStatusInProgress {
			return conflict("abandon", t)
		}
		now := mu.now
		t.CompletedAt = &now
		msg := "abandoned"
		if reason != "" {
			msg += ": " + reason
		}
		mu.setStatus(t, models.TaskStatusAbandoned, msg)
		mu.event(models.TaskEventAbandoned, t, reason)
		out = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Retry reopens a failed or done task. It clears the converged tag so the
// task's loop edges can fire again.
func (m *Manager) Retry(ctx context.Context, id string) (*models.Task, error) {
	var out *models.Task
	err := m.run(ctx, "retry", id, func(g *graph.Graph, mu *mutation) error {
		t, err := g.Lookup(id)
		if err != nil {
			return err
		}
		if t.Status != models.TaskStatusFailed && t.Status != models.TaskStatusDone {
			return conflict("retry", t)
		}
		t.RemoveTag(models.TagConverged)
		t.RetryCount++
		prev := t.FailureReason
		t.FailureReason = ""
		t.Assigned = ""
		t.StartedAt = nil
		t.CompletedAt = nil
		msg := fmt.Sprintf("retry #%d", t.RetryCount)
		if prev != "" {
			msg += " after: " + prev
		}
		mu.setStatus(t, models.TaskStatusOpen, msg)
		mu.event(models.TaskEventRetried, t, prev)
		out = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Submit moves an in-progress task to pending-review.
func (m *Manager) Submit(ctx context.Context, id string, artifacts []string) (*models.Task, error) {
	var out *models.Task
	err := m.run(ctx, "submit", id, func(g *graph.Graph, mu *mutation) error {
		t, err := g.Lookup(id)
		if err != nil {
			return err
		}
		if t.Status != models.TaskStatusInProgress {
			return conflict("submit", t)
		}
		if err := mu.checkOwner("submit", t); err != nil {
			return err
		}
		t.Artifacts = appendUnique(t.Artifacts, artifacts...)
		mu.setStatus(t, models.TaskStatusPendingReview, "submitted for review")
		mu.event(models.TaskEventSubmitted, t, t.Verify)
		out = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Approve completes a pending-review task.
func (m *Manager) Approve(ctx context.Context, id string, opts DoneOptions) (*DoneResult, error) {
	var res *DoneResult
	err := m.run(ctx, "approve", id, func(g *graph.Graph, mu *mutation) error {
		t, err := g.Lookup(id)
		if err != nil {
			return err
		}
		if t.Status != models.TaskStatusPendingReview {
			return conflict("approve", t)
		}
		if opts.Note == "" {
			opts.Note = "approved"
		}
		var lerr error
		res, lerr = m.complete(g, mu, t, opts)
		return lerr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Reject sends a pending-review task back to open with reason in its log.
func (m *Manager) Reject(ctx context.Context, id, reason string) (*models.Task, error) {
	var out *models.Task
	err := m.run(ctx, "reject", id, func(g *graph.Graph, mu *mutation) error {
		t, err := g.Lookup(id)
		if err != nil {
			return err
		}
		if t.Status != models.TaskStatusPendingReview {
			return conflict("reject", t)
		}
		t.Assigned = ""
		t.StartedAt = nil
		mu.setStatus(t, models.TaskStatusOpen, "rejected: "+reason)
		mu.event(models.TaskEventRejected, t, reason)
		out = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		if it == "" {
			continue
		}
		dup := false
		for _, existing := range list {
			if existing == it {
				dup = true
				break
			}
		}
		if !dup {
			list = append(list, it)
		}
	}
	return list
}
