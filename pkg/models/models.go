package models

import (
	"fmt"
	"time"
)

// TaskStatus represents where a task is in its lifecycle
type TaskStatus string

const (
	TaskStatusOpen          TaskStatus = "open"
	TaskStatusInProgress    TaskStatus = "in-progress"
	TaskStatusPendingReview TaskStatus = "pending-review"
	TaskStatusDone          TaskStatus = "done"
	TaskStatusFailed        TaskStatus = "failed"
	TaskStatusAbandoned     TaskStatus = "abandoned"
)

// AllTaskStatuses lists every status in lifecycle order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusOpen,
	TaskStatusInProgress,
	TaskStatusPendingReview,
	TaskStatusDone,
	TaskStatusFailed,
	TaskStatusAbandoned,
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, known := range AllTaskStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseTaskStatus converts user input into a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	status := TaskStatus(s)
	if s == "in_progress" {
		status = TaskStatusInProgress
	}
	if !status.Valid() {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return status, nil
}

// Well-known tags
const (
	// TagRecurring and TagCycleIntentional mark a blocked_by cycle as deliberate.
	TagRecurring        = "recurring"
	TagCycleIntentional = "cycle:intentional"
	// TagConverged on a loop source suppresses every outgoing loop edge.
	TagConverged = "converged"
)

// LoopGuardKind selects how a loop edge's guard is evaluated
type LoopGuardKind string

const (
	LoopGuardAlways          LoopGuardKind = "always"
	LoopGuardTaskStatus      LoopGuardKind = "task_status"
	LoopGuardIterationsBelow LoopGuardKind = "iterations_below"
)

// LoopGuard is an optional condition on a loop edge
type LoopGuard struct {
	Kind   LoopGuardKind `json:"kind"`
	Task   string        `json:"task,omitempty"`   // task_status: task whose status is checked
	Status TaskStatus    `json:"status,omitempty"` // task_status: required status
	Below  int           `json:"below,omitempty"`  // iterations_below: fire while iteration < Below
}

// LoopEdge reopens Target (and the tasks between it and the source) when the
// source task completes.
type LoopEdge struct {
	Target        string     `json:"target"`
	MaxIterations int        `json:"max_iterations"`
	Guard         *LoopGuard `json:"guard,omitempty"`
	Delay         string     `json:"delay,omitempty"` // Go duration, e.g. "10m"
	Iteration     int        `json:"iteration"`
}

// DelayDuration parses Delay. An empty delay is zero.
func (e LoopEdge) DelayDuration() (time.Duration, error) {
	if e.Delay == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(e.Delay)
	if err != nil {
		return 0, fmt.Errorf("invalid loop delay %q: %w", e.Delay, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid loop delay %q: negative", e.Delay)
	}
	return d, nil
}

// MaxTaskLogEntries caps Task.Log; older entries are dropped first.
const MaxTaskLogEntries = 200

// LogEntry is one line of a task's history
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor,omitempty"`
	Message   string    `json:"message"`
}

// Task represents a unit of schedulable work
type Task struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Status        TaskStatus `json:"status"`
	BlockedBy     []string   `json:"blocked_by,omitempty"`
	LoopsTo       []LoopEdge `json:"loops_to,omitempty"`
	Assigned      string     `json:"assigned,omitempty"` // worker id
	NotBefore     *time.Time `json:"not_before,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Executor      string     `json:"executor,omitempty"` // per-task executor override
	Model         string     `json:"model,omitempty"`    // per-task model override
	Exec          string     `json:"exec,omitempty"`     // command for shell executors
	Verify        string     `json:"verify,omitempty"`   // non-empty: completion needs approval
	EstimateHours float64    `json:"estimate_hours,omitempty"`
	Artifacts     []string   `json:"artifacts,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	RetryCount    int        `json:"retry_count,omitempty"`
	Log           []LogEntry `json:"log,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// HasTag reports whether the task carries tag.
func (t *Task) HasTag(tag string) bool {
	for _, existing := range t.Tags {
		if existing == tag {
			return true
		}
	}
	return false
}

// AddTag adds tag if it is not already present.
func (t *Task) AddTag(tag string) {
	if !t.HasTag(tag) {
		t.Tags = append(t.Tags, tag)
	}
}

// RemoveTag drops every occurrence of tag.
func (t *Task) RemoveTag(tag string) {
	kept := t.Tags[:0]
	for _, existing := range t.Tags {
		if existing != tag {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		t.Tags = nil
		return
	}
	t.Tags = kept
}

// AppendLog records a history line, trimming the oldest beyond MaxTaskLogEntries.
func (t *Task) AppendLog(now time.Time, actor, message string) {
	t.Log = append(t.Log, LogEntry{Timestamp: now, Actor: actor, Message: message})
	if len(t.Log) > MaxTaskLogEntries {
		t.Log = t.Log[len(t.Log)-MaxTaskLogEntries:]
	}
}

// IsBlockedBy reports whether id appears in BlockedBy.
func (t *Task) IsBlockedBy(id string) bool {
	for _, b := range t.BlockedBy {
		if b == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.BlockedBy = append([]string(nil), t.BlockedBy...)
	c.Tags = append([]string(nil), t.Tags...)
	c.Artifacts = append([]string(nil), t.Artifacts...)
	c.Log = append([]LogEntry(nil), t.Log...)
	if t.LoopsTo != nil {
		c.LoopsTo = make([]LoopEdge, len(t.LoopsTo))
		for i, e := range t.LoopsTo {
			c.LoopsTo[i] = e
			if e.Guard != nil {
				g := *e.Guard
				c.LoopsTo[i].Guard = &g
			}
		}
	}
	c.NotBefore = cloneTime(t.NotBefore)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// WorkerState is the lifecycle state of a supervised worker process
type WorkerState string

const (
	WorkerStateStarting WorkerState = "starting"
	WorkerStateWorking  WorkerState = "working"
	WorkerStateIdle     WorkerState = "idle"
	WorkerStateDead     WorkerState = "dead"
)

// WorkerRecord tracks one worker process. It lives in the worker registry,
// never in the task graph.
type WorkerRecord struct {
	ID            string      `json:"id"`
	TaskID        string      `json:"task_id"`
	Executor      string      `json:"executor"`
	Model         string      `json:"model,omitempty"`
	PID           int         `json:"pid"`
	State         WorkerState `json:"state"`
	StartedAt     time.Time   `json:"started_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	OutputPath    string      `json:"output_path,omitempty"`
	DeathReason   string      `json:"death_reason,omitempty"`
	DiedAt        *time.Time  `json:"died_at,omitempty"`
}

// Alive reports whether the record has not been marked dead.
func (w *WorkerRecord) Alive() bool {
	return w.State != WorkerStateDead
}

// CoordinatorCounts summarizes the graph and worker table at the last tick
type CoordinatorCounts struct {
	AliveWorkers    int                `json:"alive_workers"`
	ReadyTasks      int                `json:"ready_tasks"`
	SpawnedLastTick int                `json:"spawned_last_tick"`
	ReapedLastTick  int                `json:"reaped_last_tick"`
	TotalSpawned    int                `json:"total_spawned"`
	TotalReaped     int                `json:"total_reaped"`
	ByStatus        map[TaskStatus]int `json:"by_status,omitempty"`
}

// CoordinatorOverrides are runtime settings applied by reconfigure. Zero
// values mean "use the configured value".
type CoordinatorOverrides struct {
	MaxWorkers   int    `json:"max_workers,omitempty"`
	Executor     string `json:"executor,omitempty"`
	Model        string `json:"model,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
}

// CoordinatorState is persisted beside the graph and survives daemon restarts.
type CoordinatorState struct {
	Paused    bool                 `json:"paused"`
	TickCount uint64               `json:"tick_count"`
	LastTick  *time.Time           `json:"last_tick,omitempty"`
	Counts    CoordinatorCounts    `json:"counts"`
	Overrides CoordinatorOverrides `json:"overrides"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// TaskEventType names a graph change
type TaskEventType string

const (
	TaskEventAdded       TaskEventType = "task.added"
	TaskEventEdited      TaskEventType = "task.edited"
	TaskEventClaimed     TaskEventType = "task.claimed"
	TaskEventUnclaimed   TaskEventType = "task.unclaimed"
	TaskEventDone        TaskEventType = "task.done"
	TaskEventFailed      TaskEventType = "task.failed"
	TaskEventAbandoned   TaskEventType = "task.abandoned"
	TaskEventRetried     TaskEventType = "task.retried"
	TaskEventSubmitted   TaskEventType = "task.submitted"
	TaskEventRejected    TaskEventType = "task.rejected"
	TaskEventLoopFired   TaskEventType = "task.loop_fired"
	TaskEventArchived    TaskEventType = "task.archived"
	TaskEventReactivated TaskEventType = "task.reactivated"
)

// TaskEvent is emitted after every successful graph mutation
type TaskEvent struct {
	Type      TaskEventType `json:"type"`
	TaskID    string        `json:"task_id,omitempty"`
	Status    TaskStatus    `json:"status,omitempty"`
	Actor     string        `json:"actor,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
