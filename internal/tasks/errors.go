package tasks

import (
	"errors"
	"fmt"

	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

// Sentinel errors for task operations. Use errors.Is() to check these
// rather than inspecting error message strings.
var (
	ErrConflict     = errors.New("task state conflict")
	ErrNotFound     = graph.ErrNotFound
	ErrLockTimeout  = graph.ErrLockTimeout
	ErrInvalidTask  = errors.New("invalid task")
	ErrDanglingDeps = errors.New("blocked_by references unknown tasks")
)

// ConflictError reports an operation that the task's current status does
// not allow. It unwraps to ErrConflict.
type ConflictError struct {
	TaskID   string
	Op       string
	Status   models.TaskStatus
	Assigned string
	Hint     string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("cannot %s %s: status is %s", e.Op, e.TaskID, e.Status)
	if e.Assigned != "" {
		msg += fmt.Sprintf(" (assigned to %s)", e.Assigned)
	}
	if e.Hint != "" {
		msg += "; " + e.Hint
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

func conflict(op string, t *models.Task) error {
	return &ConflictError{TaskID: t.ID, Op: op, Status: t.Status, Assigned: t.Assigned}
}
