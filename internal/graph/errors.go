package graph

import (
	"errors"

	"github.com/jordanhubbard/shuttle/internal/filelock"
)

var (
	// ErrNotFound is returned when a task id does not resolve.
	ErrNotFound = errors.New("task not found")

	// ErrDuplicateTask is returned when adding a task whose id already exists.
	ErrDuplicateTask = errors.New("task already exists")

	// ErrCorrupt is returned when a graph record cannot be decoded.
	ErrCorrupt = errors.New("graph file corrupt")

	// ErrLockTimeout is the store lock timeout.
	ErrLockTimeout = filelock.ErrLockTimeout
)
