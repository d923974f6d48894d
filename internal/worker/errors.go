package worker

import (
	"errors"

	"github.com/jordanhubbard/shuttle/internal/filelock"
)

var (
	ErrSpawnFailure     = errors.New("worker spawn failed")
	ErrStaleWorker      = errors.New("worker is stale")
	ErrWorkerNotFound   = errors.New("worker not found")
	ErrUnknownExecutor  = errors.New("unknown executor")
	ErrExecutorConfig   = errors.New("invalid executor configuration")
	ErrRegistryTimeout  = filelock.ErrLockTimeout
	ErrTriageUnparsable = errors.New("triage output has no verdict")
)
