package filelock

import "errors"

var (
	// ErrLockTimeout is returned when the lock could not be acquired within the
	// configured bound.
	ErrLockTimeout = errors.New("lock acquisition timed out")
)
