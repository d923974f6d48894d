// Package coordinator runs the scheduling loop: each tick reaps dead
// workers, reads the ready set and spawns workers up to capacity.
package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jordanhubbard/shuttle/pkg/models"
)

// StateFileName is the coordinator state file inside the service directory.
const StateFileName = "coordinator-state.json"

// StateFile persists CoordinatorState. Only the daemon writes it, so it
// needs no lock; writes are atomic.
type StateFile struct {
	path string
}

// NewStateFile returns the state file in serviceDir.
func NewStateFile(serviceDir string) *StateFile {
	return &StateFile{path: filepath.Join(serviceDir, StateFileName)}
}

// Path returns the file path.
func (f *StateFile) Path() string { return f.path }

// Load returns the saved state, or a fresh one when none exists.
func (f *StateFile) Load() (*models.CoordinatorState, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &models.CoordinatorState{}, nil
		}
		return nil, fmt.Errorf("read coordinator state: %w", err)
	}
	st := &models.CoordinatorState{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decode coordinator state: %w", err)
	}
	return st, nil
}

// Save writes st atomically.
func (f *StateFile) Save(st *models.CoordinatorState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode coordinator state: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create service dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+StateFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write coordinator state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close coordinator state: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace coordinator state: %w", err)
	}
	return nil
}
