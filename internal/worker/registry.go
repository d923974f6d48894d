package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jordanhubbard/shuttle/internal/filelock"
	"github.com/jordanhubbard/shuttle/internal/metrics"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

// RegistryFileName holds worker records inside the service directory.
const RegistryFileName = "registry.json"

// RegistryState is the persisted worker table.
type RegistryState struct {
	Workers map[string]*models.WorkerRecord `json:"workers"`
}

// Sorted returns records ordered by start time, then id.
func (s *RegistryState) Sorted() []*models.WorkerRecord {
	out := make([]*models.WorkerRecord, 0, len(s.Workers))
	for _, w := range s.Workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Registry stores WorkerRecords in a JSON file under its own lock. It is
// never locked while the graph lock is held.
type Registry struct {
	path    string
	lock    *filelock.Lock
	metrics *metrics.Metrics
}

// NewRegistry returns a registry in serviceDir.
func NewRegistry(serviceDir string, lockTimeout time.Duration) *Registry {
	path := filepath.Join(serviceDir, RegistryFileName)
	return &Registry{
		path:    path,
		lock:    filelock.New(path+".lock", lockTimeout),
		metrics: metrics.NewMetrics(),
	}
}

// Path returns the registry file path.
func (r *Registry) Path() string { return r.path }

// Read loads the registry without locking; writes are atomic.
func (r *Registry) Read() (*RegistryState, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &RegistryState{Workers: map[string]*models.WorkerRecord{}}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	state := &RegistryState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	if state.Workers == nil {
		state.Workers = map[string]*models.WorkerRecord{}
	}
	return state, nil
}

// Update applies fn under the registry lock. fn reports whether it changed
// anything; unchanged state is not rewritten.
func (r *Registry) Update(ctx context.Context, fn func(*RegistryState) (bool, error)) error {
	start := time.Now()
	h, err := r.lock.Acquire(ctx)
	r.metrics.RecordLockWait("registry", time.Since(start), errors.Is(err, ErrRegistryTimeout))
	if err != nil {
		return fmt.Errorf("acquire registry lock: %w", err)
	}
	return r.apply(h, fn)
}

// TryUpdate is Update without waiting. It reports false, and does not call
// fn, when the lock is held elsewhere.
func (r *Registry) TryUpdate(fn func(*RegistryState) (bool, error)) (bool, error) {
	h, ok, err := r.lock.TryAcquire()
	if err != nil {
		return false, fmt.Errorf("acquire registry lock: %w", err)
	}
	if !ok {
		return false, nil
	}
	return true, r.apply(h, fn)
}

func (r *Registry) apply(h *filelock.Handle, fn func(*RegistryState) (bool, error)) error {
	defer func() {
		if err := h.Release(); err != nil {
			log.Printf("[Supervisor] Failed to release registry lock: %v", err)
		}
	}()

	state, err := r.Read()
	if err != nil {
		return err
	}
	changed, err := fn(state)
	if err != nil || !changed {
		return err
	}
	return r.write(state)
}

func (r *Registry) write(state *RegistryState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create service dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+RegistryFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// Heartbeat stamps a live worker's record with now. It is used directly by
// clients when no daemon is running.
func (r *Registry) Heartbeat(ctx context.Context, id string, now time.Time) error {
	return r.Update(ctx, func(st *RegistryState) (bool, error) {
		w, ok := st.Workers[id]
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
		}
		if !w.Alive() {
			return false, fmt.Errorf("%w: %s (%s)", ErrStaleWorker, id, w.DeathReason)
		}
		w.LastHeartbeat = now
		if w.State == models.WorkerStateStarting || w.State == models.WorkerStateIdle {
			w.State = models.WorkerStateWorking
		}
		return true, nil
	})
}
