package graph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jordanhubbard/shuttle/internal/filelock"
	"github.com/jordanhubbard/shuttle/internal/metrics"
	"github.com/jordanhubbard/shuttle/internal/telemetry"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

const (
	// GraphFileName is the task graph inside the store directory.
	GraphFileName = "graph.jsonl"
	// ArchiveFileName receives archived tasks, appended.
	ArchiveFileName = "archive.jsonl"

	lockSuffix = ".lock"
)

// DefaultLockTimeout bounds how long Mutate waits for the store lock.
const DefaultLockTimeout = 5 * time.Second

// Store persists a Graph as NDJSON. Every mutation runs
// lock -> load -> mutate -> save -> unlock; saves replace the file by rename.
type Store struct {
	dir     string
	path    string
	lock    *filelock.Lock
	metrics *metrics.Metrics
}

// NewStore returns a store rooted at dir.
func NewStore(dir string, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	path := filepath.Join(dir, GraphFileName)
	return &Store{
		dir:     dir,
		path:    path,
		lock:    filelock.New(path+lockSuffix, lockTimeout),
		metrics: metrics.NewMetrics(),
	}
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the graph file path.
func (s *Store) Path() string { return s.path }

// Load reads the graph without taking the lock. Saves are atomic, so a load
// always sees a complete file. A missing file is an empty graph.
func (s *Store) Load() (*Graph, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("open graph: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Read is Load with a tracing span.
func (s *Store) Read(ctx context.Context) (*Graph, error) {
	_, span := telemetry.StartSpan(ctx, "graph.read")
	g, err := s.Load()
	telemetry.EndSpan(span, err)
	return g, err
}

// Save writes g to a temp file in the store directory and renames it over the
// graph file. Callers must hold the store lock.
func (s *Store) Save(g *Graph) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create graph dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+GraphFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp graph: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if err := Encode(tmp, g); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp graph: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp graph: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace graph: %w", err)
	}
	tmpName = ""
	return nil
}

// Mutate applies fn to the current graph under the store lock and saves the
// result. If fn returns an error nothing is written and the error is
// returned as is.
func (s *Store) Mutate(ctx context.Context, fn func(*Graph) error) error {
	ctx, span := telemetry.StartSpan(ctx, "graph.mutate")
	err := s.mutate(ctx, fn)
	telemetry.EndSpan(span, err)
	return err
}

func (s *Store) mutate(ctx context.Context, fn func(*Graph) error) error {
	start := time.Now()
	h, err := s.lock.Acquire(ctx)
	s.metrics.RecordLockWait("graph", time.Since(start), errors.Is(err, ErrLockTimeout))
	if err != nil {
		return fmt.Errorf("acquire graph lock: %w", err)
	}
	defer func() {
		if err := h.Release(); err != nil {
			log.Printf("[Graph] Failed to release lock: %v", err)
		}
	}()

	g, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(g); err != nil {
		return err
	}
	return s.Save(g)
}

// AppendArchive appends tasks to the archive file. It is called from inside a
// Mutate callback, so the store lock covers it. The append runs before the
// graph is saved, so a task already archived with the same completion time
// is left out; a retried archive does not write it twice.
func (s *Store) AppendArchive(tasks []*models.Task) error {
	prev, err := s.LoadArchive()
	if err != nil {
		return err
	}
	var fresh []*models.Task
	for _, t := range tasks {
		if old, ok := prev.Get(t.ID); ok && sameTime(old.CompletedAt, t.CompletedAt) {
			continue
		}
		fresh = append(fresh, t)
	}
	if len(fresh) == 0 {
		return nil
	}
	tasks = fresh
	f, err := os.OpenFile(filepath.Join(s.dir, ArchiveFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	archived := New()
	for _, t := range tasks {
		archived.put(t)
	}
	if err := Encode(f, archived); err != nil {
		f.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	return f.Close()
}

// LoadArchive reads the archive file.
func (s *Store) LoadArchive() (*Graph, error) {
	f, err := os.Open(filepath.Join(s.dir, ArchiveFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
