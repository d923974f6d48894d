package tasks

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/internal/loops"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

// AddOptions tune Add.
type AddOptions struct {
	// AllowDangling accepts blocked_by ids that do not exist yet.
	AllowDangling bool
}

// Add inserts a new task. Status defaults to open and CreatedAt to now.
func (m *Manager) Add(ctx context.Context, t *models.Task, opts AddOptions) (*models.Task, error) {
	if err := validateNew(t); err != nil {
		return nil, err
	}
	var out *models.Task
	err := m.run(ctx, "add", t.ID, func(g *graph.Graph, mu *mutation) error {
		if !opts.AllowDangling {
			var missing []string
			for _, dep := range t.BlockedBy {
				if !g.Has(dep) {
					missing = append(missing, dep)
				}
			}
			if len(missing) > 0 {
				return fmt.Errorf("%w: %s", ErrDanglingDeps, strings.Join(missing, ", "))
			}
		}
		for _, e := range t.LoopsTo {
			if e.Target != t.ID && !g.Has(e.Target) {
				return fmt.Errorf("%w: loop target %s", ErrNotFound, e.Target)
			}
		}

		nt := t.Clone()
		if nt.Status == "" {
			nt.Status = models.TaskStatusOpen
		}
		if nt.CreatedAt.IsZero() {
			nt.CreatedAt = mu.now
		}
		nt.AppendLog(mu.now, mu.actor, "created")
		if err := g.Add(nt); err != nil {
			return err
		}
		mu.event(models.TaskEventAdded, nt, nt.Title)
		out = nt.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[Tasks] Added task=%s", t.ID)
	return out, nil
}

func validateNew(t *models.Task) error {
	if t == nil || strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	if strings.ContainsAny(t.ID, " \t\n") {
		return fmt.Errorf("%w: id %q contains whitespace", ErrInvalidTask, t.ID)
	}
	if t.Status != "" && !t.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidTask, t.Status)
	}
	if t.EstimateHours < 0 {
		return fmt.Errorf("%w: negative estimate", ErrInvalidTask)
	}
	for _, e := range t.LoopsTo {
		if e.MaxIterations < 1 {
			return fmt.Errorf("%w: loop to %s needs max_iterations >= 1", ErrInvalidTask, e.Target)
		}
		if _, err := e.DelayDuration(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTask, err)
		}
	}
	return nil
}

// Edit applies fn to the task. The id cannot change and the resulting status
// must be valid.
func (m *Manager) Edit(ctx context.Context, id string, fn func(*models.Task) error) (*models.Task, error) {
	var out *models.Task
	err := m.run(ctx, "edit", id, func(g *graph.Graph, mu *mutation) error {
		t, err := g.Lookup(id)
		if err != nil {
			return err
		}
		before := t.Status
		if err := fn(t); err != nil {
			return err
		}
		if t.ID != id {
			return fmt.Errorf("%w: id cannot be changed", ErrInvalidTask)
		}
		if !t.Status.Valid() {
			return fmt.Errorf("%w: status %q", ErrInvalidTask, t.Status)
		}
		if t.Status != before {
			m.metrics.RecordTaskTransition(string(before), string(t.Status))
		}
		t.AppendLog(mu.now, mu.actor, "edited")
		mu.event(models.TaskEventEdited, t, "")
		out = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddDependency makes id blocked by blocker. Cycles are allowed.
func (m *Manager) AddDependency(ctx context.Context, id, blocker string) (*models.Task, error) {
	return m.Edit(ctx, id, func(t *models.Task) error {
		if blocker == id {
			log.Printf("[Tasks] Self-dependency on task=%s", id)
		}
		if t.IsBlockedBy(blocker) {
			return nil
		}
		t.BlockedBy = append(t.BlockedBy, blocker)
		return nil
	})
}

// RemoveDependency drops blocker from id's blocked_by list.
func (m *Manager) RemoveDependency(ctx context.Context, id, blocker string) (*models.Task, error) {
	return m.Edit(ctx, id, func(t *models.Task) error {
		kept := t.BlockedBy[:0]
		for _, b := range t.BlockedBy {
			if b != blocker {
				kept = append(kept, b)
			}
		}
		t.BlockedBy = kept
		return nil
	})
}

// AddLoop adds a loop edge from source.
func (m *Manager) AddLoop(ctx context.Context, source string, edge models.LoopEdge) (*models.Task, error) {
	var out *models.Task
	err := m.run(ctx, "add-loop", source, func(g *graph.Graph, mu *mutation) error {
		if err := loops.ValidateEdge(g, source, edge); err != nil {
			return err
		}
		t, _ := g.Get(source)
		for i, existing := range t.LoopsTo {
			if existing.Target == edge.Target {
				edge.Iteration = existing.Iteration
				t.LoopsTo[i] = edge
				t.AppendLog(mu.now, mu.actor, "loop edge to "+edge.Target+" updated")
				mu.event(models.TaskEventEdited, t, "loop "+edge.Target)
				out = t.Clone()
				return nil
			}
		}
		t.LoopsTo = append(t.LoopsTo, edge)
		t.AppendLog(mu.now, mu.actor, "loop edge to "+edge.Target+" added")
		mu.event(models.TaskEventEdited, t, "loop "+edge.Target)
		out = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Archive moves done and abandoned tasks finished before now-olderThan into
// the archive file. Tasks still referenced by a remaining task's blocked_by
// or loop edges stay in the graph.
func (m *Manager) Archive(ctx context.Context, olderThan time.Duration) ([]string, error) {
	var archived []string
	err := m.run(ctx, "archive", "", func(g *graph.Graph, mu *mutation) error {
		cutoff := mu.now.Add(-olderThan)
		candidates := make(map[string]bool)
		for _, t := range g.Tasks() {
			if t.Status != models.TaskStatusDone && t.Status != models.TaskStatusAbandoned {
				continue
			}
			if t.CompletedAt != nil && t.CompletedAt.After(cutoff) {
				continue
			}
			candidates[t.ID] = true
		}

		// Keeping a task can pin its own blockers, so repeat until stable.
		for changed := true; changed; {
			changed = false
			for _, t := range g.Tasks() {
				if candidates[t.ID] {
					continue
				}
				for _, dep := range t.BlockedBy {
					if candidates[dep] {
						delete(candidates, dep)
						changed = true
					}
				}
				for _, e := range t.LoopsTo {
					if candidates[e.Target] {
						delete(candidates, e.Target)
						changed = true
					}
				}
			}
		}

		var moved []*models.Task
		for _, t := range g.Tasks() {
			if candidates[t.ID] {
				moved = append(moved, t)
			}
		}
		if err := m.store.AppendArchive(moved); err != nil {
			return err
		}
		archived = archived[:0]
		for _, t := range moved {
			g.Remove(t.ID)
			archived = append(archived, t.ID)
			mu.event(models.TaskEventArchived, t, "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(archived) > 0 {
		log.Printf("[Tasks] Archived %d task(s)", len(archived))
	}
	return archived, nil
}
