package graph

import (
	"encoding/json"
	"fmt"

	"github.com/jordanhubbard/shuttle/pkg/models"
)

// Graph is the in-memory task table. Tasks are held in an arena in file
// order and addressed by id through an index; edges are id references only.
type Graph struct {
	tasks []*models.Task
	index map[string]int

	// records of kinds this build does not understand, kept verbatim
	extra []json.RawMessage
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{index: make(map[string]int)}
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Get returns the task with id.
func (g *Graph) Get(id string) (*models.Task, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.tasks[i], true
}

// Lookup is Get returning ErrNotFound for unknown ids.
func (g *Graph) Lookup(id string) (*models.Task, error) {
	t, ok := g.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// Has reports whether id resolves.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Tasks returns the tasks in file order. The slice is a copy; the tasks are
// not.
func (g *Graph) Tasks() []*models.Task {
	out := make([]*models.Task, len(g.tasks))
	copy(out, g.tasks)
	return out
}

// Add appends a task. The id must be non-empty and unused.
func (g *Graph) Add(t *models.Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if g.Has(t.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	g.index[t.ID] = len(g.tasks)
	g.tasks = append(g.tasks, t)
	return nil
}

// put inserts or replaces by id, keeping the original position on replace.
func (g *Graph) put(t *models.Task) {
	if i, ok := g.index[t.ID]; ok {
		g.tasks[i] = t
		return
	}
	g.index[t.ID] = len(g.tasks)
	g.tasks = append(g.tasks, t)
}

// Remove deletes the task with id and returns it.
func (g *Graph) Remove(id string) (*models.Task, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	t := g.tasks[i]
	g.tasks = append(g.tasks[:i], g.tasks[i+1:]...)
	g.reindex()
	return t, true
}

func (g *Graph) reindex() {
	g.index = make(map[string]int, len(g.tasks))
	for i, t := range g.tasks {
		g.index[t.ID] = i
	}
}

// Clone returns a deep copy.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		tasks: make([]*models.Task, len(g.tasks)),
		index: make(map[string]int, len(g.index)),
		extra: make([]json.RawMessage, len(g.extra)),
	}
	for i, t := range g.tasks {
		c.tasks[i] = t.Clone()
		c.index[t.ID] = i
	}
	for i, raw := range g.extra {
		c.extra[i] = append(json.RawMessage(nil), raw...)
	}
	return c
}

// UnknownRecords returns the number of preserved records of unknown kind.
func (g *Graph) UnknownRecords() int {
	return len(g.extra)
}

// Dependents returns a reverse index of blocked_by: blocker id -> ids of the
// tasks it blocks, in graph order.
func (g *Graph) Dependents() map[string][]string {
	rev := make(map[string][]string)
	for _, t := range g.tasks {
		for _, b := range t.BlockedBy {
			rev[b] = append(rev[b], t.ID)
		}
	}
	return rev
}
