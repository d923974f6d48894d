// Package depgraph answers questions about the blocked_by graph: readiness,
// blocker chains, impact, cycles, critical path and forecasts.
//
// blocked_by may contain cycles. Readiness is a single-level check and every
// other traversal carries a visited set, so none of these functions diverge
// on cyclic input.
package depgraph

import (
	"time"

	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

// IsReady reports whether t can be claimed now: it is open, every blocker
// resolves to a done task, and not_before has passed.
func IsReady(g *graph.Graph, t *models.Task, now time.Time) bool {
	if t.Status != models.TaskStatusOpen {
		return false
	}
	if t.NotBefore != nil && t.NotBefore.After(now) {
		return false
	}
	for _, id := range t.BlockedBy {
		b, ok := g.Get(id)
		if !ok || b.Status != models.TaskStatusDone {
			return false
		}
	}
	return true
}

// Ready returns the ready tasks in graph order.
func Ready(g *graph.Graph, now time.Time) []*models.Task {
	var ready []*models.Task
	for _, t := range g.Tasks() {
		if IsReady(g, t, now) {
			ready = append(ready, t)
		}
	}
	return ready
}

// Blocker describes one unmet entry of a task's blocked_by list.
type Blocker struct {
	ID      string            `json:"id"`
	Status  models.TaskStatus `json:"status,omitempty"`
	Missing bool              `json:"missing,omitempty"`
}

// UnmetBlockers returns the blockers of t that are not done, in list order.
func UnmetBlockers(g *graph.Graph, t *models.Task) []Blocker {
	var out []Blocker
	for _, id := range t.BlockedBy {
		b, ok := g.Get(id)
		switch {
		case !ok:
			out = append(out, Blocker{ID: id, Missing: true})
		case b.Status != models.TaskStatusDone:
			out = append(out, Blocker{ID: id, Status: b.Status})
		}
	}
	return out
}
