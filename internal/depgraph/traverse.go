package depgraph

import (
	"fmt"
	"time"

	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

// ChainLink is one step of a why-blocked chain.
type ChainLink struct {
	ID      string            `json:"id"`
	Status  models.TaskStatus `json:"status,omitempty"`
	Missing bool              `json:"missing,omitempty"`
	Reason  string            `json:"reason"`
}

// Explanation says why a task is or is not ready.
type Explanation struct {
	TaskID  string      `json:"task_id"`
	Ready   bool        `json:"ready"`
	Reasons []string    `json:"reasons,omitempty"`
	Chain   []ChainLink `json:"chain,omitempty"`
	Cycle   bool        `json:"cycle,omitempty"`
}

// WhyBlocked explains the readiness of id. Chain follows the first unmet
// blocker at each step back to a root cause: a task with no unmet blockers,
// an unknown id, an abandoned task, or a task already on the chain.
func WhyBlocked(g *graph.Graph, id string, now time.Time) (*Explanation, error) {
	t, err := g.Lookup(id)
	if err != nil {
		return nil, err
	}
	exp := &Explanation{TaskID: id, Ready: IsReady(g, t, now)}
	if exp.Ready {
		return exp, nil
	}

	if t.Status != models.TaskStatusOpen {
		exp.Reasons = append(exp.Reasons, fmt.Sprintf("status is %s", t.Status))
	}
	if t.NotBefore != nil && t.NotBefore.After(now) {
		exp.Reasons = append(exp.Reasons, fmt.Sprintf("not before %s", t.NotBefore.Format(time.RFC3339)))
	}
	if unmet := UnmetBlockers(g, t); len(unmet) > 0 {
		exp.Reasons = append(exp.Reasons, fmt.Sprintf("%d unmet blocker(s)", len(unmet)))
	}

	b := newBudget("why-blocked", g)
	visited := map[string]bool{t.ID: true}
	cur := t
	for {
		if err := b.step(); err != nil {
			return nil, err
		}
		unmet := UnmetBlockers(g, cur)
		if len(unmet) == 0 {
			break
		}
		next := unmet[0]
		for _, u := range unmet {
			if !visited[u.ID] {
				next = u
				break
			}
		}

		switch {
		case next.Missing:
			exp.Chain = append(exp.Chain, ChainLink{ID: next.ID, Missing: true, Reason: "unknown task"})
			return exp, nil
		case visited[next.ID]:
			exp.Chain = append(exp.Chain, ChainLink{ID: next.ID, Status: next.Status, Reason: "cycle: already on chain"})
			exp.Cycle = true
			return exp, nil
		case next.Status == models.TaskStatusAbandoned:
			exp.Chain = append(exp.Chain, ChainLink{ID: next.ID, Status: next.Status, Reason: "abandoned; will never complete"})
			return exp, nil
		}

		bt, _ := g.Get(next.ID)
		exp.Chain = append(exp.Chain, ChainLink{ID: next.ID, Status: next.Status, Reason: linkReason(g, bt, now)})
		visited[next.ID] = true
		cur = bt
	}
	return exp, nil
}

func linkReason(g *graph.Graph, t *models.Task, now time.Time) string {
	switch {
	case IsReady(g, t, now):
		return "ready, not yet claimed"
	case t.Status == models.TaskStatusInProgress:
		if t.Assigned != "" {
			return "in progress by " + t.Assigned
		}
		return "in progress"
	case t.Status == models.TaskStatusOpen && t.NotBefore != nil && t.NotBefore.After(now):
		return "scheduled for " + t.NotBefore.Format(time.RFC3339)
	default:
		return string(t.Status)
	}
}

// ImpactResult lists the tasks that transitively depend on a task.
type ImpactResult struct {
	TaskID     string   `json:"task_id"`
	Direct     []string `json:"direct"`
	Transitive []string `json:"transitive"`
}

// Impact walks dependents of id breadth first. Abandoned tasks are not
// traversed and the start task is never reported even when a cycle leads
// back to it.
func Impact(g *graph.Graph, id string) (*ImpactResult, error) {
	if _, err := g.Lookup(id); err != nil {
		return nil, err
	}
	rev := g.Dependents()
	b := newBudget("impact", g)

	res := &ImpactResult{TaskID: id, Direct: []string{}, Transitive: []string{}}
	visited := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range rev[cur] {
			if err := b.step(); err != nil {
				return nil, err
			}
			if visited[dep] {
				continue
			}
			visited[dep] = true
			dt, ok := g.Get(dep)
			if !ok || dt.Status == models.TaskStatusAbandoned {
				continue
			}
			if cur == id {
				res.Direct = append(res.Direct, dep)
			}
			res.Transitive = append(res.Transitive, dep)
			queue = append(queue, dep)
		}
	}
	return res, nil
}
