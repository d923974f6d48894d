// Package loops fires loop edges when their source task completes.
//
// A loop edge reopens its target, every task on the blocked_by path between
// the target and the source, and the source itself. The only termination
// guarantee is the per-edge iteration counter against its cap: reopened
// tasks are not evaluated again until they complete again.
package loops

import (
	"fmt"
	"log"
	"time"

	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

// Outcome is the result of evaluating one loop edge.
type Outcome string

const (
	OutcomeFired     Outcome = "fired"
	OutcomeConverged Outcome = "converged"
	OutcomeCapped    Outcome = "capped"
	OutcomeGuarded   Outcome = "guarded"
	OutcomeNoTarget  Outcome = "no_target"
)

// EdgeResult reports one edge.
type EdgeResult struct {
	Target    string   `json:"target"`
	Outcome   Outcome  `json:"outcome"`
	Iteration int      `json:"iteration"`
	Max       int      `json:"max_iterations"`
	Reopened  []string `json:"reopened,omitempty"`
}

// Result reports every edge of the source.
type Result struct {
	Source string       `json:"source"`
	Edges  []EdgeResult `json:"edges,omitempty"`
}

// Fired reports whether any edge fired.
func (r *Result) Fired() bool {
	for _, e := range r.Edges {
		if e.Outcome == OutcomeFired {
			return true
		}
	}
	return false
}

// Reopened returns every task reopened by any edge, without duplicates.
func (r *Result) Reopened() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.Edges {
		for _, id := range e.Reopened {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// Evaluate processes the loop edges of sourceID, which the caller has just
// moved to done inside the same graph mutation. A converged source skips all
// of its edges.
func Evaluate(g *graph.Graph, sourceID string, now time.Time) (*Result, error) {
	src, err := g.Lookup(sourceID)
	if err != nil {
		return nil, err
	}
	res := &Result{Source: sourceID}
	if len(src.LoopsTo) == 0 {
		return res, nil
	}

	if src.HasTag(models.TagConverged) {
		for _, e := range src.LoopsTo {
			res.Edges = append(res.Edges, EdgeResult{Target: e.Target, Outcome: OutcomeConverged, Iteration: e.Iteration, Max: e.MaxIterations})
		}
		return res, nil
	}

	for i := range src.LoopsTo {
		e := &src.LoopsTo[i]
		er := EdgeResult{Target: e.Target, Iteration: e.Iteration, Max: e.MaxIterations}

		target, ok := g.Get(e.Target)
		switch {
		case !ok || target.Status == models.TaskStatusAbandoned:
			er.Outcome = OutcomeNoTarget
		case !guardHolds(g, e):
			er.Outcome = OutcomeGuarded
		case e.Iteration >= e.MaxIterations:
			er.Outcome = OutcomeCapped
		default:
			e.Iteration++
			er.Iteration = e.Iteration
			er.Outcome = OutcomeFired
			er.Reopened = fire(g, e, target, src, now)
		}
		res.Edges = append(res.Edges, er)
	}
	return res, nil
}

func guardHolds(g *graph.Graph, e *models.LoopEdge) bool {
	if e.Guard == nil {
		return true
	}
	switch e.Guard.Kind {
	case "", models.LoopGuardAlways:
		return true
	case models.LoopGuardTaskStatus:
		t, ok := g.Get(e.Guard.Task)
		return ok && t.Status == e.Guard.Status
	case models.LoopGuardIterationsBelow:
		return e.Iteration < e.Guard.Below
	default:
		log.Printf("[Loops] Unknown guard kind %q on edge to %s; not firing", e.Guard.Kind, e.Target)
		return false
	}
}

func fire(g *graph.Graph, e *models.LoopEdge, target, src *models.Task, now time.Time) []string {
	delay, err := e.DelayDuration()
	if err != nil {
		log.Printf("[Loops] %v; firing without delay", err)
		delay = 0
	}
	note := fmt.Sprintf("reopened by loop %s -> %s (iteration %d/%d)", src.ID, target.ID, e.Iteration, e.MaxIterations)

	var reopened []string
	for _, t := range loopBody(g, target.ID, src.ID) {
		if reopen(t, now, note) {
			reopened = append(reopened, t.ID)
		}
	}
	if delay > 0 {
		nb := now.Add(delay)
		target.NotBefore = &nb
	}
	return reopened
}

// reopen moves a finished task back to open. Claimed tasks are left alone so
// an active claim is never overwritten.
func reopen(t *models.Task, now time.Time, note string) bool {
	switch t.Status {
	case models.TaskStatusDone, models.TaskStatusFailed, models.TaskStatusOpen:
	default:
		return false
	}
	t.Status = models.TaskStatusOpen
	t.Assigned = ""
	t.StartedAt = nil
	t.CompletedAt = nil
	t.FailureReason = ""
	t.AppendLog(now, "loop", note)
	return true
}

// loopBody returns the target, the source and every task that both depends
// on the target and is depended on by the source, in graph order.
func loopBody(g *graph.Graph, targetID, sourceID string) []*models.Task {
	downstream := map[string]bool{targetID: true}
	rev := g.Dependents()
	queue := []string{targetID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range rev[cur] {
			if !downstream[dep] {
				downstream[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	upstream := map[string]bool{sourceID: true}
	stack := []string{sourceID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		t, ok := g.Get(cur)
		if !ok {
			continue
		}
		for _, b := range t.BlockedBy {
			if !upstream[b] {
				upstream[b] = true
				stack = append(stack, b)
			}
		}
	}

	var body []*models.Task
	for _, t := range g.Tasks() {
		if t.ID == targetID || t.ID == sourceID || (downstream[t.ID] && upstream[t.ID]) {
			body = append(body, t)
		}
	}
	return body
}
