package depgraph

import (
	"fmt"
	"time"

	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

// DefaultEstimateHours is used for tasks without an estimate.
const DefaultEstimateHours = 1.0

// PathResult is the longest chain of remaining work by estimated duration.
type PathResult struct {
	Path                 []string `json:"path"` // execution order, first blocker first
	Hours                float64  `json:"hours"`
	ExcludedCycleMembers int      `json:"excluded_cycle_members"`
}

func remaining(t *models.Task) bool {
	return t.Status != models.TaskStatusDone && t.Status != models.TaskStatusAbandoned
}

func estimate(t *models.Task) float64 {
	if t.EstimateHours > 0 {
		return t.EstimateHours
	}
	return DefaultEstimateHours
}

// CriticalPath returns the longest blocked_by chain among tasks that are not
// done or abandoned. Longest path is undefined on a cycle, so cycle members
// are left out and counted in ExcludedCycleMembers.
func CriticalPath(g *graph.Graph) (*PathResult, error) {
	members, err := CycleMembers(g)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]bool)
	res := &PathResult{Path: []string{}}
	for _, t := range g.Tasks() {
		if !remaining(t) {
			continue
		}
		if members[t.ID] {
			res.ExcludedCycleMembers++
			continue
		}
		nodes[t.ID] = true
	}

	lp, err := longestPaths(g, nodes, nil, "critical-path")
	if err != nil {
		return nil, err
	}
	res.Path, res.Hours = lp.best(g, nodes)
	return res, nil
}

type longest struct {
	dist map[string]float64
	next map[string]string
}

// longestPaths computes, for every node, the heaviest chain ending at it
// through blockers restricted to nodes. floor, when set, gives the earliest
// start offset (hours) of a task. The DFS keeps a three-state visited map,
// so a cycle that slipped into nodes is reported instead of followed.
func longestPaths(g *graph.Graph, nodes map[string]bool, floor func(*models.Task) float64, op string) (*longest, error) {
	const (
		unvisited = iota
		onPath
		finished
	)
	b := newBudget(op, g)
	state := make(map[string]int, len(nodes))
	lp := &longest{dist: make(map[string]float64, len(nodes)), next: make(map[string]string, len(nodes))}

	var visit func(id string) error
	visit = func(id string) error {
		if err := b.step(); err != nil {
			return err
		}
		switch state[id] {
		case finished:
			return nil
		case onPath:
			return fmt.Errorf("%s: %w: cycle through %s", op, ErrCycleGuardExceeded, id)
		}
		state[id] = onPath

		t, _ := g.Get(id)
		start, via := 0.0, ""
		for _, dep := range t.BlockedBy {
			if !nodes[dep] {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
			if lp.dist[dep] > start {
				start, via = lp.dist[dep], dep
			}
		}
		if floor != nil {
			if f := floor(t); f > start {
				start, via = f, ""
			}
		}
		lp.dist[id] = start + estimate(t)
		lp.next[id] = via
		state[id] = finished
		return nil
	}

	for _, t := range g.Tasks() {
		if nodes[t.ID] {
			if err := visit(t.ID); err != nil {
				return nil, err
			}
		}
	}
	return lp, nil
}

// best returns the heaviest chain in execution order. Ties go to the task
// earliest in the graph.
func (lp *longest) best(g *graph.Graph, nodes map[string]bool) ([]string, float64) {
	end, hours := "", 0.0
	for _, t := range g.Tasks() {
		if nodes[t.ID] && lp.dist[t.ID] > hours {
			end, hours = t.ID, lp.dist[t.ID]
		}
	}
	if end == "" {
		return []string{}, 0
	}
	var rev []string
	seen := make(map[string]bool)
	for id := end; id != "" && !seen[id]; id = lp.next[id] {
		seen[id] = true
		rev = append(rev, id)
	}
	path := make([]string, len(rev))
	for i, id := range rev {
		path[len(rev)-1-i] = id
	}
	return path, hours
}

// ForecastResult estimates when the remaining schedulable work finishes.
type ForecastResult struct {
	Workers              int       `json:"workers"`
	RemainingTasks       int       `json:"remaining_tasks"`
	RemainingHours       float64   `json:"remaining_hours"`
	CriticalPathHours    float64   `json:"critical_path_hours"`
	EstimatedHours       float64   `json:"estimated_hours"`
	Completion           time.Time `json:"completion"`
	ExcludedCycleMembers int       `json:"excluded_cycle_members"`
	Unschedulable        []string  `json:"unschedulable,omitempty"`
}

// Forecast estimates completion with the given number of parallel workers.
// The bound is max(longest chain, total work / workers); the chain honours
// not_before. Tasks that can never become ready (cycle members, tasks
// blocked by unknown or abandoned tasks, and everything downstream of them)
// are listed as unschedulable and left out of the totals.
func Forecast(g *graph.Graph, workers int, now time.Time) (*ForecastResult, error) {
	if workers < 1 {
		workers = 1
	}
	members, err := CycleMembers(g)
	if err != nil {
		return nil, err
	}

	stuck := make(map[string]bool)
	var seeds []string
	res := &ForecastResult{Workers: workers}
	for _, t := range g.Tasks() {
		if !remaining(t) {
			continue
		}
		if members[t.ID] {
			res.ExcludedCycleMembers++
			seeds = append(seeds, t.ID)
			continue
		}
		for _, dep := range t.BlockedBy {
			dt, ok := g.Get(dep)
			if !ok || dt.Status == models.TaskStatusAbandoned {
				seeds = append(seeds, t.ID)
				break
			}
		}
	}

	rev := g.Dependents()
	b := newBudget("forecast", g)
	for len(seeds) > 0 {
		id := seeds[0]
		seeds = seeds[1:]
		if stuck[id] {
			continue
		}
		if err := b.step(); err != nil {
			return nil, err
		}
		stuck[id] = true
		for _, dep := range rev[id] {
			if dt, ok := g.Get(dep); ok && remaining(dt) && !stuck[dep] {
				seeds = append(seeds, dep)
			}
		}
	}

	nodes := make(map[string]bool)
	for _, t := range g.Tasks() {
		if !remaining(t) {
			continue
		}
		if stuck[t.ID] {
			res.Unschedulable = append(res.Unschedulable, t.ID)
			continue
		}
		nodes[t.ID] = true
		res.RemainingTasks++
		res.RemainingHours += estimate(t)
	}

	floor := func(t *models.Task) float64 {
		if t.NotBefore == nil || !t.NotBefore.After(now) {
			return 0
		}
		return t.NotBefore.Sub(now).Hours()
	}
	lp, err := longestPaths(g, nodes, floor, "forecast")
	if err != nil {
		return nil, err
	}
	_, res.CriticalPathHours = lp.best(g, nodes)

	res.EstimatedHours = res.RemainingHours / float64(workers)
	if res.CriticalPathHours > res.EstimatedHours {
		res.EstimatedHours = res.CriticalPathHours
	}
	res.Completion = now.Add(time.Duration(res.EstimatedHours * float64(time.Hour)))
	return res, nil
}
