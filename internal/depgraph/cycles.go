package depgraph

import (
	"sort"

	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

// CycleClass classifies a blocked_by cycle. Classification is advisory only.
type CycleClass string

const (
	CycleIntentional   CycleClass = "intentional"
	CycleWarning       CycleClass = "warning"
	CycleInformational CycleClass = "informational"
)

// Cycle is a strongly connected group of tasks in the blocked_by graph.
type Cycle struct {
	Members []string   `json:"members"`
	Class   CycleClass `json:"class"`
}

// Cycles returns every blocked_by cycle, members in graph order. Abandoned
// tasks and unknown ids do not participate.
func Cycles(g *graph.Graph) ([]Cycle, error) {
	sccs, err := stronglyConnected(g)
	if err != nil {
		return nil, err
	}

	order := make(map[string]int, g.Len())
	for i, t := range g.Tasks() {
		order[t.ID] = i
	}

	var cycles []Cycle
	for _, scc := range sccs {
		if len(scc) == 1 {
			t, _ := g.Get(scc[0])
			if !t.IsBlockedBy(t.ID) {
				continue
			}
		}
		sortByOrder(scc, order)
		cycles = append(cycles, Cycle{Members: scc, Class: classify(g, scc)})
	}
	sortCycles(cycles, order)
	return cycles, nil
}

// CycleMembers returns the set of task ids that sit on some cycle.
func CycleMembers(g *graph.Graph) (map[string]bool, error) {
	cycles, err := Cycles(g)
	if err != nil {
		return nil, err
	}
	members := make(map[string]bool)
	for _, c := range cycles {
		for _, id := range c.Members {
			members[id] = true
		}
	}
	return members, nil
}

func classify(g *graph.Graph, members []string) CycleClass {
	for _, id := range members {
		t, _ := g.Get(id)
		if t.HasTag(models.TagRecurring) || t.HasTag(models.TagCycleIntentional) {
			return CycleIntentional
		}
	}
	if len(members) <= 2 {
		return CycleWarning
	}
	return CycleInformational
}

// stronglyConnected runs Tarjan's algorithm: a DFS that keeps visited nodes
// on an explicit stack and pops a component when a root is found.
func stronglyConnected(g *graph.Graph) ([][]string, error) {
	b := newBudget("cycles", g)

	index := make(map[string]int)
	low := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var sccs [][]string
	next := 0

	var visit func(id string) error
	visit = func(id string) error {
		if err := b.step(); err != nil {
			return err
		}
		index[id] = next
		low[id] = next
		next++
		stack = append(stack, id)
		onStack[id] = true

		t, _ := g.Get(id)
		for _, dep := range t.BlockedBy {
			dt, ok := g.Get(dep)
			if !ok || dt.Status == models.TaskStatusAbandoned {
				continue
			}
			if _, seen := index[dep]; !seen {
				if err := visit(dep); err != nil {
					return err
				}
				low[id] = min(low[id], low[dep])
			} else if onStack[dep] {
				low[id] = min(low[id], index[dep])
			}
		}

		if low[id] == index[id] {
			var scc []string
			for {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[top] = false
				scc = append(scc, top)
				if top == id {
					break
				}
			}
			sccs = append(sccs, scc)
		}
		return nil
	}

	for _, t := range g.Tasks() {
		if t.Status == models.TaskStatusAbandoned {
			continue
		}
		if _, seen := index[t.ID]; !seen {
			if err := visit(t.ID); err != nil {
				return nil, err
			}
		}
	}
	return sccs, nil
}

func sortByOrder(ids []string, order map[string]int) {
	sort.Slice(ids, func(i, j int) bool { return order[ids[i]] < order[ids[j]] })
}

func sortCycles(cycles []Cycle, order map[string]int) {
	sort.Slice(cycles, func(i, j int) bool {
		return order[cycles[i].Members[0]] < order[cycles[j].Members[0]]
	})
}
