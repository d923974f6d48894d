package depgraph

import (
	"errors"
	"fmt"

	"github.com/jordanhubbard/shuttle/internal/graph"
)

var (
	// ErrCycleGuardExceeded means a traversal ran past its step budget. Every
	// traversal here is visited-set guarded, so this indicates an internal
	// invariant violation rather than a property of the input graph.
	ErrCycleGuardExceeded = errors.New("traversal step budget exceeded")
)

// budget bounds a traversal to a multiple of the graph's size.
type budget struct {
	op    string
	steps int
	limit int
}

func newBudget(op string, g *graph.Graph) *budget {
	edges := 0
	for _, t := range g.Tasks() {
		edges += len(t.BlockedBy)
	}
	return &budget{op: op, limit: 4*(g.Len()+edges) + 16}
}

func (b *budget) step() error {
	b.steps++
	if b.steps > b.limit {
		return fmt.Errorf("%s: %w (%d steps)", b.op, ErrCycleGuardExceeded, b.limit)
	}
	return nil
}
