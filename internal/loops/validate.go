package loops

import (
	"errors"
	"fmt"

	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

// ErrInvalidEdge is returned for loop edges that could never be evaluated.
var ErrInvalidEdge = errors.New("invalid loop edge")

// ValidateEdge checks a new edge from sourceID before it is stored.
func ValidateEdge(g *graph.Graph, sourceID string, e models.LoopEdge) error {
	if _, err := g.Lookup(sourceID); err != nil {
		return err
	}
	if _, err := g.Lookup(e.Target); err != nil {
		return err
	}
	if e.MaxIterations < 1 {
		return fmt.Errorf("%w: max_iterations must be at least 1", ErrInvalidEdge)
	}
	if e.Iteration < 0 {
		return fmt.Errorf("%w: negative iteration counter", ErrInvalidEdge)
	}
	if _, err := e.DelayDuration(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEdge, err)
	}
	if e.Guard == nil {
		return nil
	}
	switch e.Guard.Kind {
	case "", models.LoopGuardAlways:
	case models.LoopGuardTaskStatus:
		if _, err := g.Lookup(e.Guard.Task); err != nil {
			return fmt.Errorf("%w: guard: %v", ErrInvalidEdge, err)
		}
		if !e.Guard.Status.Valid() {
			return fmt.Errorf("%w: guard status %q", ErrInvalidEdge, e.Guard.Status)
		}
	case models.LoopGuardIterationsBelow:
		if e.Guard.Below < 1 {
			return fmt.Errorf("%w: iterations_below needs a positive bound", ErrInvalidEdge)
		}
	default:
		return fmt.Errorf("%w: unknown guard kind %q", ErrInvalidEdge, e.Guard.Kind)
	}
	return nil
}
