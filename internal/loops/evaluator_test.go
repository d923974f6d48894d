package loops

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// pipeline builds a -> b -> c, all done, with c looping back to a.
func pipeline(t *testing.T, edge models.LoopEdge) *graph.Graph {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.Add(&models.Task{ID: "a", Status: models.TaskStatusDone}))
	require.NoError(t, g.Add(&models.Task{ID: "b", Status: models.TaskStatusDone, BlockedBy: []string{"a"}}))
	require.NoError(t, g.Add(&models.Task{ID: "c", Status: models.TaskStatusDone, BlockedBy: []string{"b"}, LoopsTo: []models.LoopEdge{edge}}))
	return g
}

func status(g *graph.Graph, id string) models.TaskStatus {
	t, _ := g.Get(id)
	return t.Status
}

func iteration(g *graph.Graph) int {
	c, _ := g.Get("c")
	return c.LoopsTo[0].Iteration
}

func TestEvaluate_FiresAndReopensBody(t *testing.T) {
	g := pipeline(t, models.LoopEdge{Target: "a", MaxIterations: 3})

	res, err := Evaluate(g, "c", now)
	require.NoError(t, err)
	assert.True(t, res.Fired())
	assert.Equal(t, 1, iteration(g))
	assert.Equal(t, []string{"a", "b", "c"}, res.Reopened())
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, models.TaskStatusOpen, status(g, id), id)
	}
}

func TestEvaluate_ConvergedSkipsAllEdges(t *testing.T) {
	g := pipeline(t, models.LoopEdge{Target: "a", MaxIterations: 3})
	c, _ := g.Get("c")
	c.LoopsTo = append(c.LoopsTo, models.LoopEdge{Target: "b", MaxIterations: 3})
	c.AddTag(models.TagConverged)

	res, err := Evaluate(g, "c", now)
	require.NoError(t, err)
	assert.False(t, res.Fired())
	require.Len(t, res.Edges, 2)
	for _, e := range res.Edges {
		assert.Equal(t, OutcomeConverged, e.Outcome)
	}
	assert.Equal(t, 0, iteration(g))
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, models.TaskStatusDone, status(g, id), id)
	}
}

func TestEvaluate_CapStopsFiring(t *testing.T) {
	g := pipeline(t, models.LoopEdge{Target: "a", MaxIterations: 3})

	for i := 1; i <= 3; i++ {
		res, err := Evaluate(g, "c", now)
		require.NoError(t, err)
		require.True(t, res.Fired(), "iteration %d", i)
		assert.Equal(t, i, iteration(g))
		for _, id := range []string{"a", "b", "c"} {
			task, _ := g.Get(id)
			task.Status = models.TaskStatusDone
		}
	}

	res, err := Evaluate(g, "c", now)
	require.NoError(t, err)
	assert.False(t, res.Fired())
	assert.Equal(t, OutcomeCapped, res.Edges[0].Outcome)
	assert.Equal(t, 3, iteration(g))
	assert.Equal(t, models.TaskStatusDone, status(g, "a"))
}

func TestEvaluate_TaskStatusGuard(t *testing.T) {
	g := pipeline(t, models.LoopEdge{
		Target:        "a",
		MaxIterations: 5,
		Guard:         &models.LoopGuard{Kind: models.LoopGuardTaskStatus, Task: "review", Status: models.TaskStatusFailed},
	})
	require.NoError(t, g.Add(&models.Task{ID: "review", Status: models.TaskStatusDone}))

	res, err := Evaluate(g, "c", now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGuarded, res.Edges[0].Outcome)
	assert.Equal(t, 0, iteration(g))

	review, _ := g.Get("review")
	review.Status = models.TaskStatusFailed
	res, err = Evaluate(g, "c", now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFired, res.Edges[0].Outcome)
}

func TestEvaluate_IterationsBelowGuard(t *testing.T) {
	g := pipeline(t, models.LoopEdge{
		Target:        "a",
		MaxIterations: 10,
		Iteration:     2,
		Guard:         &models.LoopGuard{Kind: models.LoopGuardIterationsBelow, Below: 2},
	})
	res, err := Evaluate(g, "c", now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGuarded, res.Edges[0].Outcome)
}

func TestEvaluate_DelaySetsNotBefore(t *testing.T) {
	g := pipeline(t, models.LoopEdge{Target: "a", MaxIterations: 2, Delay: "30m"})
	_, err := Evaluate(g, "c", now)
	require.NoError(t, err)
	a, _ := g.Get("a")
	require.NotNil(t, a.NotBefore)
	assert.Equal(t, now.Add(30*time.Minute), *a.NotBefore)
	b, _ := g.Get("b")
	assert.Nil(t, b.NotBefore)
}

func TestEvaluate_SelfLoop(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.Add(&models.Task{
		ID:      "poll",
		Status:  models.TaskStatusDone,
		LoopsTo: []models.LoopEdge{{Target: "poll", MaxIterations: 2}},
	}))
	res, err := Evaluate(g, "poll", now)
	require.NoError(t, err)
	assert.Equal(t, []string{"poll"}, res.Reopened())
	assert.Equal(t, models.TaskStatusOpen, status(g, "poll"))
}

func TestEvaluate_LeavesClaimedTasksAlone(t *testing.T) {
	g := pipeline(t, models.LoopEdge{Target: "a", MaxIterations: 2})
	b, _ := g.Get("b")
	b.Status = models.TaskStatusInProgress
	b.Assigned = "w1"

	res, err := Evaluate(g, "c", now)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, res.Reopened())
	assert.Equal(t, "w1", b.Assigned)
}

func TestEvaluate_NoTarget(t *testing.T) {
	g := pipeline(t, models.LoopEdge{Target: "ghost", MaxIterations: 2})
	res, err := Evaluate(g, "c", now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoTarget, res.Edges[0].Outcome)
}

func TestValidateEdge(t *testing.T) {
	g := pipeline(t, models.LoopEdge{Target: "a", MaxIterations: 1})

	assert.NoError(t, ValidateEdge(g, "c", models.LoopEdge{Target: "a", MaxIterations: 2, Delay: "5m"}))
	assert.ErrorIs(t, ValidateEdge(g, "c", models.LoopEdge{Target: "a"}), ErrInvalidEdge)
	assert.ErrorIs(t, ValidateEdge(g, "c", models.LoopEdge{Target: "a", MaxIterations: 1, Delay: "soon"}), ErrInvalidEdge)
	assert.ErrorIs(t, ValidateEdge(g, "c", models.LoopEdge{Target: "zzz", MaxIterations: 1}), graph.ErrNotFound)
	assert.ErrorIs(t, ValidateEdge(g, "c", models.LoopEdge{
		Target: "a", MaxIterations: 1,
		Guard: &models.LoopGuard{Kind: "sometimes"},
	}), ErrInvalidEdge)
}
