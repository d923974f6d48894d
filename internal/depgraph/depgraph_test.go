package depgraph

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type node struct {
	id     string
	status models.TaskStatus
	deps   []string
	tags   []string
	hours  float64
}

func build(t *testing.T, nodes ...node) *graph.Graph {
	t.Helper()
	g := graph.New()
	for _, s := range nodes {
		status := s.status
		if status == "" {
			status = models.TaskStatusOpen
		}
		require.NoError(t, g.Add(&models.Task{
			ID:            s.id,
			Title:         s.id,
			Status:        status,
			BlockedBy:     s.deps,
			Tags:          s.tags,
			EstimateHours: s.hours,
		}))
	}
	return g
}

func ids(tasks []*models.Task) []string {
	out := []string{}
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestReady_BlockerDone(t *testing.T) {
	g := build(t,
		node{id: "a", status: models.TaskStatusDone},
		node{id: "b", deps: []string{"a"}},
	)
	assert.Equal(t, []string{"b"}, ids(Ready(g, now)))

	b, _ := g.Get("b")
	b.Status = models.TaskStatusDone
	assert.Empty(t, Ready(g, now))
}

func TestReady_NotBefore(t *testing.T) {
	g := build(t, node{id: "a"})
	a, _ := g.Get("a")
	later := now.Add(time.Minute)
	a.NotBefore = &later
	assert.False(t, IsReady(g, a, now))
	assert.True(t, IsReady(g, a, later))
	assert.True(t, IsReady(g, a, later.Add(time.Second)))
}

func TestReady_UnknownAndPendingReviewBlockersAreUnmet(t *testing.T) {
	g := build(t,
		node{id: "r", status: models.TaskStatusPendingReview},
		node{id: "a", deps: []string{"r"}},
		node{id: "b", deps: []string{"ghost"}},
	)
	assert.Empty(t, Ready(g, now))
}

func TestReady_MatchesDefinition(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := models.AllTaskStatuses

	for round := 0; round < 200; round++ {
		g := graph.New()
		n := 2 + rng.Intn(10)
		for i := 0; i < n; i++ {
			var deps []string
			for j := 0; j < rng.Intn(4); j++ {
				deps = append(deps, fmt.Sprintf("t%d", rng.Intn(n+1))) // t<n> never exists
			}
			task := &models.Task{
				ID:        fmt.Sprintf("t%d", i),
				Status:    statuses[rng.Intn(len(statuses))],
				BlockedBy: deps,
			}
			if rng.Intn(3) == 0 {
				nb := now.Add(time.Duration(rng.Intn(7)-3) * time.Hour)
				task.NotBefore = &nb
			}
			require.NoError(t, g.Add(task))
		}

		for _, task := range g.Tasks() {
			want := task.Status == models.TaskStatusOpen
			for _, dep := range task.BlockedBy {
				b, ok := g.Get(dep)
				want = want && ok && b.Status == models.TaskStatusDone
			}
			want = want && (task.NotBefore == nil || !task.NotBefore.After(now))
			assert.Equal(t, want, IsReady(g, task, now), "round %d task %s", round, task.ID)
		}
	}
}

func TestWhyBlocked_Chain(t *testing.T) {
	g := build(t,
		node{id: "a"},
		node{id: "b", deps: []string{"a"}},
		node{id: "c", deps: []string{"b"}},
	)
	exp, err := WhyBlocked(g, "c", now)
	require.NoError(t, err)
	assert.False(t, exp.Ready)
	require.Len(t, exp.Chain, 2)
	assert.Equal(t, "b", exp.Chain[0].ID)
	assert.Equal(t, "a", exp.Chain[1].ID)
	assert.Equal(t, "ready, not yet claimed", exp.Chain[1].Reason)
	assert.False(t, exp.Cycle)
}

func TestWhyBlocked_ReadyTask(t *testing.T) {
	g := build(t, node{id: "a"})
	exp, err := WhyBlocked(g, "a", now)
	require.NoError(t, err)
	assert.True(t, exp.Ready)
	assert.Empty(t, exp.Chain)
}

func TestWhyBlocked_UnknownTask(t *testing.T) {
	_, err := WhyBlocked(graph.New(), "nope", now)
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestWhyBlocked_MissingAndAbandoned(t *testing.T) {
	g := build(t,
		node{id: "gone", status: models.TaskStatusAbandoned},
		node{id: "a", deps: []string{"ghost"}},
		node{id: "b", deps: []string{"gone"}},
	)
	exp, err := WhyBlocked(g, "a", now)
	require.NoError(t, err)
	require.Len(t, exp.Chain, 1)
	assert.True(t, exp.Chain[0].Missing)

	exp, err = WhyBlocked(g, "b", now)
	require.NoError(t, err)
	require.Len(t, exp.Chain, 1)
	assert.Equal(t, models.TaskStatusAbandoned, exp.Chain[0].Status)
}

func TestTraversals_TerminateOnTwoCycle(t *testing.T) {
	g := build(t,
		node{id: "x", deps: []string{"y"}},
		node{id: "y", deps: []string{"x"}},
		node{id: "z", deps: []string{"x"}},
	)

	exp, err := WhyBlocked(g, "x", now)
	require.NoError(t, err)
	assert.True(t, exp.Cycle)

	imp, err := Impact(g, "x")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"y", "z"}, imp.Transitive)

	cp, err := CriticalPath(g)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.ExcludedCycleMembers)
	assert.Equal(t, []string{"z"}, cp.Path)

	fc, err := Forecast(g, 2, now)
	require.NoError(t, err)
	assert.Equal(t, 0, fc.RemainingTasks)
	assert.ElementsMatch(t, []string{"x", "y", "z"}, fc.Unschedulable)
}

func TestTraversals_TerminateOnLargeRing(t *testing.T) {
	var nodes []node
	const n = 2000
	for i := 0; i < n; i++ {
		nodes = append(nodes, node{id: fmt.Sprintf("t%d", i), deps: []string{fmt.Sprintf("t%d", (i+1)%n)}})
	}
	g := build(t, nodes...)

	_, err := WhyBlocked(g, "t0", now)
	require.NoError(t, err)
	imp, err := Impact(g, "t0")
	require.NoError(t, err)
	assert.Len(t, imp.Transitive, n-1)
	cycles, err := Cycles(g)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, CycleInformational, cycles[0].Class)
	cp, err := CriticalPath(g)
	require.NoError(t, err)
	assert.Equal(t, n, cp.ExcludedCycleMembers)
}

func TestImpact_SkipsAbandoned(t *testing.T) {
	g := build(t,
		node{id: "a"},
		node{id: "b", deps: []string{"a"}, status: models.TaskStatusAbandoned},
		node{id: "c", deps: []string{"b"}},
		node{id: "d", deps: []string{"a"}},
	)
	imp, err := Impact(g, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, imp.Direct)
	assert.Equal(t, []string{"d"}, imp.Transitive)
}

func TestCycles_Classification(t *testing.T) {
	g := build(t,
		node{id: "x", deps: []string{"y"}},
		node{id: "y", deps: []string{"x"}},
		node{id: "p", deps: []string{"q"}},
		node{id: "q", deps: []string{"r"}},
		node{id: "r", deps: []string{"p"}},
		node{id: "m", deps: []string{"n"}, tags: []string{models.TagRecurring}},
		node{id: "n", deps: []string{"m"}},
		node{id: "s", deps: []string{"s"}},
		node{id: "free"},
	)
	cycles, err := Cycles(g)
	require.NoError(t, err)
	require.Len(t, cycles, 4)

	byFirst := map[string]Cycle{}
	for _, c := range cycles {
		byFirst[c.Members[0]] = c
	}
	assert.Equal(t, CycleWarning, byFirst["x"].Class)
	assert.Equal(t, []string{"x", "y"}, byFirst["x"].Members)
	assert.Equal(t, CycleInformational, byFirst["p"].Class)
	assert.Equal(t, CycleIntentional, byFirst["m"].Class)
	assert.Equal(t, CycleWarning, byFirst["s"].Class)
}

func TestCycles_TwoCycleNeverReady(t *testing.T) {
	g := build(t,
		node{id: "x", deps: []string{"y"}},
		node{id: "y", deps: []string{"x"}},
	)
	cycles, err := Cycles(g)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, CycleWarning, cycles[0].Class)

	for i := 0; i < 3; i++ {
		assert.Empty(t, Ready(g, now.Add(time.Duration(i)*24*time.Hour)))
	}
}

func TestCycles_IgnoresAbandonedMembers(t *testing.T) {
	g := build(t,
		node{id: "x", deps: []string{"y"}},
		node{id: "y", deps: []string{"x"}, status: models.TaskStatusAbandoned},
	)
	cycles, err := Cycles(g)
	require.NoError(t, err)
	assert.Empty(t, cycles)
}

func TestCriticalPath_LongestByEstimate(t *testing.T) {
	g := build(t,
		node{id: "design", hours: 2},
		node{id: "build", deps: []string{"design"}, hours: 5},
		node{id: "docs", deps: []string{"design"}, hours: 1},
		node{id: "ship", deps: []string{"build", "docs"}, hours: 1},
		node{id: "old", status: models.TaskStatusDone, hours: 100},
	)
	cp, err := CriticalPath(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"design", "build", "ship"}, cp.Path)
	assert.InDelta(t, 8.0, cp.Hours, 1e-9)
	assert.Zero(t, cp.ExcludedCycleMembers)
}

func TestCriticalPath_Empty(t *testing.T) {
	cp, err := CriticalPath(graph.New())
	require.NoError(t, err)
	assert.Empty(t, cp.Path)
	assert.Zero(t, cp.Hours)
}

func TestForecast_WorkersAndNotBefore(t *testing.T) {
	g := build(t,
		node{id: "a", hours: 4},
		node{id: "b", hours: 4},
		node{id: "c", hours: 4},
		node{id: "d", hours: 4},
	)
	fc, err := Forecast(g, 2, now)
	require.NoError(t, err)
	assert.Equal(t, 4, fc.RemainingTasks)
	assert.InDelta(t, 8.0, fc.EstimatedHours, 1e-9)
	assert.Equal(t, now.Add(8*time.Hour), fc.Completion)

	a, _ := g.Get("a")
	later := now.Add(10 * time.Hour)
	a.NotBefore = &later
	fc, err = Forecast(g, 2, now)
	require.NoError(t, err)
	assert.InDelta(t, 14.0, fc.CriticalPathHours, 1e-9)
	assert.InDelta(t, 14.0, fc.EstimatedHours, 1e-9)
}

func TestLongestPaths_ReportsCycleInsteadOfLooping(t *testing.T) {
	g := build(t,
		node{id: "x", deps: []string{"y"}},
		node{id: "y", deps: []string{"x"}},
	)
	_, err := longestPaths(g, map[string]bool{"x": true, "y": true}, nil, "test")
	assert.ErrorIs(t, err, ErrCycleGuardExceeded)
}

func TestSummarizeAndCheck(t *testing.T) {
	g := build(t,
		node{id: "a", status: models.TaskStatusDone},
		node{id: "b", deps: []string{"a"}},
		node{id: "c", deps: []string{"ghost"}},
		node{id: "x", deps: []string{"y"}},
		node{id: "y", deps: []string{"x"}},
	)
	c, _ := g.Get("c")
	c.LoopsTo = []models.LoopEdge{{Target: "nowhere", MaxIterations: 1}}

	s, err := Summarize(g, now)
	require.NoError(t, err)
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 1, s.Ready)
	assert.Equal(t, 4, s.ByStatus[models.TaskStatusOpen])
	assert.Equal(t, 1, s.Cycles)

	findings, err := Check(g)
	require.NoError(t, err)
	var errs, warns int
	for _, f := range findings {
		switch f.Severity {
		case SeverityError:
			errs++
		case SeverityWarning:
			warns++
		}
	}
	assert.Equal(t, 2, errs)  // ghost blocker, unknown loop target
	assert.Equal(t, 1, warns) // x<->y
}
