package tasks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

func TestAdd_Validation(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Add(ctx, &models.Task{}, AddOptions{})
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = m.Add(ctx, &models.Task{ID: "has space"}, AddOptions{})
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = m.Add(ctx, &models.Task{ID: "x", BlockedBy: []string{"later"}}, AddOptions{})
	assert.ErrorIs(t, err, ErrDanglingDeps)

	task, err := m.Add(ctx, &models.Task{ID: "x", BlockedBy: []string{"later"}}, AddOptions{AllowDangling: true})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusOpen, task.Status)
	assert.False(t, task.CreatedAt.IsZero())

	_, err = m.Add(ctx, &models.Task{ID: "x"}, AddOptions{})
	assert.ErrorIs(t, err, graph.ErrDuplicateTask)
}

func TestEdit_CannotChangeID(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	add(t, m, &models.Task{ID: "t", Title: "old"})

	_, err := m.Edit(ctx, "t", func(task *models.Task) error {
		task.ID = "u"
		return nil
	})
	assert.ErrorIs(t, err, ErrInvalidTask)

	edited, err := m.Edit(ctx, "t", func(task *models.Task) error {
		task.Title = "new"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "new", edited.Title)
}

func TestDependencies(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	add(t, m, &models.Task{ID: "a"})
	add(t, m, &models.Task{ID: "b"})

	task, err := m.AddDependency(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, task.BlockedBy)
	task, err = m.AddDependency(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, task.BlockedBy)
	assert.Equal(t, []string{"a"}, readyIDs(t, m))

	// cycles are accepted
	_, err = m.AddDependency(ctx, "a", "b")
	require.NoError(t, err)
	assert.Empty(t, readyIDs(t, m))

	_, err = m.RemoveDependency(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, readyIDs(t, m))
}

func TestAddLoop(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	add(t, m, &models.Task{ID: "a"})
	add(t, m, &models.Task{ID: "b", BlockedBy: []string{"a"}})

	_, err := m.AddLoop(ctx, "b", models.LoopEdge{Target: "a"})
	assert.Error(t, err)

	task, err := m.AddLoop(ctx, "b", models.LoopEdge{Target: "a", MaxIterations: 2, Delay: "1h"})
	require.NoError(t, err)
	require.Len(t, task.LoopsTo, 1)

	task, err = m.AddLoop(ctx, "b", models.LoopEdge{Target: "a", MaxIterations: 5})
	require.NoError(t, err)
	require.Len(t, task.LoopsTo, 1)
	assert.Equal(t, 5, task.LoopsTo[0].MaxIterations)
}

func TestArchive_KeepsReferencedTasks(t *testing.T) {
	m, sink := newManager(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	add(t, m, &models.Task{ID: "old-root"})
	add(t, m, &models.Task{ID: "old-mid", BlockedBy: []string{"old-root"}})
	add(t, m, &models.Task{ID: "open-child", BlockedBy: []string{"old-mid"}})
	add(t, m, &models.Task{ID: "lonely"})
	add(t, m, &models.Task{ID: "recent"})
	for _, id := range []string{"old-root", "old-mid", "lonely"} {
		_, err := m.Done(ctx, id, DoneOptions{})
		require.NoError(t, err)
	}

	now = now.Add(48 * time.Hour)
	_, err := m.Done(ctx, "recent", DoneOptions{})
	require.NoError(t, err)

	archived, err := m.Archive(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"lonely"}, archived)
	assert.Contains(t, sink.types(), models.TaskEventArchived)

	_, err = m.Get(ctx, "lonely")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(ctx, "old-root")
	assert.NoError(t, err)

	arch, err := m.Store().LoadArchive()
	require.NoError(t, err)
	assert.True(t, arch.Has("lonely"))
}

func TestArchive_RetryAfterUnsavedAppend(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	add(t, m, &models.Task{ID: "old"})
	_, err := m.Done(ctx, "old", DoneOptions{})
	require.NoError(t, err)
	now = now.Add(48 * time.Hour)

	// An earlier archive run appended the task but never saved the graph.
	g, err := m.Store().Load()
	require.NoError(t, err)
	old, ok := g.Get("old")
	require.True(t, ok)
	require.NoError(t, m.Store().AppendArchive([]*models.Task{old}))

	archived, err := m.Archive(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, archived)
	_, err = m.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)

	data, err := os.ReadFile(filepath.Join(m.Store().Dir(), graph.ArchiveFileName))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), `"id":"old"`))
}
