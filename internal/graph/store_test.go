package graph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/shuttle/pkg/models"
)

func newTask(id string, blockedBy ...string) *models.Task {
	return &models.Task{
		ID:        id,
		Title:     "task " + id,
		Status:    models.TaskStatusOpen,
		BlockedBy: blockedBy,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestStore_LoadMissingIsEmpty(t *testing.T) {
	s := NewStore(t.TempDir(), time.Second)
	g, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, g.Len())
}

func TestStore_MutateRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir(), time.Second)
	ctx := context.Background()

	err := s.Mutate(ctx, func(g *Graph) error {
		if err := g.Add(newTask("a")); err != nil {
			return err
		}
		return g.Add(newTask("b", "a"))
	})
	require.NoError(t, err)

	g, err := s.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, g.Len())
	b, err := g.Lookup("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, b.BlockedBy)
	assert.Equal(t, "a", g.Tasks()[0].ID)
}

func TestStore_MutateErrorWritesNothing(t *testing.T) {
	s := NewStore(t.TempDir(), time.Second)
	ctx := context.Background()
	require.NoError(t, s.Mutate(ctx, func(g *Graph) error { return g.Add(newTask("a")) }))

	boom := errors.New("boom")
	err := s.Mutate(ctx, func(g *Graph) error {
		task, _ := g.Get("a")
		task.Status = models.TaskStatusDone
		return boom
	})
	assert.ErrorIs(t, err, boom)

	g, err := s.Load()
	require.NoError(t, err)
	task, _ := g.Get("a")
	assert.Equal(t, models.TaskStatusOpen, task.Status)
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, time.Second)
	require.NoError(t, s.Mutate(context.Background(), func(g *Graph) error { return g.Add(newTask("a")) }))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover %s", e.Name())
	}
}

func TestStore_UnknownKindsPreserved(t *testing.T) {
	dir := t.TempDir()
	content := `{"kind":"task","id":"a","title":"A","status":"open"}
{"kind":"agent","id":"legacy-agent","role":"reviewer"}

{"kind":"task","id":"b","title":"B","status":"done","blocked_by":["a"]}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, GraphFileName), []byte(content), 0o644))

	s := NewStore(dir, time.Second)
	g, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
	assert.Equal(t, 1, g.UnknownRecords())

	require.NoError(t, s.Mutate(context.Background(), func(g *Graph) error {
		return g.Add(newTask("c"))
	}))

	data, err := os.ReadFile(filepath.Join(dir, GraphFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `{"kind":"agent","id":"legacy-agent","role":"reviewer"}`)
}

func TestStore_CorruptLineFailsLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, GraphFileName), []byte("{not json\n"), 0o644))
	_, err := NewStore(dir, time.Second).Load()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestStore_LaterRecordSupersedes(t *testing.T) {
	dir := t.TempDir()
	content := `{"kind":"task","id":"a","title":"A","status":"open"}
{"kind":"task","id":"a","title":"A","status":"done"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, GraphFileName), []byte(content), 0o644))
	g, err := NewStore(dir, time.Second).Load()
	require.NoError(t, err)
	require.Equal(t, 1, g.Len())
	a, _ := g.Get("a")
	assert.Equal(t, models.TaskStatusDone, a.Status)
}

func TestStore_LockTimeout(t *testing.T) {
	dir := t.TempDir()
	holder := NewStore(dir, time.Second)
	waiter := NewStore(dir, 50*time.Millisecond)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = holder.Mutate(context.Background(), func(g *Graph) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := waiter.Mutate(context.Background(), func(g *Graph) error { return nil })
	close(release)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestStore_Archive(t *testing.T) {
	s := NewStore(t.TempDir(), time.Second)
	require.NoError(t, s.AppendArchive([]*models.Task{newTask("x")}))
	require.NoError(t, s.AppendArchive([]*models.Task{newTask("y")}))

	archived, err := s.LoadArchive()
	require.NoError(t, err)
	assert.Equal(t, 2, archived.Len())
}

func TestStore_AppendArchiveSkipsAlreadyArchived(t *testing.T) {
	s := NewStore(t.TempDir(), time.Second)
	done := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	x := newTask("x")
	x.Status = models.TaskStatusDone
	x.CompletedAt = &done

	require.NoError(t, s.AppendArchive([]*models.Task{x}))
	require.NoError(t, s.AppendArchive([]*models.Task{x, newTask("y")}))

	data, err := os.ReadFile(filepath.Join(s.Dir(), ArchiveFileName))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), `"id":"x"`))

	// A later completion of a reused id is a new record.
	redone := done.Add(time.Hour)
	x2 := x.Clone()
	x2.CompletedAt = &redone
	require.NoError(t, s.AppendArchive([]*models.Task{x2}))
	data, err = os.ReadFile(filepath.Join(s.Dir(), ArchiveFileName))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), `"id":"x"`))
}

func TestGraph_AddDuplicateAndRemove(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a")))
	require.NoError(t, g.Add(newTask("b")))
	assert.ErrorIs(t, g.Add(newTask("a")), ErrDuplicateTask)

	removed, ok := g.Remove("a")
	require.True(t, ok)
	assert.Equal(t, "a", removed.ID)
	b, ok := g.Get("b")
	require.True(t, ok)
	assert.Equal(t, "b", b.ID)
	_, err := g.Lookup("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGraph_CloneIsDeep(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a", "b")))
	c := g.Clone()
	ct, _ := c.Get("a")
	ct.BlockedBy[0] = "z"
	orig, _ := g.Get("a")
	assert.Equal(t, "b", orig.BlockedBy[0])
}
