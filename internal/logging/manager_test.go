package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/shuttle/internal/database"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line   string
		level  string
		source string
		msg    string
	}{
		{"2026/03/01 12:00:00 [Coordinator] Tick spawned 2 workers\n", LogLevelInfo, "coordinator", "Tick spawned 2 workers"},
		{"[Supervisor] Spawn for task a failed: boom", LogLevelError, "supervisor", "Spawn for task a failed: boom"},
		{"[Logging] Warning: slow disk", LogLevelWarn, "logging", "Warning: slow disk"},
		{"plain message", LogLevelInfo, "system", "plain message"},
	}
	for _, tt := range tests {
		level, source, msg := parseLine(tt.line)
		assert.Equal(t, tt.level, level, tt.line)
		assert.Equal(t, tt.source, source, tt.line)
		assert.Equal(t, tt.msg, msg, tt.line)
	}
}

func TestGetRecent_NewestFirstAndBounded(t *testing.T) {
	m := NewManager(3, nil, "")
	for _, msg := range []string{"one", "two", "three", "four"} {
		m.Log(LogLevelInfo, "test", msg, nil)
	}

	got := m.GetRecent(Filter{Limit: 10})
	require.Len(t, got, 3)
	assert.Equal(t, "four", got[0].Message)
	assert.Equal(t, "two", got[2].Message)

	got = m.GetRecent(Filter{Limit: 1})
	require.Len(t, got, 1)
	assert.Equal(t, "four", got[0].Message)
}

func TestGetRecent_Filters(t *testing.T) {
	m := NewManager(10, nil, "")
	m.Log(LogLevelInfo, "coordinator", "tick", nil)
	m.Log(LogLevelError, "supervisor", "spawn failed", map[string]interface{}{"task_id": "a", "worker_id": "w-1"})
	m.Log(LogLevelInfo, "supervisor", "spawned", map[string]interface{}{"task_id": "b"})

	assert.Len(t, m.GetRecent(Filter{Source: "supervisor"}), 2)
	assert.Len(t, m.GetRecent(Filter{Level: LogLevelError}), 1)
	got := m.GetRecent(Filter{TaskID: "b"})
	require.Len(t, got, 1)
	assert.Equal(t, "spawned", got[0].Message)
	assert.Len(t, m.GetRecent(Filter{WorkerID: "w-1"}), 1)
	assert.Empty(t, m.GetRecent(Filter{Since: time.Now().Add(time.Hour)}))
}

func TestInstallLogInterceptor(t *testing.T) {
	defer log.SetOutput(os.Stderr)
	defer log.SetFlags(log.LstdFlags)

	m := NewManager(10, nil, "")
	var out bytes.Buffer
	m.InstallLogInterceptor(&out)
	log.Printf("[Watch] Graph file changed")

	assert.Contains(t, out.String(), "[Watch] Graph file changed")
	got := m.GetRecent(Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, "watch", got[0].Source)
	assert.Equal(t, "Graph file changed", got[0].Message)
}

func TestInterceptor_TaskAndWorkerFilters(t *testing.T) {
	defer log.SetOutput(os.Stderr)
	defer log.SetFlags(log.LstdFlags)

	m := NewManager(10, nil, "")
	m.InstallLogInterceptor(&bytes.Buffer{})
	log.Printf("[Tasks] Claimed task=t1 worker=w-abc")
	log.Printf("[Supervisor] Worker is dead: exited worker=w-abc task=t1,")
	log.Printf("[Tasks] Done task=t2")
	log.Printf("[Coordinator] Tick 3 (timer)")

	got := m.GetRecent(Filter{TaskID: "t1"})
	require.Len(t, got, 2)
	assert.Equal(t, "supervisor", got[0].Source)
	assert.Equal(t, "w-abc", got[0].Metadata["worker_id"])

	assert.Len(t, m.GetRecent(Filter{WorkerID: "w-abc"}), 2)
	assert.Len(t, m.GetRecent(Filter{TaskID: "t2"}), 1)
	assert.Empty(t, m.GetRecent(Filter{TaskID: "t3"}))
	assert.Len(t, m.GetRecent(Filter{}), 4)
}

func TestParseFields(t *testing.T) {
	assert.Nil(t, parseFields("no fields here"))
	assert.Nil(t, parseFields("task= worker="))
	assert.Equal(t, map[string]interface{}{"task_id": "a"}, parseFields("Claimed task=a other=x"))
}

func TestPersistAndQuery_SQLite(t *testing.T) {
	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "logs.db"))
	require.NoError(t, err)
	defer db.Close()

	m := NewManager(10, db, database.DriverSQLite)
	m.Log(LogLevelInfo, "coordinator", "tick", nil)
	m.Log(LogLevelWarn, "supervisor", "stale worker", map[string]interface{}{"task_id": "a"})
	m.Flush()

	all, err := m.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	got, err := m.Query(Filter{TaskID: "a", Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "stale worker", got[0].Message)
	assert.Equal(t, "a", got[0].Metadata["task_id"])
}

func TestRebindQuery(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", rebindQuery("a = ? AND b = ?"))
	pg := NewManager(1, nil, "postgres")
	assert.Equal(t, "x = $1", pg.rebind("x = ?"))
	lite := NewManager(1, nil, "sqlite3")
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}
