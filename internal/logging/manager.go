package logging

import (
	"container/ring"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultBufferSize is the number of log entries kept in memory
	DefaultBufferSize = 1000

	// LogLevelDebug represents debug-level logs
	LogLevelDebug = "debug"
	// LogLevelInfo represents info-level logs
	LogLevelInfo = "info"
	// LogLevelWarn represents warning-level logs
	LogLevelWarn = "warn"
	// LogLevelError represents error-level logs
	LogLevelError = "error"
)

// LogEntry represents a single log entry
type LogEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Filter narrows GetRecent and Query results. Zero fields match everything.
type Filter struct {
	Limit    int       `json:"limit,omitempty"`
	Level    string    `json:"level,omitempty"`
	Source   string    `json:"source,omitempty"`
	TaskID   string    `json:"task_id,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Since    time.Time `json:"since,omitempty"`
	Until    time.Time `json:"until,omitempty"`
}

func (f Filter) match(e LogEntry) bool {
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.TaskID != "" && getMetaString(e.Metadata, "task_id") != f.TaskID {
		return false
	}
	if f.WorkerID != "" && getMetaString(e.Metadata, "worker_id") != f.WorkerID {
		return false
	}
	return true
}

// Manager handles log collection, buffering, and persistence
type Manager struct {
	mu       sync.RWMutex
	size     int
	buffer   *ring.Ring
	db       *sql.DB
	postgres bool
	pending  sync.WaitGroup
}

// NewManager creates a logging manager keeping size entries in memory. db
// may be nil; driver selects placeholder syntax.
func NewManager(size int, db *sql.DB, driver string) *Manager {
	if size <= 0 {
		size = DefaultBufferSize
	}
	m := &Manager{
		size:     size,
		buffer:   ring.New(size),
		db:       db,
		postgres: driver == "postgres",
	}

	// Initialize database schema
	if err := m.initSchema(); err != nil {
		log.Printf("[Logging] Warning: Failed to initialize logging schema: %v", err)
	}

	return m
}

func (m *Manager) rebind(query string) string {
	if !m.postgres {
		return query
	}
	return rebindQuery(query)
}

// rebindQuery converts ? placeholders to $N for PostgreSQL.
func rebindQuery(query string) string {
	n := 1
	var out strings.Builder
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&out, "$%d", n)
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// initSchema creates the logs table if it doesn't exist
func (m *Manager) initSchema() error {
	if m.db == nil {
		return nil
	}

	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS logs (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			level TEXT NOT NULL,
			source TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata_json TEXT,
			task_id TEXT,
			worker_id TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create logs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_logs_level ON logs(level)",
		"CREATE INDEX IF NOT EXISTS idx_logs_source ON logs(source)",
		"CREATE INDEX IF NOT EXISTS idx_logs_task_id ON logs(task_id)",
	}
	for _, indexSQL := range indexes {
		if _, err := m.db.Exec(indexSQL); err != nil {
			log.Printf("[Logging] Warning: Failed to create index: %v", err)
		}
	}

	return nil
}

// Log adds a log entry to the buffer and optionally persists it
func (m *Manager) Log(level, source, message string, metadata map[string]interface{}) {
	entry := LogEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Level:     level,
		Source:    source,
		Message:   message,
		Metadata:  metadata,
	}

	m.mu.Lock()
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	m.mu.Unlock()

	if m.db != nil {
		m.pending.Add(1)
		go func() {
			defer m.pending.Done()
			m.persistLog(entry)
		}()
	}
}

// persistLog saves a log entry to the database. It must not log through the
// standard logger, which may be intercepted back into this manager.
func (m *Manager) persistLog(entry LogEntry) {
	var metadataJSON *string
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err == nil {
			jsonStr := string(data)
			metadataJSON = &jsonStr
		}
	}

	var taskID, workerID *string
	if val := getMetaString(entry.Metadata, "task_id"); val != "" {
		taskID = &val
	}
	if val := getMetaString(entry.Metadata, "worker_id"); val != "" {
		workerID = &val
	}

	_, err := m.db.Exec(m.rebind(`
		INSERT INTO logs (id, timestamp, level, source, message, metadata_json, task_id, worker_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.Timestamp, entry.Level, entry.Source, entry.Message, metadataJSON, taskID, workerID)
	if err != nil {
		m.mu.Lock()
		m.buffer.Value = LogEntry{
			ID:        uuid.NewString(),
			Timestamp: time.Now(),
			Level:     LogLevelWarn,
			Source:    "logging",
			Message:   "failed to persist log entry: " + err.Error(),
		}
		m.buffer = m.buffer.Next()
		m.mu.Unlock()
	}
}

// Flush waits for pending database writes.
func (m *Manager) Flush() {
	m.pending.Wait()
}

// GetRecent returns the most recent matching entries from the buffer,
// newest first.
func (m *Manager) GetRecent(f Filter) []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 || limit > m.size {
		limit = 100
	}

	var all []LogEntry
	m.buffer.Do(func(v interface{}) {
		entry, ok := v.(LogEntry)
		if !ok || !f.match(entry) {
			return
		}
		all = append(all, entry)
	})

	// The ring starts at the oldest slot; walk it backwards.
	logs := make([]LogEntry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(logs) < limit; i-- {
		logs = append(logs, all[i])
	}
	return logs
}

// Query returns log entries from the database based on filters
func (m *Manager) Query(f Filter) ([]LogEntry, error) {
	if m.db == nil {
		return m.GetRecent(f), nil
	}

	query := `SELECT id, timestamp, level, source, message, metadata_json FROM logs WHERE 1=1`
	args := make([]interface{}, 0)

	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Until)
	}
	if f.Level != "" {
		query += " AND level = ?"
		args = append(args, f.Level)
	}
	if f.Source != "" {
		query += " AND source = ?"
		args = append(args, f.Source)
	}
	if f.TaskID != "" {
		query += " AND task_id = ?"
		args = append(args, f.TaskID)
	}
	if f.WorkerID != "" {
		query += " AND worker_id = ?"
		args = append(args, f.WorkerID)
	}

	query += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := m.db.Query(m.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	logs := make([]LogEntry, 0)
	for rows.Next() {
		var entry LogEntry
		var metadataJSON *string

		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Level, &entry.Source, &entry.Message, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		if metadataJSON != nil && *metadataJSON != "" {
			if err := json.Unmarshal([]byte(*metadataJSON), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode log metadata: %w", err)
			}
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func getMetaString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	if val, ok := meta[key].(string); ok {
		return val
	}
	return ""
}

// logInterceptWriter implements io.Writer so that Go's standard log package
// output is captured and routed through the logging manager.
type logInterceptWriter struct {
	manager *Manager
	out     io.Writer
}

// Write parses "[Component] message" lines from log.Printf calls into
// structured entries and copies the raw line to out. task= and worker=
// tokens in the message become metadata.
func (w *logInterceptWriter) Write(p []byte) (n int, err error) {
	if w.out != nil {
		if _, err := w.out.Write(p); err != nil {
			return 0, err
		}
	}
	level, source, msg := parseLine(string(p))
	w.manager.Log(level, source, msg, parseFields(msg))
	return len(p), nil
}

// fieldKeys maps "key=value" tokens in a log message to metadata keys.
var fieldKeys = map[string]string{
	"task":   "task_id",
	"worker": "worker_id",
}

// parseFields collects task=<id> and worker=<id> tokens so that entries can
// be filtered by task or worker. Returns nil when there are none.
func parseFields(msg string) map[string]interface{} {
	var meta map[string]interface{}
	for _, tok := range strings.Fields(msg) {
		key, val, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		name, known := fieldKeys[key]
		if !known {
			continue
		}
		val = strings.TrimRight(val, ",;:)")
		if val == "" {
			continue
		}
		if meta == nil {
			meta = make(map[string]interface{})
		}
		meta[name] = val
	}
	return meta
}

func parseLine(line string) (level, source, msg string) {
	msg = strings.TrimSpace(line)
	// Standard log format: "2006/01/02 15:04:05 message"
	if len(msg) > 20 && msg[4] == '/' && msg[7] == '/' && msg[10] == ' ' {
		msg = strings.TrimSpace(msg[20:])
	}

	level = LogLevelInfo
	source = "system"

	lowerMsg := strings.ToLower(msg)
	if strings.Contains(lowerMsg, "error") || strings.Contains(lowerMsg, "fail") {
		level = LogLevelError
	} else if strings.Contains(lowerMsg, "warn") {
		level = LogLevelWarn
	}

	// "[Coordinator] message" → source=coordinator
	if len(msg) > 2 && msg[0] == '[' {
		end := strings.Index(msg, "]")
		if end > 1 {
			source = strings.ToLower(msg[1:end])
			msg = strings.TrimSpace(msg[end+1:])
		}
	}
	return level, source, msg
}

// InstallLogInterceptor routes the standard logger through this manager,
// still writing each line to out (usually stderr).
func (m *Manager) InstallLogInterceptor(out io.Writer) {
	log.SetOutput(&logInterceptWriter{manager: m, out: out})
	log.SetFlags(log.LstdFlags)
}
