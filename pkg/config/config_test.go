package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jordanhubbard/shuttle/internal/worker"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Graph.Dir != ".shuttle" {
		t.Errorf("expected graph dir .shuttle, got %q", cfg.Graph.Dir)
	}
	if cfg.Graph.LockTimeout != 5*time.Second {
		t.Errorf("expected 5s lock timeout, got %v", cfg.Graph.LockTimeout)
	}
	if cfg.Coordinator.MaxWorkers != 4 {
		t.Errorf("expected 4 max workers, got %d", cfg.Coordinator.MaxWorkers)
	}
	if cfg.Coordinator.PollInterval != 60*time.Second {
		t.Errorf("expected 60s poll interval, got %v", cfg.Coordinator.PollInterval)
	}
	if cfg.Coordinator.HeartbeatTimeout != 5*time.Minute {
		t.Errorf("expected 5m heartbeat timeout, got %v", cfg.Coordinator.HeartbeatTimeout)
	}
	if cfg.Coordinator.Executor != "claude" {
		t.Errorf("expected claude executor, got %q", cfg.Coordinator.Executor)
	}
	if cfg.Triage.Enabled {
		t.Error("triage should be disabled by default")
	}
	if !cfg.Watch.Enabled {
		t.Error("watch should be enabled by default")
	}
	if cfg.Metrics.ListenAddr != "" {
		t.Error("metrics endpoint should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("SHUTTLE_TEST_NATS", "nats://bus:4222")
	path := filepath.Join(t.TempDir(), FileName)
	content := `
coordinator:
  max_workers: 8
  poll_interval: 15s
  executor: shell
  model: big
triage:
  enabled: true
  timeout: 2m
executors:
  review:
    kind: custom
    command: review-bot
    args: ["--task", "{task_id}"]
events:
  nats_url: ${SHUTTLE_TEST_NATS}
logging:
  persist: true
  dsn: /tmp/shuttle-logs.db
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile: %v", err)
	}
	if cfg.Coordinator.MaxWorkers != 8 {
		t.Errorf("max_workers = %d, want 8", cfg.Coordinator.MaxWorkers)
	}
	if cfg.Coordinator.PollInterval != 15*time.Second {
		t.Errorf("poll_interval = %v, want 15s", cfg.Coordinator.PollInterval)
	}
	if cfg.Coordinator.Executor != "shell" || cfg.Coordinator.Model != "big" {
		t.Errorf("executor/model = %q/%q", cfg.Coordinator.Executor, cfg.Coordinator.Model)
	}
	if !cfg.Triage.Enabled || cfg.Triage.Timeout != 2*time.Minute {
		t.Errorf("triage = %+v", cfg.Triage)
	}
	if cfg.Triage.Command != "claude" {
		t.Errorf("triage command should default to claude, got %q", cfg.Triage.Command)
	}
	def, ok := cfg.Executors["review"]
	if !ok || def.Kind != worker.KindCustom || def.Command != "review-bot" {
		t.Errorf("review executor = %+v", def)
	}
	if cfg.Events.NATSURL != "nats://bus:4222" {
		t.Errorf("env not expanded: %q", cfg.Events.NATSURL)
	}
	if cfg.Logging.Driver != "sqlite3" {
		t.Errorf("logging driver should default to sqlite3, got %q", cfg.Logging.Driver)
	}

	// Defaults fill what the file leaves out.
	if cfg.Graph.LockTimeout != 5*time.Second {
		t.Errorf("lock_timeout default not applied: %v", cfg.Graph.LockTimeout)
	}
	if cfg.Coordinator.HeartbeatTimeout != 5*time.Minute {
		t.Errorf("heartbeat_timeout default not applied: %v", cfg.Coordinator.HeartbeatTimeout)
	}
	if !cfg.Watch.Enabled || cfg.Watch.Debounce != 250*time.Millisecond {
		t.Errorf("watch defaults not applied: %+v", cfg.Watch)
	}
}

func TestLoadConfigFromFile_WatchDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("watch:\n  enabled: false\n  debounce: 1s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Watch.Enabled {
		t.Error("explicitly disabled watch should stay disabled")
	}
	if cfg.Watch.Debounce != time.Second {
		t.Errorf("debounce = %v, want 1s", cfg.Watch.Debounce)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Coordinator.MaxWorkers != 4 {
		t.Errorf("expected defaults, got max_workers %d", cfg.Coordinator.MaxWorkers)
	}
}

func TestLoadConfigFromFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad yaml", "coordinator: [", "parse"},
		{"negative workers", "coordinator:\n  max_workers: -1\n", "max_workers"},
		{"heartbeat order", "coordinator:\n  heartbeat_interval: 10m\n  heartbeat_timeout: 1m\n", "heartbeat_interval"},
		{"bad executor", "executors:\n  x:\n    kind: magic\n", "unknown kind"},
		{"persist without dsn", "logging:\n  persist: true\n", "logging.dsn"},
		{"bad driver", "logging:\n  persist: true\n  driver: mysql\n  dsn: x\n", "not supported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), FileName)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadConfigFromFile(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
