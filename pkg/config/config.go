package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/shuttle/internal/worker"
)

// FileName is the config file looked up inside the store directory.
const FileName = "config.yaml"

// Config represents the configuration for a shuttle project.
type Config struct {
	Graph       GraphConfig                   `yaml:"graph" json:"graph"`
	Coordinator CoordinatorConfig             `yaml:"coordinator" json:"coordinator"`
	Triage      TriageConfig                  `yaml:"triage" json:"triage"`
	Executors   map[string]worker.ExecutorDef `yaml:"executors" json:"executors,omitempty"`
	Watch       WatchConfig                   `yaml:"watch" json:"watch"`
	Metrics     MetricsConfig                 `yaml:"metrics" json:"metrics"`
	Telemetry   TelemetryConfig               `yaml:"telemetry" json:"telemetry"`
	Events      EventsConfig                  `yaml:"events" json:"events"`
	Logging     LoggingConfig                 `yaml:"logging" json:"logging"`
}

// GraphConfig configures the task graph store
type GraphConfig struct {
	Dir         string        `yaml:"dir" json:"dir"`
	LockTimeout time.Duration `yaml:"lock_timeout" json:"lock_timeout"`
}

// CoordinatorConfig configures the scheduling daemon and its workers
type CoordinatorConfig struct {
	MaxWorkers        int           `yaml:"max_workers" json:"max_workers"`
	PollInterval      time.Duration `yaml:"poll_interval" json:"poll_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	Executor          string        `yaml:"executor" json:"executor"`
	Model             string        `yaml:"model" json:"model,omitempty"`
	KillGrace         time.Duration `yaml:"kill_grace" json:"kill_grace"`
	DeadRetention     time.Duration `yaml:"dead_retention" json:"dead_retention"`

	// Spawns per second, 0 for unlimited.
	SpawnRate  float64 `yaml:"spawn_rate" json:"spawn_rate,omitempty"`
	SpawnBurst int     `yaml:"spawn_burst" json:"spawn_burst,omitempty"`

	// Binary the worker wrapper calls back into; defaults to the running one.
	ShuttleBin string `yaml:"shuttle_bin" json:"shuttle_bin,omitempty"`
	WorkDir    string `yaml:"work_dir" json:"work_dir,omitempty"`
}

// TriageConfig configures classification of dead workers' output
type TriageConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Command   string        `yaml:"command" json:"command"`
	Args      []string      `yaml:"args" json:"args,omitempty"`
	Model     string        `yaml:"model" json:"model,omitempty"`
	ModelFlag string        `yaml:"model_flag" json:"model_flag,omitempty"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

// WatchConfig configures out-of-band graph edit detection
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Debounce time.Duration `yaml:"debounce" json:"debounce"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr,omitempty"` // empty disables
}

// TelemetryConfig configures trace export
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint,omitempty"` // empty disables
	ServiceName  string `yaml:"service_name" json:"service_name"`
}

// EventsConfig configures task event publishing
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url" json:"nats_url,omitempty"` // empty disables
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix"`
}

// LoggingConfig configures daemon log retention
type LoggingConfig struct {
	BufferSize int    `yaml:"buffer_size" json:"buffer_size"`
	Persist    bool   `yaml:"persist" json:"persist"`
	Driver     string `yaml:"driver" json:"driver"` // "sqlite3" or "postgres"
	DSN        string `yaml:"dsn" json:"dsn,omitempty"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Graph: GraphConfig{
			Dir:         ".shuttle",
			LockTimeout: 5 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			MaxWorkers:        4,
			PollInterval:      60 * time.Second,
			HeartbeatTimeout:  5 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
			Executor:          "claude",
			KillGrace:         10 * time.Second,
			DeadRetention:     time.Hour,
			SpawnBurst:        1,
		},
		Triage: TriageConfig{
			Command:   "claude",
			Args:      []string{"--print"},
			ModelFlag: "--model",
			Timeout:   60 * time.Second,
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 250 * time.Millisecond,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "shuttle",
		},
		Events: EventsConfig{
			SubjectPrefix: "shuttle",
		},
		Logging: LoggingConfig{
			BufferSize: 1000,
			Driver:     "sqlite3",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file. Environment
// variables are expanded first and unset fields take their defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${NATS_URL}) before parsing YAML
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Load reads path if it exists and returns defaults otherwise.
func Load(path string) (*Config, error) {
	cfg, err := LoadConfigFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

// ApplyDefaults fills zero-valued fields from DefaultConfig. Booleans are
// left alone except watch.enabled, which defaults on when the watch section
// is absent.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()

	if c.Graph.Dir == "" {
		c.Graph.Dir = d.Graph.Dir
	}
	if c.Graph.LockTimeout == 0 {
		c.Graph.LockTimeout = d.Graph.LockTimeout
	}

	co := &c.Coordinator
	if co.MaxWorkers == 0 {
		co.MaxWorkers = d.Coordinator.MaxWorkers
	}
	if co.PollInterval == 0 {
		co.PollInterval = d.Coordinator.PollInterval
	}
	if co.HeartbeatTimeout == 0 {
		co.HeartbeatTimeout = d.Coordinator.HeartbeatTimeout
	}
	if co.HeartbeatInterval == 0 {
		co.HeartbeatInterval = d.Coordinator.HeartbeatInterval
	}
	if co.Executor == "" {
		co.Executor = d.Coordinator.Executor
	}
	if co.KillGrace == 0 {
		co.KillGrace = d.Coordinator.KillGrace
	}
	if co.DeadRetention == 0 {
		co.DeadRetention = d.Coordinator.DeadRetention
	}
	if co.SpawnBurst == 0 {
		co.SpawnBurst = d.Coordinator.SpawnBurst
	}

	if c.Triage.Command == "" {
		c.Triage.Command = d.Triage.Command
		if c.Triage.Args == nil {
			c.Triage.Args = d.Triage.Args
		}
	}
	if c.Triage.ModelFlag == "" {
		c.Triage.ModelFlag = d.Triage.ModelFlag
	}
	if c.Triage.Timeout == 0 {
		c.Triage.Timeout = d.Triage.Timeout
	}

	if c.Watch == (WatchConfig{}) {
		c.Watch = d.Watch
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = d.Watch.Debounce
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = d.Events.SubjectPrefix
	}
	if c.Logging.BufferSize == 0 {
		c.Logging.BufferSize = d.Logging.BufferSize
	}
	if c.Logging.Driver == "" {
		c.Logging.Driver = d.Logging.Driver
	}
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Coordinator.MaxWorkers < 0 {
		errs = append(errs, fmt.Errorf("coordinator.max_workers must not be negative"))
	}
	if c.Coordinator.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("coordinator.poll_interval must not be negative"))
	}
	if c.Coordinator.HeartbeatTimeout > 0 && c.Coordinator.HeartbeatInterval >= c.Coordinator.HeartbeatTimeout {
		errs = append(errs, fmt.Errorf("coordinator.heartbeat_interval (%s) must be shorter than heartbeat_timeout (%s)",
			c.Coordinator.HeartbeatInterval, c.Coordinator.HeartbeatTimeout))
	}
	if c.Coordinator.SpawnRate < 0 {
		errs = append(errs, fmt.Errorf("coordinator.spawn_rate must not be negative"))
	}
	if c.Graph.LockTimeout < 0 {
		errs = append(errs, fmt.Errorf("graph.lock_timeout must not be negative"))
	}
	if c.Triage.Enabled && c.Triage.Command == "" {
		errs = append(errs, fmt.Errorf("triage.command is required when triage is enabled"))
	}
	if c.Logging.Persist {
		switch c.Logging.Driver {
		case "sqlite3", "postgres":
		default:
			errs = append(errs, fmt.Errorf("logging.driver %q is not supported", c.Logging.Driver))
		}
		if c.Logging.DSN == "" {
			errs = append(errs, fmt.Errorf("logging.dsn is required when logging.persist is set"))
		}
	}
	if _, err := worker.NewExecutorSet(c.Executors); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
