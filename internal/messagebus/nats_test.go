package messagebus

import (
	"testing"
	"time"

	"github.com/jordanhubbard/shuttle/pkg/models"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}
	if cfg.URL != "" {
		t.Error("URL should default to empty")
	}
	if cfg.StreamName != "" {
		t.Error("StreamName should default to empty")
	}
}

func TestTaskSubject(t *testing.T) {
	tests := []struct {
		prefix string
		typ    models.TaskEventType
		want   string
	}{
		{"shuttle", models.TaskEventDone, "shuttle.tasks.done"},
		{"proj", models.TaskEventLoopFired, "proj.tasks.loop_fired"},
		{"shuttle", models.TaskEventType("custom.kind"), "shuttle.tasks.custom_kind"},
		{"shuttle", models.TaskEventType(""), "shuttle.tasks._"},
	}
	for _, tc := range tests {
		if got := TaskSubject(tc.prefix, tc.typ); got != tc.want {
			t.Errorf("TaskSubject(%q, %q) = %q, want %q", tc.prefix, tc.typ, got, tc.want)
		}
	}
}

func TestNewNatsMessageBus_BadURL(t *testing.T) {
	_, err := NewNatsMessageBus(Config{
		URL:     "nats://nonexistent-host:99999",
		Timeout: 500 * time.Millisecond,
	})
	if err == nil {
		t.Error("expected error connecting to nonexistent NATS")
	}
}
