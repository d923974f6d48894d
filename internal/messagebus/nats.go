package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jordanhubbard/shuttle/internal/metrics"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

// TickMessage summarizes one coordinator tick for subscribers.
type TickMessage struct {
	TickCount uint64                   `json:"tick_count"`
	Trigger   string                   `json:"trigger"`
	Paused    bool                     `json:"paused"`
	Spawned   []string                 `json:"spawned,omitempty"`
	Reaped    []string                 `json:"reaped,omitempty"`
	Counts    models.CoordinatorCounts `json:"counts"`
	Timestamp time.Time                `json:"timestamp"`
}

// NatsMessageBus publishes task and coordinator events to NATS JetStream.
type NatsMessageBus struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
	prefix     string
	metrics    *metrics.Metrics
}

// Config holds NATS configuration
type Config struct {
	URL           string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName    string        // JetStream stream name (default: "SHUTTLE")
	SubjectPrefix string        // Subject root (default: "shuttle")
	Timeout       time.Duration // Connection timeout
}

// NewNatsMessageBus connects and ensures the event stream exists.
func NewNatsMessageBus(cfg Config) (*NatsMessageBus, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "SHUTTLE"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "shuttle"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("shuttle"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[Events] NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[Events] NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	mb := &NatsMessageBus{
		conn:       nc,
		js:         js,
		streamName: cfg.StreamName,
		prefix:     cfg.SubjectPrefix,
		metrics:    metrics.NewMetrics(),
	}
	if err := mb.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("[Events] Connected to NATS at %s with JetStream stream %s", cfg.URL, cfg.StreamName)
	return mb, nil
}

// ensureStream creates or updates the JetStream stream. Limits retention
// lets any number of consumers read the same events.
func (mb *NatsMessageBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      mb.streamName,
		Subjects:  []string{mb.prefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		if _, err := mb.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("[Events] Created JetStream stream: %s", mb.streamName)
		return nil
	}
	if _, err := mb.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// TaskSubject returns the subject a task event is published on.
func (mb *NatsMessageBus) TaskSubject(typ models.TaskEventType) string {
	return TaskSubject(mb.prefix, typ)
}

// TaskSubject builds "<prefix>.tasks.<type>" with the "task." type prefix removed.
func TaskSubject(prefix string, typ models.TaskEventType) string {
	return fmt.Sprintf("%s.tasks.%s", prefix, subjectToken(strings.TrimPrefix(string(typ), "task.")))
}

// subjectToken replaces characters NATS treats as separators or wildcards.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}

// Publish sends a task event. It satisfies tasks.EventSink; failures are
// logged because the graph change has already been committed.
func (mb *NatsMessageBus) Publish(ctx context.Context, ev models.TaskEvent) {
	if err := mb.publish(ctx, mb.TaskSubject(ev.Type), ev); err != nil {
		log.Printf("[Events] Failed to publish %s for %s: %v", ev.Type, ev.TaskID, err)
		return
	}
	mb.metrics.RecordEventPublished(string(ev.Type))
}

// PublishTick sends a coordinator tick summary.
func (mb *NatsMessageBus) PublishTick(ctx context.Context, msg *TickMessage) error {
	if err := mb.publish(ctx, mb.prefix+".coordinator.tick", msg); err != nil {
		return err
	}
	mb.metrics.RecordEventPublished("coordinator.tick")
	return nil
}

func (mb *NatsMessageBus) publish(ctx context.Context, subject string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := mb.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", subject, err)
	}
	return nil
}

// SubscribeTaskEvents delivers live task events until the subscription is
// drained. It uses a plain subscription; history stays in the stream.
func (mb *NatsMessageBus) SubscribeTaskEvents(handler func(models.TaskEvent)) (*nats.Subscription, error) {
	subject := mb.prefix + ".tasks.>"
	sub, err := mb.conn.Subscribe(subject, func(m *nats.Msg) {
		var ev models.TaskEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			log.Printf("[Events] Dropping malformed event on %s: %v", m.Subject, err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Close drains and closes the connection
func (mb *NatsMessageBus) Close() error {
	if err := mb.conn.Drain(); err != nil {
		mb.conn.Close()
		return err
	}
	log.Printf("[Events] Closed NATS connection")
	return nil
}
