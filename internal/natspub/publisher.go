// Package natspub mirrors task lifecycle events onto a NATS JetStream
// subject so external systems can react to builds without polling the API.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/apkforge/apkforge/internal/events"
	"github.com/apkforge/apkforge/internal/model"
)

// Publisher manages the NATS connection and the event mirror loop.
type Publisher struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
	stop    func()
}

// Envelope is the wire format for mirrored events.
type Envelope struct {
	Event     string           `json:"event"`
	TaskID    string           `json:"task_id"`
	ProjectID string           `json:"project_id"`
	Kind      model.TaskKind   `json:"kind,omitempty"`
	Status    model.TaskStatus `json:"status,omitempty"`
	ErrorKind string           `json:"error_kind,omitempty"`
	DurationS float64          `json:"duration_seconds,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// New connects to NATS and prepares a JetStream context. Mirroring is
// disabled by simply not constructing a Publisher.
func New(url, subject string) (*Publisher, error) {
	if url == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if subject == "" {
		return nil, fmt.Errorf("nats subject is required")
	}

	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	slog.Info("NATS task event mirror initialized", "url", url, "subject", subject)

	return &Publisher{conn: conn, js: js, subject: subject}, nil
}

// Watch subscribes to the lifecycle bus and mirrors events until Close.
func (p *Publisher) Watch(bus *events.Bus) {
	created, cancelCreated := events.Subscribe[events.TaskCreated](bus, 64)
	started, cancelStarted := events.Subscribe[events.TaskStarted](bus, 64)
	finished, cancelFinished := events.Subscribe[events.TaskFinished](bus, 64)

	done := make(chan struct{})
	p.stop = func() {
		cancelCreated()
		cancelStarted()
		cancelFinished()
		close(done)
	}

	go func() {
		for created != nil || started != nil || finished != nil {
			select {
			case evt, ok := <-created:
				if !ok {
					created = nil
					continue
				}
				p.publish(Envelope{
					Event:     "task.created",
					TaskID:    evt.Task.ID,
					ProjectID: evt.Task.ProjectID,
					Kind:      evt.Task.Kind,
					Status:    evt.Task.Status,
					Timestamp: evt.At,
				})
			case evt, ok := <-started:
				if !ok {
					started = nil
					continue
				}
				p.publish(Envelope{
					Event:     "task.started",
					TaskID:    evt.TaskID,
					ProjectID: evt.ProjectID,
					Status:    model.TaskRunning,
					Timestamp: evt.At,
				})
			case evt, ok := <-finished:
				if !ok {
					finished = nil
					continue
				}
				p.publish(Envelope{
					Event:     "task.finished",
					TaskID:    evt.TaskID,
					ProjectID: evt.ProjectID,
					Status:    evt.Status,
					ErrorKind: evt.ErrorKind,
					DurationS: evt.Duration.Seconds(),
					Timestamp: evt.At,
				})
			case <-done:
				return
			}
		}
	}()
}

func (p *Publisher) publish(env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("Failed to marshal task event", "event", env.Event, "error", err)
		return
	}

	if _, err := p.js.Publish(ctx, p.subject, data); err != nil {
		slog.Warn("Failed to publish task event", "event", env.Event, "task_id", env.TaskID, "error", err)
		return
	}

	slog.Debug("Published task event", "event", env.Event, "task_id", env.TaskID)
}

// Close stops the mirror loop and closes the NATS connection.
func (p *Publisher) Close() error {
	if p.stop != nil {
		p.stop()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}
