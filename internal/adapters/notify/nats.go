package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alejandrodnm/graduator/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	DefaultStream = "GRADUATOR_TASKS"
	subjectPrefix = "graduator.tasks"
	streamMaxAge  = 7 * 24 * time.Hour
)

// NATSPublisher implements ports.EventPublisher on JetStream. Events are
// published after the transition is persisted; subjects are
// graduator.tasks.{status}.
type NATSPublisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// ConnectNATS dials the server and ensures the stream exists.
func ConnectNATS(ctx context.Context, url, stream string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("graduator"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("notify.ConnectNATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("notify.ConnectNATS: jetstream: %w", err)
	}
	if err := EnsureStream(ctx, js, stream); err != nil {
		nc.Close()
		return nil, err
	}
	p := NewNATSPublisher(js)
	p.nc = nc
	return p, nil
}

// NewNATSPublisher wraps an existing JetStream handle.
func NewNATSPublisher(js jetstream.JetStream) *NATSPublisher {
	return &NATSPublisher{js: js}
}

// EnsureStream creates or updates the task events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string) error {
	if name == "" {
		name = DefaultStream
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    streamMaxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("notify.EnsureStream %s: %w", name, err)
	}
	slog.Info("notify: ensured stream", "stream", name)
	return nil
}

// Publish sends one lifecycle event. The task id doubles as the message id
// prefix so JetStream drops duplicates of the same transition.
func (p *NATSPublisher) Publish(ctx context.Context, evt domain.TaskEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify.Publish: marshal: %w", err)
	}
	msgID := fmt.Sprintf("%s:%s:%s", evt.TaskID, evt.Status, evt.Step)
	if _, err := p.js.Publish(ctx, Subject(evt.Status), data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("notify.Publish %s: %w", evt.TaskID, err)
	}
	return nil
}

// Close drains the connection if this publisher owns it.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
	}
}

// Subject returns the subject a status is published on.
func Subject(s domain.TaskStatus) string {
	return subjectPrefix + "." + strings.ToLower(string(s))
}
