// Package memory keeps page notifications in process, encoded the same way
// the Pub/Sub backend puts them on the wire.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Notification is one recorded page notification.
type Notification struct {
	ID         string
	Topic      string
	Data       []byte
	Attributes map[string]string
}

// Decode unmarshals the notification body into v.
func (n Notification) Decode(v any) error {
	return json.Unmarshal(n.Data, v)
}

// Publisher records notifications per topic.
type Publisher struct {
	mu     sync.RWMutex
	seq    int
	byTop  map[string][]Notification
	closed bool
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{byTop: make(map[string][]Notification)}
}

// Publish JSON-encodes payload and stores it under topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}
	attrs := map[string]string{"content-type": "application/json"}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", fmt.Errorf("publish to %q: publisher closed", topic)
	}
	p.seq++
	n := Notification{ID: strconv.Itoa(p.seq), Topic: topic, Data: data, Attributes: attrs}
	p.byTop[topic] = append(p.byTop[topic], n)
	return n.ID, nil
}

// MessagesFor returns a copy of the notifications for topic in publish order.
func (p *Publisher) MessagesFor(topic string) []Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Notification(nil), p.byTop[topic]...)
}

// Close rejects later publishes.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
