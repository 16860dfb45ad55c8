// Package events publishes session role events to the building's MQTT bus
// so other services (door access, notice boards) can react to them.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/siam-sk/nexus-living-bms-client/internal/identity"
	"github.com/siam-sk/nexus-living-bms-client/pkg/roles"
)

// Publisher is satisfied by *Client.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type RoleEvent struct {
	Type     string     `json:"type"`
	ClientID string     `json:"client_id"`
	Email    string     `json:"email,omitempty"`
	Role     roles.Role `json:"role,omitempty"`
	Previous roles.Role `json:"previous,omitempty"`
	At       time.Time  `json:"at"`
}

// queueSize bounds the events waiting for the broker; later ones are dropped.
const queueSize = 256

type outbound struct {
	topic   string
	payload []byte
}

// RoleEvents hands events to a single publishing goroutine, so callers never
// wait on the broker.
type RoleEvents struct {
	pub   Publisher
	topic string

	mu     sync.RWMutex
	closed bool
	queue  chan outbound
	done   chan struct{}
}

// NewRoleEvents returns nil when pub is nil; a nil *RoleEvents drops events.
func NewRoleEvents(pub Publisher, topic string) *RoleEvents {
	if pub == nil {
		return nil
	}
	e := &RoleEvents{
		pub:   pub,
		topic: topic,
		queue: make(chan outbound, queueSize),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *RoleEvents) run() {
	defer close(e.done)
	for m := range e.queue {
		if err := e.pub.Publish(m.topic, m.payload); err != nil {
			slog.Warn("publish role event failed", "topic", m.topic, "error", err)
		}
	}
}

// Close stops accepting events and waits until the queued ones were handed
// to the publisher.
func (e *RoleEvents) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	<-e.done
}

// RoleChanged publishes settled role changes. Transitions into Loading are
// internal and not published.
func (e *RoleEvents) RoleChanged(clientID string, ch identity.RoleChange) {
	if e == nil || !ch.Role.Settled() {
		return
	}
	e.publish("role.changed", RoleEvent{
		Type:     "role.changed",
		ClientID: clientID,
		Email:    ch.Email,
		Role:     ch.Role,
		Previous: ch.Previous,
		At:       ch.At,
	})
}

func (e *RoleEvents) SessionExpired(clientID, email string) {
	if e == nil {
		return
	}
	e.publish("session.expired", RoleEvent{
		Type:     "session.expired",
		ClientID: clientID,
		Email:    email,
		At:       time.Now().UTC(),
	})
}

func (e *RoleEvents) publish(kind string, ev RoleEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	topic := e.topic + "/" + kind

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- outbound{topic: topic, payload: b}:
	default:
		slog.Warn("role event queue full, dropping event", "topic", topic, "client", ev.ClientID)
	}
}
