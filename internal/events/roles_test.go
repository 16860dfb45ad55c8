package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/siam-sk/nexus-living-bms-client/internal/identity"
	"github.com/siam-sk/nexus-living-bms-client/pkg/roles"
)

type message struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
	// hold, when set, parks every Publish until it is closed.
	hold chan struct{}
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	if f.hold != nil {
		<-f.hold
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, message{topic, payload})
	return f.err
}

func (f *fakePublisher) sent() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.msgs...)
}

func TestRoleChangedPublishesSettledRoles(t *testing.T) {
	pub := &fakePublisher{}
	ev := NewRoleEvents(pub, "nexus/roles")

	ev.RoleChanged("c1", identity.RoleChange{Role: roles.Loading, Previous: roles.Guest, Email: "ada@x.com"})
	ev.RoleChanged("c1", identity.RoleChange{Role: roles.Member, Previous: roles.Loading, Email: "ada@x.com", At: time.Now()})
	ev.Close()

	msgs := pub.sent()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].topic != "nexus/roles/role.changed" {
		t.Fatalf("topic = %q", msgs[0].topic)
	}
	var got RoleEvent
	if err := json.Unmarshal(msgs[0].payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ClientID != "c1" || got.Role != roles.Member || got.Previous != roles.Loading || got.Email != "ada@x.com" {
		t.Fatalf("event = %+v", got)
	}
}

func TestSessionExpiredPublishErrorIsSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	ev := NewRoleEvents(pub, "nexus/roles")
	ev.SessionExpired("c1", "ada@x.com")
	ev.Close()
	if msgs := pub.sent(); len(msgs) != 1 || msgs[0].topic != "nexus/roles/session.expired" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestRoleEventsDoNotWaitForBroker(t *testing.T) {
	pub := &fakePublisher{hold: make(chan struct{})}
	ev := NewRoleEvents(pub, "nexus/roles")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			ev.RoleChanged("c1", identity.RoleChange{Role: roles.Admin, Previous: roles.Loading})
		}
		ev.SessionExpired("c1", "ada@x.com")
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emitting events blocked on a stalled broker")
	}

	close(pub.hold)
	ev.Close()
	if got := len(pub.sent()); got != 4 {
		t.Fatalf("published %d messages, want 4", got)
	}
	ev.SessionExpired("c1", "ada@x.com")
	if got := len(pub.sent()); got != 4 {
		t.Fatalf("event after close was published: %d messages", got)
	}
}

func TestNilRoleEventsIsNoop(t *testing.T) {
	var ev *RoleEvents = NewRoleEvents(nil, "x")
	ev.RoleChanged("c1", identity.RoleChange{Role: roles.Admin})
	ev.SessionExpired("c1", "a@x.com")
	ev.Close()
}
