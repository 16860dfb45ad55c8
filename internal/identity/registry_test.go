package identity

import (
	"context"
	"testing"
	"time"

	"github.com/siam-sk/nexus-living-bms-client/internal/backend"
	"github.com/siam-sk/nexus-living-bms-client/internal/flagcache"
	"github.com/siam-sk/nexus-living-bms-client/internal/session"
	"github.com/siam-sk/nexus-living-bms-client/pkg/roles"
)

func TestRegistryLifecycle(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry(src, RegistryOptions{})
	defer reg.Stop()

	var changes []roles.Role
	reg.OnRoleChange(func(id string, ch RoleChange) { changes = append(changes, ch.Role) })

	c := reg.Create()
	if got, ok := reg.Get(c.ID); !ok || got != c {
		t.Fatal("Get should return the created client")
	}

	c.Store.SignIn(session.Session{Email: "a@x.com"})
	calls := src.take(t, 2)
	calls[backend.FlagAdmin].reply <- result{v: true}
	calls[backend.FlagMember].reply <- result{v: false}
	c.Resolver.Wait()
	if c.Resolver.Role() != roles.Admin {
		t.Fatalf("role = %s", c.Resolver.Role())
	}

	reg.Remove(c.ID)
	if _, ok := reg.Get(c.ID); ok {
		t.Fatal("removed client still present")
	}
	if len(changes) < 2 || changes[len(changes)-1] != roles.Guest {
		t.Fatalf("changes = %v, want a final guest", changes)
	}
}

func TestRegistryExpire(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry(src, RegistryOptions{})
	defer reg.Stop()

	var expiredID string
	reg.OnExpired(func(id, email string) { expiredID = id })

	c := reg.Create()
	c.Store.SignIn(session.Session{Email: "a@x.com"})
	calls := src.take(t, 2)

	reg.Expire(c.ID)
	if c.Store.Current() != nil {
		t.Fatal("session should be cleared")
	}
	if expiredID != c.ID {
		t.Fatalf("expired id = %q", expiredID)
	}

	calls[backend.FlagAdmin].reply <- result{v: true}
	calls[backend.FlagMember].reply <- result{v: true}
	c.Resolver.Wait()
	if c.Resolver.Role() != roles.Guest {
		t.Fatalf("role = %s, want guest", c.Resolver.Role())
	}
}

func TestRegistryEvictIdle(t *testing.T) {
	reg := NewRegistry(newFakeSource(), RegistryOptions{IdleTimeout: time.Minute})
	defer reg.Stop()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }
	stale := reg.Create()
	now = now.Add(2 * time.Minute)
	fresh := reg.Create()

	if n := reg.EvictIdle(); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, ok := reg.Get(stale.ID); ok {
		t.Fatal("stale client should be evicted")
	}
	if _, ok := reg.Get(fresh.ID); !ok {
		t.Fatal("fresh client should remain")
	}
}

func TestRegistryRefreshAllSkipsGuests(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry(src, RegistryOptions{})
	defer reg.Stop()

	reg.Create()
	reg.RefreshAll()
	src.none(t)
}

func TestRegistryStartRejectsBadSchedule(t *testing.T) {
	reg := NewRegistry(newFakeSource(), RegistryOptions{RefreshSchedule: "not a schedule"})
	if err := reg.Start(); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestRegistryExpireDropsCachedFlags(t *testing.T) {
	cache := flagcache.NewMemory(16, time.Minute)
	ctx := context.Background()
	cache.Set(ctx, "a@x.com", backend.FlagAdmin, false)
	cache.Set(ctx, "a@x.com", backend.FlagMember, true)

	src := newFakeSource()
	reg := NewRegistry(src, RegistryOptions{Cache: cache})
	defer reg.Stop()

	c := reg.Create()
	c.Store.SignIn(session.Session{Email: "a@x.com"})
	src.none(t)
	if got := c.Resolver.Role(); got != roles.Member {
		t.Fatalf("role = %s, want member from cache", got)
	}

	reg.Expire(c.ID)
	if c.Store.Current() != nil {
		t.Fatal("session should be cleared")
	}
	if _, ok := cache.Get(ctx, "a@x.com", backend.FlagMember); ok {
		t.Fatal("expire should drop the cached flags")
	}
}
