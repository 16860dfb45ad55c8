package identity

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/siam-sk/nexus-living-bms-client/internal/flagcache"
	"github.com/siam-sk/nexus-living-bms-client/internal/observability"
	"github.com/siam-sk/nexus-living-bms-client/internal/session"
)

// Client is one browser session held by the gateway.
type Client struct {
	ID       string
	Store    *session.Store
	Resolver *Resolver

	mu       sync.Mutex
	lastSeen time.Time
}

func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

func (c *Client) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

type RegistryOptions struct {
	Cache flagcache.Cache
	// IdleTimeout evicts clients not seen for this long; zero disables eviction.
	IdleTimeout time.Duration
	// RefreshSchedule is a cron spec for re-resolving every live session.
	RefreshSchedule string
	// EvictSchedule is a cron spec for idle eviction.
	EvictSchedule string
}

// Registry owns every client session and its resolver.
type Registry struct {
	source FlagSource
	opts   RegistryOptions
	now    func() time.Time

	mu      sync.RWMutex
	clients map[string]*Client

	lmu       sync.RWMutex
	listeners []func(id string, ch RoleChange)
	expired   []func(id, email string)

	cron *cron.Cron
}

func NewRegistry(source FlagSource, opts RegistryOptions) *Registry {
	return &Registry{
		source:  source,
		opts:    opts,
		now:     time.Now,
		clients: map[string]*Client{},
	}
}

// OnRoleChange registers fn for role changes of every client.
func (r *Registry) OnRoleChange(fn func(id string, ch RoleChange)) {
	r.lmu.Lock()
	r.listeners = append(r.listeners, fn)
	r.lmu.Unlock()
}

// OnExpired registers fn for sessions ended by the backend rejecting their token.
func (r *Registry) OnExpired(fn func(id, email string)) {
	r.lmu.Lock()
	r.expired = append(r.expired, fn)
	r.lmu.Unlock()
}

// Create starts a new, signed-out client.
func (r *Registry) Create() *Client {
	id := uuid.NewString()
	store := session.NewStore()
	c := &Client{ID: id, Store: store, lastSeen: r.now()}
	c.Resolver = NewResolver(store, r.source, Options{
		Cache: r.opts.Cache,
		OnExpired: func(email string) {
			r.lmu.RLock()
			fns := append([]func(string, string){}, r.expired...)
			r.lmu.RUnlock()
			for _, fn := range fns {
				fn(id, email)
			}
		},
	})
	c.Resolver.Subscribe(func(ch RoleChange) {
		r.lmu.RLock()
		fns := append([]func(string, RoleChange){}, r.listeners...)
		r.lmu.RUnlock()
		for _, fn := range fns {
			fn(id, ch)
		}
	})

	r.mu.Lock()
	r.clients[id] = c
	n := len(r.clients)
	r.mu.Unlock()
	observability.ActiveSessions.Set(float64(n))
	return c
}

// Get returns the client and marks it as seen.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	c, ok := r.clients[id]
	r.mu.RUnlock()
	if ok {
		c.touch(r.now())
	}
	return c, ok
}

// Remove signs the client out and forgets it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	delete(r.clients, id)
	n := len(r.clients)
	r.mu.Unlock()
	if !ok {
		return
	}
	observability.ActiveSessions.Set(float64(n))
	c.Store.SignOut()
	c.Resolver.Close()
}

// Expire is the single handler for an authorization failure reported by the
// backend on any call made for client id: the session is cleared together
// with its cached flags.
func (r *Registry) Expire(id string) {
	c, ok := r.Get(id)
	if !ok {
		return
	}
	sess, version := c.Store.Snapshot()
	if sess == nil {
		return
	}
	// A user who signed in after the failing call keeps the session. The
	// resolver drops the cached flags when the sign-out lands.
	if !c.Store.SignOutIf(version) {
		return
	}
	slog.Info("session expired", "client", id, "email", sess.Key())

	r.lmu.RLock()
	fns := append([]func(string, string){}, r.expired...)
	r.lmu.RUnlock()
	for _, fn := range fns {
		fn(id, sess.Key())
	}
}

// Len is the number of held clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// RefreshAll re-resolves every signed-in client, so revoked privileges take
// effect without a new login.
func (r *Registry) RefreshAll() {
	for _, c := range r.snapshot() {
		if c.Store.Current() != nil {
			c.Resolver.Refresh()
		}
	}
}

// EvictIdle removes clients not seen since now minus the idle timeout.
func (r *Registry) EvictIdle() int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.opts.IdleTimeout)
	evicted := 0
	for _, c := range r.snapshot() {
		if c.LastSeen().Before(cutoff) {
			r.Remove(c.ID)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Info("evicted idle sessions", "count", evicted)
	}
	return evicted
}

// Start schedules the refresh and eviction jobs.
func (r *Registry) Start() error {
	c := cron.New()
	if spec := r.opts.RefreshSchedule; spec != "" {
		if _, err := c.AddFunc(spec, r.RefreshAll); err != nil {
			return fmt.Errorf("schedule refresh %q: %w", spec, err)
		}
	}
	if spec := r.opts.EvictSchedule; spec != "" && r.opts.IdleTimeout > 0 {
		if _, err := c.AddFunc(spec, func() { r.EvictIdle() }); err != nil {
			return fmt.Errorf("schedule eviction %q: %w", spec, err)
		}
	}
	c.Start()
	r.cron = c
	return nil
}

// Stop halts the scheduler and closes every client.
func (r *Registry) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	for _, c := range r.snapshot() {
		r.Remove(c.ID)
	}
}

func (r *Registry) snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}
