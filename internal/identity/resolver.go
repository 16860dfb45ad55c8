// Package identity keeps a session's role current as the session changes and
// privilege lookups complete.
package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/siam-sk/nexus-living-bms-client/internal/backend"
	"github.com/siam-sk/nexus-living-bms-client/internal/flagcache"
	"github.com/siam-sk/nexus-living-bms-client/internal/observability"
	"github.com/siam-sk/nexus-living-bms-client/internal/session"
	"github.com/siam-sk/nexus-living-bms-client/pkg/roles"
)

// FlagSource answers the two privilege lookups. *backend.Client implements it.
type FlagSource interface {
	IsAdmin(ctx context.Context, token, email string) (bool, error)
	IsMember(ctx context.Context, token, email string) (bool, error)
}

// RoleChange is emitted whenever the resolved role differs from the previous one.
type RoleChange struct {
	Role     roles.Role `json:"role"`
	Previous roles.Role `json:"previous"`
	Email    string     `json:"email,omitempty"`
	At       time.Time  `json:"at"`
}

// State is a consistent view of the resolver.
type State struct {
	Session *session.Session
	Flags   roles.FlagState
	Role    roles.Role
}

type Options struct {
	Cache flagcache.Cache
	// OnExpired runs after the backend rejected the session's token and the
	// session was signed out.
	OnExpired func(email string)
}

type Resolver struct {
	store     *session.Store
	source    FlagSource
	cache     flagcache.Cache
	onExpired func(string)

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()
	wg     sync.WaitGroup

	mu      sync.Mutex
	version uint64 // last session version applied
	gen     uint64 // bumped on every session change and refresh
	closed  bool
	sess    *session.Session
	state   roles.FlagState
	role    roles.Role

	// notifyMu keeps listener calls in state order. Listeners must not change
	// the session synchronously.
	notifyMu  sync.Mutex
	listeners map[int]func(RoleChange)
	nextID    int
}

func NewResolver(store *session.Store, source FlagSource, opts Options) *Resolver {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		store:     store,
		source:    source,
		cache:     opts.Cache,
		onExpired: opts.OnExpired,
		ctx:       ctx,
		cancel:    cancel,
		role:      roles.Guest,
		listeners: map[int]func(RoleChange){},
	}
	r.unsub = store.Subscribe(r.onSessionChange)
	if sess, version := store.Snapshot(); version > 0 {
		r.onSessionChange(session.Change{Version: version, Session: sess})
	}
	return r
}

// Role is the current resolved role.
func (r *Resolver) Role() roles.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sess *session.Session
	if r.sess != nil {
		c := *r.sess
		sess = &c
	}
	return State{Session: sess, Flags: r.state, Role: r.role}
}

// Subscribe registers fn for role changes and returns its remover.
func (r *Resolver) Subscribe(fn func(RoleChange)) func() {
	r.notifyMu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.notifyMu.Unlock()
	return func() {
		r.notifyMu.Lock()
		delete(r.listeners, id)
		r.notifyMu.Unlock()
	}
}

// Refresh re-issues both lookups for the current session, bypassing the
// cache. The current role stays in effect until the new results arrive.
func (r *Resolver) Refresh() {
	r.mu.Lock()
	if r.sess == nil {
		r.mu.Unlock()
		return
	}
	r.gen++
	gen, version, sess := r.gen, r.version, *r.sess
	r.mu.Unlock()

	r.fetch(gen, version, sess, backend.FlagAdmin)
	r.fetch(gen, version, sess, backend.FlagMember)
}

// Wait blocks until no lookup is in flight.
func (r *Resolver) Wait() { r.wg.Wait() }

// Close detaches from the store and abandons in-flight lookups. Results that
// arrive afterwards are dropped without notifying listeners.
func (r *Resolver) Close() {
	r.mu.Lock()
	r.closed = true
	r.gen++
	r.mu.Unlock()
	r.unsub()
	r.cancel()
	r.wg.Wait()
}

func (r *Resolver) onSessionChange(c session.Change) {
	// Cache tiers may be remote; read them before taking mu.
	hits := map[string]bool{}
	if c.Session != nil {
		for _, flag := range []string{backend.FlagAdmin, backend.FlagMember} {
			if v, ok := r.cached(c.Session.Key(), flag); ok {
				hits[flag] = v
			}
		}
	}

	r.mu.Lock()
	if r.closed || c.Version <= r.version {
		r.mu.Unlock()
		return
	}
	prev := r.sess
	r.version = c.Version
	r.gen++
	gen := r.gen
	r.sess = c.Session
	r.state = roles.FlagState{}

	var pending []string
	if c.Session != nil {
		for _, flag := range []string{backend.FlagAdmin, backend.FlagMember} {
			if v, ok := hits[flag]; ok {
				r.setFlag(flag, v)
				continue
			}
			pending = append(pending, flag)
		}
	}
	change, changed := r.recompute()
	r.notifyMu.Lock()
	r.mu.Unlock()
	if changed {
		r.deliver(change)
	}
	r.notifyMu.Unlock()

	if prev != nil && r.cache != nil && (c.Session == nil || c.Session.Key() != prev.Key()) {
		r.cache.Invalidate(r.ctx, prev.Key())
	}
	for _, flag := range pending {
		r.fetch(gen, c.Version, *c.Session, flag)
	}
}

// fetch runs one lookup for sess, which the store published as version.
func (r *Resolver) fetch(gen, version uint64, sess session.Session, flag string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		var (
			v   bool
			err error
		)
		email := sess.Key()
		switch flag {
		case backend.FlagAdmin:
			v, err = r.source.IsAdmin(r.ctx, sess.IdentityToken, email)
		default:
			v, err = r.source.IsMember(r.ctx, sess.IdentityToken, email)
		}
		r.complete(gen, version, email, flag, v, err)
	}()
}

func (r *Resolver) complete(gen, version uint64, email, flag string, v bool, err error) {
	if r.ctx.Err() != nil {
		return
	}
	if err != nil && backend.IsAuthFailure(err) {
		observability.FlagFetches.WithLabelValues(flag, "auth_expired").Inc()
		r.expire(gen, version, email)
		return
	}

	wrote := false
	if err == nil && r.cache != nil && r.current(gen) {
		r.cache.Set(r.ctx, email, flag, v)
		wrote = true
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if gen != r.gen {
		// The session moved on while the entry was written; drop it unless
		// the same user is still signed in.
		drop := wrote && r.sess.Key() != email
		r.mu.Unlock()
		if drop {
			r.cache.Invalidate(r.ctx, email)
		}
		observability.StaleFlagResults.Inc()
		slog.Debug("discarding stale flag result", "flag", flag, "email", email)
		return
	}
	if err != nil {
		observability.FlagFetches.WithLabelValues(flag, "failed").Inc()
		slog.Warn("flag lookup failed, treating as false", "flag", flag, "email", email, "error", err)
		v = false
	} else {
		observability.FlagFetches.WithLabelValues(flag, "ok").Inc()
	}
	r.setFlag(flag, v)
	change, changed := r.recompute()
	r.notifyMu.Lock()
	r.mu.Unlock()
	if changed {
		r.deliver(change)
	}
	r.notifyMu.Unlock()
}

// expire signs the session out if the rejected lookup still belongs to it.
// The store only clears the session when its version has not moved since the
// lookup started; the sign-out then drops the cached flags for email.
func (r *Resolver) expire(gen, version uint64, email string) {
	if !r.current(gen) || !r.store.SignOutIf(version) {
		observability.StaleFlagResults.Inc()
		slog.Debug("discarding stale auth failure", "email", email)
		return
	}
	slog.Info("backend rejected session token, signing out", "email", email)
	if r.onExpired != nil {
		r.onExpired(email)
	}
}

func (r *Resolver) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && gen == r.gen
}

func (r *Resolver) cached(email, flag string) (bool, bool) {
	if r.cache == nil {
		return false, false
	}
	return r.cache.Get(r.ctx, email, flag)
}

func (r *Resolver) setFlag(flag string, v bool) {
	if flag == backend.FlagAdmin {
		r.state.Admin = roles.FlagOf(v)
	} else {
		r.state.Member = roles.FlagOf(v)
	}
}

// recompute must be called with mu held.
func (r *Resolver) recompute() (RoleChange, bool) {
	role := roles.ResolveRole(r.sess != nil, r.state)
	if role == r.role {
		return RoleChange{}, false
	}
	prev := r.role
	r.role = role
	if role.Settled() {
		observability.RoleResolutions.WithLabelValues(string(role)).Inc()
	}
	if r.state.Settled() && r.state.Flags().Conflicting() {
		slog.Warn("backend reports both admin and member, applying admin precedence", "email", r.sess.Key())
	}
	return RoleChange{Role: role, Previous: prev, Email: r.sess.Key(), At: time.Now().UTC()}, true
}

// deliver must be called with notifyMu held.
func (r *Resolver) deliver(ch RoleChange) {
	for _, fn := range r.listeners {
		fn(ch)
	}
}
