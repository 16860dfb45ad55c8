// Package flagcache caches privilege lookups per email. Entries are written
// only by a completed fetch and dropped when the session for the email ends.
package flagcache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/siam-sk/nexus-living-bms-client/internal/session"
)

var (
	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_gateway_flag_cache_hits_total",
		Help: "Flag cache hits by tier.",
	}, []string{"tier"})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nexus_gateway_flag_cache_misses_total",
		Help: "Flag lookups that missed every cache tier.",
	})
)

// Cache stores one boolean per (email, flag).
type Cache interface {
	Get(ctx context.Context, email, flag string) (value bool, ok bool)
	Set(ctx context.Context, email, flag string, value bool)
	// Invalidate drops every flag cached for email.
	Invalidate(ctx context.Context, email string)
}

// Flags lists the flag names Invalidate clears.
var Flags = []string{"admin", "member"}

func key(email, flag string) string {
	return session.NormalizeEmail(email) + "|" + flag
}

// Memory is a per-process LRU with a TTL.
type Memory struct {
	lru *expirable.LRU[string, bool]
}

func NewMemory(maxSize int, ttl time.Duration) *Memory {
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &Memory{lru: expirable.NewLRU[string, bool](maxSize, nil, ttl)}
}

func (m *Memory) Get(_ context.Context, email, flag string) (bool, bool) {
	v, ok := m.lru.Get(key(email, flag))
	if ok {
		cacheHitsTotal.WithLabelValues("memory").Inc()
	}
	return v, ok
}

func (m *Memory) Set(_ context.Context, email, flag string, value bool) {
	m.lru.Add(key(email, flag), value)
}

func (m *Memory) Invalidate(_ context.Context, email string) {
	for _, f := range Flags {
		m.lru.Remove(key(email, f))
	}
}

// Len is the number of live entries.
func (m *Memory) Len() int { return m.lru.Len() }

// Tiered reads through the tiers in order and backfills the faster ones.
type Tiered struct {
	tiers []Cache
}

// NewTiered skips nil tiers, so an unconfigured Redis tier can be passed as is.
func NewTiered(tiers ...Cache) *Tiered {
	t := &Tiered{}
	for _, c := range tiers {
		if c == nil {
			continue
		}
		if r, ok := c.(*Redis); ok && r == nil {
			continue
		}
		t.tiers = append(t.tiers, c)
	}
	return t
}

func (t *Tiered) Get(ctx context.Context, email, flag string) (bool, bool) {
	for i, c := range t.tiers {
		if v, ok := c.Get(ctx, email, flag); ok {
			for j := 0; j < i; j++ {
				t.tiers[j].Set(ctx, email, flag, v)
			}
			return v, true
		}
	}
	cacheMissesTotal.Inc()
	return false, false
}

func (t *Tiered) Set(ctx context.Context, email, flag string, value bool) {
	for _, c := range t.tiers {
		c.Set(ctx, email, flag, value)
	}
}

func (t *Tiered) Invalidate(ctx context.Context, email string) {
	for _, c := range t.tiers {
		c.Invalidate(ctx, email)
	}
}
