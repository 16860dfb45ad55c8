package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/siam-sk/nexus-living-bms-client/internal/guard"
	"github.com/siam-sk/nexus-living-bms-client/internal/identity"
	"github.com/siam-sk/nexus-living-bms-client/internal/middleware"
	"github.com/siam-sk/nexus-living-bms-client/internal/nav"
	"github.com/siam-sk/nexus-living-bms-client/internal/observability"
	"github.com/siam-sk/nexus-living-bms-client/internal/proxy"
	"github.com/siam-sk/nexus-living-bms-client/internal/ratelimit"
	"github.com/siam-sk/nexus-living-bms-client/internal/realtime"
	"github.com/siam-sk/nexus-living-bms-client/internal/session"
	"github.com/siam-sk/nexus-living-bms-client/pkg/roles"
)

// TokenVerifier is satisfied by *middleware.Verifier.
type TokenVerifier interface {
	Verify(token string) (*middleware.IdentityClaims, error)
}

type Options struct {
	Registry     *identity.Registry
	Verifier     TokenVerifier
	Guard        *guard.Guard
	Hub          *realtime.Hub
	CookieName   string
	SecureCookie bool
	// LoginLimiter throttles POST /api/session; nil disables it.
	LoginLimiter *ratelimit.RateLimiter
}

type Server struct {
	registry *identity.Registry
	verifier TokenVerifier
	guard    *guard.Guard
	hub      *realtime.Hub
	cookie   string
	secure   bool
	limiter  *ratelimit.RateLimiter

	// expired holds client ids whose session the backend ended; the next
	// request from that client is told to log in again.
	expired sync.Map
}

func NewServer(opts Options) *Server {
	s := &Server{
		registry: opts.Registry,
		verifier: opts.Verifier,
		guard:    opts.Guard,
		hub:      opts.Hub,
		cookie:   opts.CookieName,
		secure:   opts.SecureCookie,
		limiter:  opts.LoginLimiter,
	}
	if s.cookie == "" {
		s.cookie = "nexus_session"
	}
	s.registry.OnRoleChange(func(id string, ch identity.RoleChange) {
		if s.hub != nil {
			s.hub.Publish(id, realtime.Event{Type: realtime.TypeRoleChanged, Role: ch.Role, Previous: ch.Previous, At: ch.At})
		}
	})
	s.registry.OnExpired(func(id, email string) {
		s.expired.Store(id, struct{}{})
		if s.hub != nil {
			s.hub.Publish(id, realtime.Event{Type: realtime.TypeSessionExpired, RedirectTo: roles.LoginPath})
		}
	})
	return s
}

// Register mounts the session, navigation and guard endpoints. The router
// must already run ClientMiddleware.
func (s *Server) Register(r chi.Router) {
	r.Route("/api/session", func(r chi.Router) {
		r.With(s.limiter.Middleware(ratelimit.KeyByIP)).Post("/", s.handleSignIn)
		r.Get("/", s.handleSession)
		r.Delete("/", s.handleSignOut)
		r.Post("/refresh", s.handleRefresh)
	})
	r.Get("/api/nav", s.handleNav)
	r.Get("/api/authorize", s.handleAuthorize)
	r.Get("/dashboard", s.handleDashboard)
	r.Get("/dashboard/*", s.handleDashboard)
	if s.hub != nil {
		r.Get("/ws/role", s.handleRoleSocket)
	}
}

// ClientMiddleware attaches the caller's client session, found by cookie, to
// the request context.
func (s *Server) ClientMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(s.cookie)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}
		c, ok := s.registry.Get(cookie.Value)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithClient(r.Context(), c)))
	})
}

func writeSessionExpired(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		http.Redirect(w, r, roles.LoginPath, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusUnauthorized, proxy.SessionExpiredBody)
}

type signInRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	token := middleware.ExtractToken(r)
	if token == "" {
		var req signInRequest
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		token = strings.TrimSpace(req.Token)
	}
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	claims, err := s.verifier.Verify(token)
	if err != nil {
		slog.Info("identity token rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	c := identity.ClientFrom(r.Context())
	if c == nil {
		c = s.registry.Create()
	}
	s.expired.Delete(c.ID)
	c.Store.SignIn(claims.Session(token))
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie,
		Value:    c.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	slog.Info("signed in", "client", c.ID, "email", session.NormalizeEmail(claims.Email))
	writeJSON(w, http.StatusOK, viewOf(c))
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if c := identity.ClientFrom(r.Context()); c != nil {
		s.expired.Delete(c.ID)
		s.registry.Remove(c.ID)
		if s.hub != nil {
			s.hub.Disconnect(c.ID)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// reportExpired answers once for a client whose session the backend ended.
func (s *Server) reportExpired(w http.ResponseWriter, r *http.Request, c *identity.Client) bool {
	if c == nil {
		return false
	}
	if _, ok := s.expired.LoadAndDelete(c.ID); !ok {
		return false
	}
	writeSessionExpired(w, r)
	return true
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	c := identity.ClientFrom(r.Context())
	if s.reportExpired(w, r, c) {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c := identity.ClientFrom(r.Context())
	if s.reportExpired(w, r, c) {
		return
	}
	if c == nil || c.Store.Current() == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	c.Resolver.Refresh()
	writeJSON(w, http.StatusAccepted, viewOf(c))
}

func (s *Server) handleNav(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nav.Compose(roleOf(r)))
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" || !strings.HasPrefix(path, "/") {
		writeError(w, http.StatusBadRequest, "path must be an absolute application path")
		return
	}
	d := s.guard.Check(path, roleOf(r))
	countDecision(d)
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d := s.guard.Check(r.URL.Path, roleOf(r))
	countDecision(d)
	guard.PerformRedirect(w, r, d)
}

func (s *Server) handleRoleSocket(w http.ResponseWriter, r *http.Request) {
	c := identity.ClientFrom(r.Context())
	if c == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.hub.Serve(w, r, c.ID, &realtime.Event{Type: realtime.TypeRoleSnapshot, Role: c.Resolver.Role()})
}

func countDecision(d guard.Decision) {
	outcome := "redirected"
	switch {
	case d.Allowed:
		outcome = "allowed"
	case d.Loading():
		outcome = "loading"
	}
	observability.GuardDecisions.WithLabelValues(outcome).Inc()
}

func roleOf(r *http.Request) roles.Role {
	if c := identity.ClientFrom(r.Context()); c != nil {
		return c.Resolver.Role()
	}
	return roles.Guest
}

type flagsView struct {
	Admin  string `json:"admin"`
	Member string `json:"member"`
}

type sessionView struct {
	SignedIn       bool             `json:"signed_in"`
	User           *session.Session `json:"user,omitempty"`
	Role           roles.Role       `json:"role"`
	DashboardLabel string           `json:"dashboard_label,omitempty"`
	Flags          *flagsView       `json:"flags,omitempty"`
	Settled        bool             `json:"settled"`
}

func viewOf(c *identity.Client) sessionView {
	if c == nil {
		return sessionView{Role: roles.Guest, Settled: true}
	}
	st := c.Resolver.State()
	v := sessionView{
		SignedIn:       st.Session != nil,
		User:           st.Session,
		Role:           st.Role,
		DashboardLabel: nav.DashboardLabel(st.Role),
		Settled:        st.Role.Settled(),
	}
	if st.Session != nil {
		v.Flags = &flagsView{Admin: st.Flags.Admin.String(), Member: st.Flags.Member.String()}
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	middleware.WriteJSONError(w, status, msg)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
