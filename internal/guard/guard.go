// Package guard applies role requirements to application views.
package guard

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/siam-sk/nexus-living-bms-client/pkg/roles"
)

// Decision is a route check for one path.
type Decision struct {
	roles.GuardResult
	Path     string     `json:"path"`
	Title    string     `json:"title"`
	Required roles.Role `json:"required"`
	Role     roles.Role `json:"role"`
}

// Loading reports the "show a spinner, do not navigate" outcome.
func (d Decision) Loading() bool { return !d.Allowed && d.RedirectTo == "" }

type Guard struct {
	table *Table
}

func New(table *Table) *Guard {
	return &Guard{table: table}
}

func (g *Guard) Table() *Table { return g.table }

// Check decides whether role may open path. Public and unknown views are
// always allowed, even while the role is loading.
func (g *Guard) Check(path string, role roles.Role) Decision {
	d := Decision{Path: normalize(path), Title: g.table.Title(path), Role: role, Required: roles.Guest}
	v, ok := g.table.Lookup(path)
	if !ok || v.Required == roles.Guest {
		d.Allowed = true
		return d
	}
	d.Required = v.Required
	d.GuardResult = roles.Authorize(role, v.Required)
	if d.RedirectTo == roles.LoginPath {
		d.RedirectTo = roles.LoginPath + "?from=" + url.QueryEscape(d.Path)
	}
	return d
}

// PerformRedirect carries out a decision. Browser navigations are answered
// with 303 so the client does not re-submit; API callers receive the decision
// as JSON (202 while loading, 403 when denied).
func PerformRedirect(w http.ResponseWriter, r *http.Request, d Decision) {
	if d.Allowed {
		writeJSON(w, http.StatusOK, d)
		return
	}
	if d.Loading() {
		writeJSON(w, http.StatusAccepted, d)
		return
	}
	if wantsHTML(r) {
		http.Redirect(w, r, d.RedirectTo, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusForbidden, d)
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
