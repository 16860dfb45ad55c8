package guard

import (
	"fmt"
	"sort"
	"strings"

	"github.com/siam-sk/nexus-living-bms-client/pkg/roles"
)

const siteTitle = "Nexus Living"

// View is one routable page of the application.
type View struct {
	Path     string     `json:"path" mapstructure:"path"`
	Title    string     `json:"title" mapstructure:"title"`
	Required roles.Role `json:"required" mapstructure:"required"`
}

// DefaultViews mirrors the SPA's router.
func DefaultViews() []View {
	return []View{
		{Path: "/", Title: "Home", Required: roles.Guest},
		{Path: "/apartment", Title: "Apartment", Required: roles.Guest},
		{Path: "/login", Title: "Login", Required: roles.Guest},
		{Path: "/register", Title: "Register", Required: roles.Guest},

		{Path: "/dashboard", Title: "Dashboard", Required: roles.Resident},
		{Path: "/dashboard/my-profile", Title: "My Profile", Required: roles.Resident},
		{Path: "/dashboard/announcements", Title: "Announcements", Required: roles.Resident},

		{Path: "/dashboard/make-payment", Title: "Make Payment", Required: roles.Member},
		{Path: "/dashboard/payment-gateway", Title: "Payment", Required: roles.Member},
		{Path: "/dashboard/payment-history", Title: "Payment History", Required: roles.Member},

		{Path: "/dashboard/admin-profile", Title: "Admin Profile", Required: roles.Admin},
		{Path: "/dashboard/manage-members", Title: "Manage Members", Required: roles.Admin},
		{Path: "/dashboard/make-announcement", Title: "Make Announcement", Required: roles.Admin},
		{Path: "/dashboard/agreement-requests", Title: "Agreement Requests", Required: roles.Admin},
		{Path: "/dashboard/manage-coupons", Title: "Manage Coupons", Required: roles.Admin},
	}
}

// MergeViews returns base with extra applied on top: a view in extra replaces
// the base view with the same path, any other is added.
func MergeViews(base, extra []View) []View {
	out := make([]View, 0, len(base)+len(extra))
	index := make(map[string]int, len(base)+len(extra))
	for _, v := range append(append([]View(nil), base...), extra...) {
		p := normalize(v.Path)
		if i, ok := index[p]; ok {
			out[i] = v
			continue
		}
		index[p] = len(out)
		out = append(out, v)
	}
	return out
}

// Table resolves request paths to views. Lookups match the exact path first
// and then the longest registered prefix on a segment boundary.
type Table struct {
	views map[string]View
	byLen []string
}

func NewTable(views []View) (*Table, error) {
	t := &Table{views: make(map[string]View, len(views))}
	for _, v := range views {
		p := normalize(v.Path)
		required, ok := roles.Parse(string(v.Required))
		if !ok {
			return nil, fmt.Errorf("view %s: invalid required role %q", p, v.Required)
		}
		v.Path = p
		v.Required = required
		t.views[p] = v
	}
	for p := range t.views {
		t.byLen = append(t.byLen, p)
	}
	sort.Slice(t.byLen, func(i, j int) bool { return len(t.byLen[i]) > len(t.byLen[j]) })
	return t, nil
}

// Lookup returns the view serving path. Unknown paths are not protected; the
// SPA renders its not-found page for them.
func (t *Table) Lookup(path string) (View, bool) {
	p := normalize(path)
	if v, ok := t.views[p]; ok {
		return v, true
	}
	for _, prefix := range t.byLen {
		if prefix == "/" {
			continue
		}
		if strings.HasPrefix(p, prefix+"/") {
			return t.views[prefix], true
		}
	}
	return View{}, false
}

// Title renders the document title for path.
func (t *Table) Title(path string) string {
	v, ok := t.Lookup(path)
	if !ok || v.Title == "" {
		return siteTitle
	}
	return v.Title + " | " + siteTitle
}

// Views returns the table sorted by path.
func (t *Table) Views() []View {
	out := make([]View, 0, len(t.views))
	for _, v := range t.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func normalize(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = "/" + strings.Trim(strings.TrimSpace(path), "/")
	return path
}
