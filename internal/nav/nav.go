// Package nav composes the navigation entries a role is allowed to see.
// It is a lookup table keyed by role and performs no I/O.
package nav

import "github.com/siam-sk/nexus-living-bms-client/pkg/roles"

type Entry struct {
	Label string `json:"label"`
	Path  string `json:"path"`
	Icon  string `json:"icon"`
}

var (
	myProfile      = Entry{Label: "My Profile", Path: "/dashboard/my-profile", Icon: "user-circle"}
	announcements  = Entry{Label: "Announcements", Path: "/dashboard/announcements", Icon: "megaphone"}
	makePayment    = Entry{Label: "Make Payment", Path: "/dashboard/make-payment", Icon: "credit-card"}
	paymentHistory = Entry{Label: "Payment History", Path: "/dashboard/payment-history", Icon: "receipt"}

	adminProfile      = Entry{Label: "Admin Profile", Path: "/dashboard/admin-profile", Icon: "shield-check"}
	manageMembers     = Entry{Label: "Manage Members", Path: "/dashboard/manage-members", Icon: "users"}
	makeAnnouncement  = Entry{Label: "Make Announcement", Path: "/dashboard/make-announcement", Icon: "pencil-square"}
	agreementRequests = Entry{Label: "Agreement Requests", Path: "/dashboard/agreement-requests", Icon: "document-check"}
	manageCoupons     = Entry{Label: "Manage Coupons", Path: "/dashboard/manage-coupons", Icon: "ticket"}

	home      = Entry{Label: "Home", Path: "/", Icon: "home"}
	apartment = Entry{Label: "Apartment", Path: "/apartment", Icon: "building"}
	login     = Entry{Label: "Login", Path: "/login", Icon: "login"}
	dashboard = Entry{Label: "Dashboard", Path: "/dashboard", Icon: "squares"}
	logout    = Entry{Label: "Logout", Path: "/logout", Icon: "logout"}
)

// Exactly one menu per role. Admin gets its own profile view instead of the
// resident/member entries.
var menus = map[roles.Role][]Entry{
	roles.Resident: {myProfile, announcements},
	roles.Member:   {myProfile, makePayment, paymentHistory, announcements},
	roles.Admin:    {adminProfile, manageMembers, makeAnnouncement, agreementRequests, manageCoupons},
}

var labels = map[roles.Role]string{
	roles.Resident: "Resident",
	roles.Member:   "Member",
	roles.Admin:    "Admin",
}

// MenuFor returns the dashboard menu for role. Guest and Loading get an empty
// menu so privileged entries never flash before the role settles.
func MenuFor(role roles.Role) []Entry {
	return clone(menus[role])
}

// PublicLinks are rendered for everyone.
func PublicLinks() []Entry {
	return []Entry{home, apartment}
}

// SessionLinks are the account links of the top bar. While loading the caller
// is signed in, so it gets the authenticated set.
func SessionLinks(role roles.Role) []Entry {
	if role == roles.Guest {
		return []Entry{login}
	}
	return []Entry{dashboard, logout}
}

// DashboardLabel is the caption under the user's name in the sidebar.
func DashboardLabel(role roles.Role) string {
	return labels[role]
}

// Menu is the full navigation payload served to the SPA.
type Menu struct {
	Role      roles.Role `json:"role"`
	Label     string     `json:"label,omitempty"`
	Public    []Entry    `json:"public"`
	Session   []Entry    `json:"session"`
	Dashboard []Entry    `json:"dashboard"`
}

func Compose(role roles.Role) Menu {
	return Menu{
		Role:      role,
		Label:     DashboardLabel(role),
		Public:    PublicLinks(),
		Session:   SessionLinks(role),
		Dashboard: MenuFor(role),
	}
}

func clone(in []Entry) []Entry {
	out := make([]Entry, len(in))
	copy(out, in)
	return out
}
