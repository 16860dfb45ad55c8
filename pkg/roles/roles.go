package roles

import "strings"

// Role is the access tier derived for a session.
type Role string

// Role constants defining the hierarchy
const (
	Loading  Role = "loading"  // Flag lookups still in flight
	Guest    Role = "guest"    // No session
	Resident Role = "resident" // Signed-in user without elevated flags
	Member   Role = "member"   // Apartment member (agreement accepted)
	Admin    Role = "admin"    // Building administrator
)

// roleHierarchy defines the role hierarchy levels (higher number = more privileges).
// Loading has no level: it satisfies nothing but a public view.
var roleHierarchy = map[Role]int{
	Guest:    0,
	Resident: 1,
	Member:   2,
	Admin:    3,
}

// ValidRoles returns the settled roles in ascending order of privilege.
func ValidRoles() []Role {
	return []Role{Guest, Resident, Member, Admin}
}

// IsValidRole checks if a role is a settled role
func IsValidRole(role Role) bool {
	_, exists := roleHierarchy[role]
	return exists
}

// GetRoleLevel returns the hierarchy level for a role
func GetRoleLevel(role Role) int {
	if level, exists := roleHierarchy[role]; exists {
		return level
	}
	return -1 // Loading or invalid
}

// HasPermission checks if a role has at least the required permission level
func HasPermission(userRole, requiredRole Role) bool {
	userLevel := GetRoleLevel(userRole)
	requiredLevel := GetRoleLevel(requiredRole)

	if userLevel == -1 || requiredLevel == -1 {
		return false
	}

	return userLevel >= requiredLevel
}

// Parse maps a configuration access level onto a role. "public" and "" are
// aliases for Guest and "auth" for Resident, matching the gateway route files.
func Parse(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "public", string(Guest):
		return Guest, true
	case "auth", string(Resident):
		return Resident, true
	case string(Member):
		return Member, true
	case string(Admin):
		return Admin, true
	}
	return "", false
}

func (r Role) String() string { return string(r) }

// Settled reports whether the role is final for the current session state.
func (r Role) Settled() bool { return r != Loading }
