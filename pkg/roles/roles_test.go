package roles

import "testing"

func TestRoleHierarchy(t *testing.T) {
	tests := []struct {
		role     Role
		expected int
	}{
		{Guest, 0},
		{Resident, 1},
		{Member, 2},
		{Admin, 3},
		{Loading, -1},
		{"invalid", -1},
	}

	for _, test := range tests {
		if level := GetRoleLevel(test.role); level != test.expected {
			t.Errorf("GetRoleLevel(%s) = %d, want %d", test.role, level, test.expected)
		}
	}
}

func TestHasPermission(t *testing.T) {
	tests := []struct {
		userRole     Role
		requiredRole Role
		expected     bool
	}{
		// Admin is a full superset
		{Admin, Admin, true},
		{Admin, Member, true},
		{Admin, Resident, true},
		{Admin, Guest, true},

		// Member satisfies member views, not admin views
		{Member, Admin, false},
		{Member, Member, true},
		{Member, Resident, true},

		// Resident satisfies neither privileged tier
		{Resident, Admin, false},
		{Resident, Member, false},
		{Resident, Resident, true},

		{Guest, Resident, false},
		{Guest, Guest, true},

		// Loading never has a permission
		{Loading, Guest, false},
		{Loading, Resident, false},
	}

	for _, test := range tests {
		result := HasPermission(test.userRole, test.requiredRole)
		if result != test.expected {
			t.Errorf("HasPermission(%s, %s) = %t, want %t",
				test.userRole, test.requiredRole, result, test.expected)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Role
		ok   bool
	}{
		{"public", Guest, true},
		{"", Guest, true},
		{"auth", Resident, true},
		{"Resident", Resident, true},
		{" member ", Member, true},
		{"admin", Admin, true},
		{"loading", "", false},
		{"owner", "", false},
	}
	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Parse(%q) = (%q, %t), want (%q, %t)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestIsValidRole(t *testing.T) {
	for _, role := range ValidRoles() {
		if !IsValidRole(role) {
			t.Errorf("IsValidRole(%s) should be true", role)
		}
	}
	for _, role := range []Role{Loading, "", "ADMIN"} {
		if IsValidRole(role) {
			t.Errorf("IsValidRole(%s) should be false", role)
		}
	}
}
