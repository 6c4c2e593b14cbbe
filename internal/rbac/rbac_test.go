package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "student read", role: RoleStudent, action: ActionRead, allow: true},
		{name: "student submit", role: RoleStudent, action: ActionSubmit, allow: true},
		{name: "student decide", role: RoleStudent, action: ActionDecide, allow: false},
		{name: "faculty decide", role: RoleFaculty, action: ActionDecide, allow: true},
		{name: "faculty assign", role: RoleFaculty, action: ActionAssign, allow: false},
		{name: "faculty submit", role: RoleFaculty, action: ActionSubmit, allow: false},
		{name: "coordinator assign", role: RoleCoordinator, action: ActionAssign, allow: true},
		{name: "coordinator admin", role: RoleCoordinator, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown role", role: Role("guest"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("coordinator") != RoleCoordinator {
		t.Fatal("known role must pass through")
	}
	if Normalize("superuser") != RoleStudent {
		t.Fatal("unknown role must fall back to student")
	}
}
