package workflow

import "testing"

func TestResolveGateOrderSkipsUnassigned(t *testing.T) {
	cases := []struct {
		name  string
		kind  Kind
		roles RoleAssignments
		want  []Role
	}{
		{
			name: "chapter full sequence",
			kind: KindChapterReview,
			roles: RoleAssignments{
				RoleAdviser:      {"dr-reyes"},
				RoleStatistician: {"stat-lim"},
				RoleEditor:       {"ed-cruz"},
			},
			want: []Role{RoleStatistician, RoleAdviser, RoleEditor},
		},
		{
			name:  "chapter adviser only",
			kind:  KindChapterReview,
			roles: RoleAssignments{RoleAdviser: {"dr-reyes"}},
			want:  []Role{RoleAdviser},
		},
		{
			name: "terminal requirement leads with panel",
			kind: KindTerminalRequirement,
			roles: RoleAssignments{
				RoleEditor:  {"ed-cruz"},
				RolePanel:   {"a", "b"},
				RoleAdviser: {"dr-reyes"},
			},
			want: []Role{RolePanel, RoleAdviser, RoleEditor},
		},
		{
			name:  "no assignments",
			kind:  KindChapterReview,
			roles: RoleAssignments{},
			want:  []Role{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			steps := ResolveGateOrder(tc.kind, tc.roles)
			if len(steps) != len(tc.want) {
				t.Fatalf("got %d steps, want %d", len(steps), len(tc.want))
			}
			for i, step := range steps {
				if step.Role != tc.want[i] {
					t.Errorf("step %d = %s, want %s", i, step.Role, tc.want[i])
				}
			}
		})
	}
}

func TestResolveGateOrderCopiesMembers(t *testing.T) {
	roles := RoleAssignments{RolePanel: {"a", "b"}}
	steps := ResolveGateOrder(KindTerminalRequirement, roles)
	steps[0].Members[0] = "mutated"
	if roles[RolePanel][0] != "a" {
		t.Fatal("resolved steps alias the assignment slices")
	}
}

func TestIsPanel(t *testing.T) {
	if (GateStep{Role: RoleAdviser, Members: []string{"x"}}).IsPanel() {
		t.Error("single-member step reported as panel")
	}
	if !(GateStep{Role: RolePanel, Members: []string{"x", "y"}}).IsPanel() {
		t.Error("two-member step not reported as panel")
	}
	if (GateStep{Role: RoleEditor}).IsPanel() {
		t.Error("unnamed step reported as panel")
	}
}

func TestMemberOf(t *testing.T) {
	named := GateStep{Role: RolePanel, Members: []string{"a", "b"}}
	if !memberOf(named, "a") || memberOf(named, "z") {
		t.Error("named membership check wrong")
	}
	open := GateStep{Role: RoleEditor}
	if !memberOf(open, "anyone") {
		t.Error("unnamed step must accept any actor with the role")
	}
}
