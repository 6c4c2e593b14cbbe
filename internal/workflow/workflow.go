// Package workflow implements the approval workflow that gates a student's
// progress through thesis milestones: gate ordering, the submission record
// state machine, and the read-side projection. The package is pure: it never
// touches storage, the clock is always passed in, and every transition
// returns a new record value, so callers can retry transitions safely under
// optimistic concurrency.
package workflow

// Kind identifies which review pipeline a submission moves through.
type Kind string

const (
	KindChapterReview       Kind = "chapter_review"
	KindTerminalRequirement Kind = "terminal_requirement"
)

// Role is a reviewer role inside a workflow. Portal-level roles (student,
// coordinator, admin) live in internal/rbac; these are the roles that sit at
// gates.
type Role string

const (
	RoleStatistician Role = "statistician"
	RoleAdviser      Role = "adviser"
	RoleEditor       Role = "editor"
	RolePanel        Role = "panel"
)

// RoleAssignments names who holds each reviewer role for one subject. A role
// with multiple members is a panel: every member must approve before the
// gate is satisfied. A role with a single named member is decided by that
// member alone. An empty member list means any authenticated holder of the
// role may decide.
type RoleAssignments map[Role][]string

// GateStep is one step in the resolved gate order: a role plus the members
// who must decide at that step.
type GateStep struct {
	Role    Role     `json:"role"`
	Members []string `json:"members,omitempty"`
}

// IsPanel reports whether the step needs more than one individual decision.
func (g GateStep) IsPanel() bool {
	return len(g.Members) > 1
}

// gateOrder fixes the review sequence per workflow kind. Roles not assigned
// to the subject are skipped, never inserted as no-ops.
var gateOrder = map[Kind][]Role{
	KindChapterReview:       {RoleStatistician, RoleAdviser, RoleEditor},
	KindTerminalRequirement: {RolePanel, RoleAdviser, RoleEditor, RoleStatistician},
}

// KnownKind reports whether kind has a gate order table.
func KnownKind(kind Kind) bool {
	_, ok := gateOrder[kind]
	return ok
}

// ResolveGateOrder maps a workflow kind and the subject's role assignments
// to the ordered sequence of gate steps. Deterministic and side-effect free:
// the same inputs always yield the same sequence.
func ResolveGateOrder(kind Kind, roles RoleAssignments) []GateStep {
	order := gateOrder[kind]
	steps := make([]GateStep, 0, len(order))
	for _, role := range order {
		members, ok := roles[role]
		if !ok {
			continue
		}
		steps = append(steps, GateStep{
			Role:    role,
			Members: append([]string(nil), members...),
		})
	}
	return steps
}

// roleAssigned reports whether role participates in this workflow at all.
func roleAssigned(kind Kind, roles RoleAssignments, role Role) bool {
	for _, ordered := range gateOrder[kind] {
		if ordered != role {
			continue
		}
		_, ok := roles[role]
		return ok
	}
	return false
}

// memberOf reports whether actorID may decide for the given step. Steps with
// named members restrict decisions to those members; unnamed steps accept
// any actor presenting the role.
func memberOf(step GateStep, actorID string) bool {
	if len(step.Members) == 0 {
		return true
	}
	for _, member := range step.Members {
		if member == actorID {
			return true
		}
	}
	return false
}
