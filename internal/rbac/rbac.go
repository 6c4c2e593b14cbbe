// Package rbac defines the portal-level roles and what each may do. Reviewer
// standing at workflow gates is decided per record by internal/workflow, not
// here.
package rbac

type Role string
type Action string

const (
	RoleStudent     Role = "student"
	RoleFaculty     Role = "faculty"
	RoleCoordinator Role = "coordinator"
	RoleAdmin       Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionSubmit Action = "submit"
	ActionDecide Action = "decide"
	ActionAssign Action = "assign"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleCoordinator:
		return action == ActionRead || action == ActionDecide || action == ActionAssign
	case RoleFaculty:
		return action == ActionRead || action == ActionDecide
	case RoleStudent:
		return action == ActionRead || action == ActionSubmit
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleStudent, RoleFaculty, RoleCoordinator, RoleAdmin:
		return Role(role)
	default:
		return RoleStudent
	}
}
