package model

// Role is the access level carried by an authenticated principal.
type Role string

const (
	// RoleAdmin can manage tenants, delete sessions, and trigger reconciliation.
	RoleAdmin Role = "admin"
	// RoleStaff can view the dashboard index and manage corpus/knowledge content.
	RoleStaff Role = "staff"
	// RoleService is the conversation-understanding layer posting messages
	// and goal evidence on behalf of visitors.
	RoleService Role = "service"
	// RoleVisitor is an end user authenticated for their own secured sessions.
	RoleVisitor Role = "visitor"
)

// RoleRank returns the privilege rank of a role. Unknown roles rank below
// visitor.
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 4
	case RoleStaff:
		return 3
	case RoleService:
		return 2
	case RoleVisitor:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast reports whether role meets or exceeds minRole.
func RoleAtLeast(role, minRole Role) bool {
	return RoleRank(role) >= RoleRank(minRole)
}
