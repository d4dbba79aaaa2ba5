// Package policy holds the access table in one place so every role gate in the
// HTTP layer answers from the same source of truth. An earlier revision of the
// platform let admins read and write ballots; that variant is intentionally
// not implemented here.
package policy

import "github.com/JhayceeCodes/nams-voting-platform/internal/model"

type Resource string

const (
	// ResourceCatalog covers elections, positions and candidates, which share
	// one access profile.
	ResourceCatalog Resource = "catalog"
	ResourceBallot  Resource = "ballot"
	ResourceSignup  Resource = "signup"
	// ResourceAccount is staff provisioning (admin and superuser accounts).
	ResourceAccount Resource = "account"
)

type Operation string

const (
	OpRead   Operation = "read"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// RoleAnonymous marks an unauthenticated caller.
const RoleAnonymous model.Role = ""

// Allowed decides (resource, operation, role). Anything not explicitly
// allowed is denied, so ballot update/delete is unreachable for every role.
func Allowed(resource Resource, op Operation, role model.Role) bool {
	switch resource {
	case ResourceSignup:
		return op == OpCreate
	case ResourceAccount:
		return op == OpCreate && role == model.RoleSuperuser
	case ResourceCatalog:
		switch op {
		case OpRead:
			return role == model.RoleVoter || role == model.RoleAdmin || role == model.RoleSuperuser
		case OpCreate, OpUpdate, OpDelete:
			return role == model.RoleAdmin || role == model.RoleSuperuser
		}
	case ResourceBallot:
		switch op {
		case OpCreate:
			// Only ordinary voters cast ballots; a superuser holding the audit
			// role is rejected outright, not merely discouraged.
			return role == model.RoleVoter
		case OpRead:
			return role == model.RoleSuperuser
		}
	}
	return false
}
