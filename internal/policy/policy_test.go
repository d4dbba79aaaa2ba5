package policy

import (
	"testing"

	"github.com/JhayceeCodes/nams-voting-platform/internal/model"
)

func TestAccessTable(t *testing.T) {
	roles := []model.Role{RoleAnonymous, model.RoleVoter, model.RoleAdmin, model.RoleSuperuser}

	// expected[resource][operation] lists the roles allowed, in the order of
	// the roles slice above: anonymous, voter, admin, superuser.
	expected := map[Resource]map[Operation][4]bool{
		ResourceCatalog: {
			OpRead:   {false, true, true, true},
			OpCreate: {false, false, true, true},
			OpUpdate: {false, false, true, true},
			OpDelete: {false, false, true, true},
		},
		ResourceBallot: {
			OpCreate: {false, true, false, false},
			OpRead:   {false, false, false, true},
			OpUpdate: {false, false, false, false},
			OpDelete: {false, false, false, false},
		},
		ResourceSignup: {
			OpCreate: {true, true, true, true},
		},
		ResourceAccount: {
			OpCreate: {false, false, false, true},
		},
	}

	for resource, ops := range expected {
		for op, allowed := range ops {
			for i, role := range roles {
				if got := Allowed(resource, op, role); got != allowed[i] {
					t.Fatalf("Allowed(%s, %s, %q) = %v, want %v", resource, op, role, got, allowed[i])
				}
			}
		}
	}
}

func TestUnknownResourceDenied(t *testing.T) {
	if Allowed(Resource("unknown"), OpRead, model.RoleSuperuser) {
		t.Fatalf("expected unknown resource to be denied")
	}
}
