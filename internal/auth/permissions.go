package auth

// Permission represents a named capability shown on a role's dashboard.
type Permission string

// Permission constants.
const (
	PermPlotTend      Permission = "plot:tend"
	PermPlotManage    Permission = "plot:manage"
	PermTaskClaim     Permission = "task:claim"
	PermTaskAssign    Permission = "task:assign"
	PermEventJoin     Permission = "event:join"
	PermEventPublish  Permission = "event:publish"
	PermMemberManage  Permission = "member:manage"
	PermGardenManage  Permission = "garden:manage"
	PermSystemAdmin   Permission = "system:admin"
	PermNotifyPublish Permission = "notify:publish"
)

// rolePermissions maps each role to its granted permissions.
// The backend enforces these; the agent only uses them to decide what a
// summary card offers.
var rolePermissions = map[Role][]Permission{
	RoleGardener: {
		PermPlotTend,
		PermTaskClaim,
		PermEventJoin,
	},
	RoleVolunteer: {
		PermTaskClaim,
		PermEventJoin,
	},
	RoleManager: {
		PermPlotTend,
		PermPlotManage,
		PermTaskClaim,
		PermTaskAssign,
		PermEventJoin,
		PermEventPublish,
		PermMemberManage,
		PermNotifyPublish,
	},
	RoleAdmin: {
		PermPlotManage,
		PermTaskAssign,
		PermEventPublish,
		PermMemberManage,
		PermGardenManage,
		PermNotifyPublish,
		PermSystemAdmin,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// SetHasPermission returns true if any role in the set grants perm.
func SetHasPermission(roles RoleSet, perm Permission) bool {
	for _, r := range roles {
		if HasPermission(r, perm) {
			return true
		}
	}
	return false
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}
