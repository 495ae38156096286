package rbac

// Permissions guarding the operator endpoints.
const (
	PermCustomLogin    = "link:custom_login"
	PermManageExisting = "link:manage_existing"
	PermUserStatus     = "user:status"
)

// DefaultPolicy is what Require enforces.
var DefaultPolicy = Policy{
	"operator": {
		PermCustomLogin,
		PermManageExisting,
		PermUserStatus,
	},
	"support": {
		"user:*",
	},
	"admin": {
		"*", // everything
	},
}
