package rbac

// Role names. Keep these stable; they are part of the token contract with
// calling services.
const (
	// RoleCaller may initiate and cancel calls.
	RoleCaller = "caller"

	// RoleObserver may read call records but not mutate them.
	RoleObserver = "observer"

	// RoleAdmin bypasses all checks.
	RoleAdmin = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }
