package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleCustomer owns exactly one card and pays with it.
	RoleCustomer = "customer"
	// RoleAdmin adjusts balances, changes card status and refunds payments.
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsAdmin(role string) bool { return role == RoleAdmin || IsSuperAdmin(role) }
