package auth

// Role is the coarse permission level of an account.
type Role string

const (
	// RoleAdmin can list every key and resolve registrations
	RoleAdmin Role = "admin"

	// RoleUser manages only its own keys
	RoleUser Role = "user"
)

// RoleOf maps the stored admin flag to a role.
func RoleOf(isAdmin bool) Role {
	if isAdmin {
		return RoleAdmin
	}
	return RoleUser
}

// String returns the string representation of the role
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is a valid role
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleUser:
		return true
	default:
		return false
	}
}

// HasPermission checks if a role has permission for a required role.
// Admin has every permission.
func (r Role) HasPermission(required Role) bool {
	if r == RoleAdmin {
		return true
	}
	return r == required
}
