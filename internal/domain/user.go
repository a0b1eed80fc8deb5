package domain

// ============================================================
// Platform users (owned by the identity subsystem, read-only here)
// ============================================================

// Role is the platform-side role of a user.
type Role string

const (
	RoleBusiness   Role = "business"
	RoleContractor Role = "contractor"
)

// PlatformUser is an actor of the surrounding contract platform.
type PlatformUser struct {
	ID          int64  `json:"id"`
	Role        Role   `json:"role"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
}

// AccountKind derives the connected-account kind from the user's role.
// Contractors are paid as individuals; businesses as organizations.
func (u *PlatformUser) AccountKind() (AccountKind, error) {
	switch u.Role {
	case RoleContractor:
		return AccountKindIndividual, nil
	case RoleBusiness:
		return AccountKindCompany, nil
	default:
		return "", &ErrValidation{Field: "role", Message: "unsupported role " + string(u.Role)}
	}
}
