package domain

import (
	"github.com/google/uuid"
)

// Role is the participant role carried in an access token
type Role string

const (
	RoleOperator Role = "operator"
	RoleDoctor   Role = "doctor"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleOperator, RoleDoctor, RoleAdmin:
		return true
	}
	return false
}

// Identity is the authenticated participant behind a request or connection
type Identity struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

// Is reports whether the identity has one of roles
func (i Identity) Is(roles ...Role) bool {
	for _, r := range roles {
		if i.Role == r {
			return true
		}
	}
	return false
}
