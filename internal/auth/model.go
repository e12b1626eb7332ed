package auth

import "time"

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleAnalyst  Role = "analyst"
	RoleReadOnly Role = "read_only"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleAnalyst, RoleReadOnly:
		return true
	}
	return false
}

// TriageRoles may run detection and move incidents between stages.
var TriageRoles = []Role{RoleAdmin, RoleAnalyst}

func (r Role) CanTriage() bool {
	for _, t := range TriageRoles {
		if r == t {
			return true
		}
	}
	return false
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash,omitempty"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Public strips the password hash for API responses.
func (u User) Public() User {
	u.PasswordHash = ""
	return u
}
