package auth

import "time"

// Role gates what an operator may do with a case.
type Role string

const (
	RoleAnalyst  Role = "analyst"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
)

// CanReview reports whether the role may override or reject a flagged case.
func (r Role) CanReview() bool {
	return r == RoleReviewer || r == RoleAdmin
}

// Operator is a person working the acquisition pipeline. It mirrors the
// operators table and carries no JSON tags.
type Operator struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains operator registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains operator login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
