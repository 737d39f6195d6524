package auth

import "time"

// Role classifies what a party may ask the lifecycle engine to do.
type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleSeller   Role = "seller"
	RoleMediator Role = "mediator"
)

// Identity is the authenticated caller handed to every lifecycle entry point.
// The escrow core trusts it as already authenticated.
type Identity struct {
	PartyID string
	Role    Role
}

// User is the domain representation of an authenticated party.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID            string
	Email         string
	FullName      string
	PasswordHash  string
	WalletAddress *string
	Role          Role
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RegisterRequest contains registration data supplied by callers.
type RegisterRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	FullName      string `json:"full_name"`
	WalletAddress string `json:"wallet_address"`
	Role          Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
