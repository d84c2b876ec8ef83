// Package models defines the domain types shared across the trade
// collaboration engine: users, trades, milestones, and messages. All types
// are plain structs; persistence concerns live in internal/store.
package models

import "time"

// User roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is the authenticated user snapshot attached to a connection. It is
// resolved once during the WebSocket handshake and never refreshed for the
// lifetime of the connection.
type User struct {
	ID        string    `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Avatar    string    `json:"avatar,omitempty"`
	Role      string    `json:"role"`
	Active    bool      `json:"-"`
	CreatedAt time.Time `json:"-"`
}

// IsAdmin reports whether the user holds the administrative role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
