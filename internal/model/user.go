package model

import "time"

// UserContext identifies the authenticated user a sync operation runs as
type UserContext struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}
