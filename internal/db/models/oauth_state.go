package models

import "time"

// OAuthState binds a random state value to the flow that issued it.
// Rows are deleted on consumption; ExpiresAt bounds the unconsumed lifetime.
type OAuthState struct {
	State       string `gorm:"primaryKey"`
	UserID      string // empty for sign-in flows
	Provider    string `gorm:"not null"`
	RedirectTo  string
	RedirectURI string    // the callback URI sent to the provider, replayed on exchange
	ExpiresAt   time.Time `gorm:"index"`
	CreatedAt   time.Time
}
