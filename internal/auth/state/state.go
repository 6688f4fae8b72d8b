// Package state stores single-use OAuth state values between the authorize
// redirect and the provider callback.
package state

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Data is what a state value is bound to.
type Data struct {
	UserID      string `json:"user_id,omitempty"` // empty for sign-in flows
	Provider    string `json:"provider"`
	RedirectTo  string `json:"redirect_to"`
	RedirectURI string `json:"redirect_uri"`
}

// Store persists state values. Consume must be atomic: of two concurrent
// calls with the same value at most one succeeds.
type Store interface {
	Create(ctx context.Context, data Data, ttl time.Duration) (string, error)
	Consume(ctx context.Context, state string) (Data, error)
	Prune(ctx context.Context) (int64, error)
}

// NewToken returns a 256-bit random state value.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
