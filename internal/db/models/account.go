package models

import "time"

// Account statuses.
const (
	AccountActive  = "active"
	AccountRevoked = "revoked" // refresh rejected by the provider; user must re-run the OAuth flow
)

// Account stores one user's OAuth credentials for one provider.
// (UserID, Provider) is unique; writes are upserts on that pair.
type Account struct {
	ID            string `gorm:"primaryKey"` // UUID
	UserID        string `gorm:"uniqueIndex:idx_user_provider;not null"`
	Provider      string `gorm:"uniqueIndex:idx_user_provider;not null"` // e.g., "github", "linear"
	AccessToken   string
	RefreshToken  string
	ExpiresAt     *time.Time // nil for non-expiring tokens
	Scopes        string     // space-separated, as granted
	ExternalID    string     // provider-side account id
	ExternalLogin string
	Status        string `gorm:"default:active;index"`
	LastRefreshAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsRevoked reports whether the account needs re-authorization.
func (a *Account) IsRevoked() bool {
	return a.Status == AccountRevoked
}
