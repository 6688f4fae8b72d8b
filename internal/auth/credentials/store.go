// Package credentials persists per-user, per-provider OAuth accounts.
// Every write is an upsert keyed on (user, provider).
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/db/models"
	"github.com/pysugar/issuebridge/internal/providers"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the gorm-backed credential store.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Get returns the account for (userID, provider).
func (s *Store) Get(ctx context.Context, userID, provider string) (*models.Account, error) {
	var acc models.Account
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.KindNotFound, provider+" account not linked")
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return &acc, nil
}

// Upsert writes refreshed credentials for (userID, provider) and
// reactivates the account. The stored refresh token is only replaced when
// cred carries one.
func (s *Store) Upsert(ctx context.Context, userID, provider string, cred providers.Credential, ident *providers.Identity) (*models.Account, error) {
	return s.upsert(ctx, userID, provider, cred, ident, false)
}

// Grant writes the credentials of a new authorization. Unlike Upsert it
// always replaces the refresh token, clearing it when the grant has none.
func (s *Store) Grant(ctx context.Context, userID, provider string, cred providers.Credential, ident *providers.Identity) (*models.Account, error) {
	return s.upsert(ctx, userID, provider, cred, ident, true)
}

func (s *Store) upsert(ctx context.Context, userID, provider string, cred providers.Credential, ident *providers.Identity, newGrant bool) (*models.Account, error) {
	now := time.Now().UTC()
	acc := models.Account{
		ID:            uuid.New().String(),
		UserID:        userID,
		Provider:      provider,
		AccessToken:   cred.AccessToken,
		RefreshToken:  cred.RefreshToken,
		ExpiresAt:     expiryPtr(cred),
		Scopes:        strings.Join(cred.Scopes, " "),
		Status:        models.AccountActive,
		LastRefreshAt: &now,
	}

	cols := []string{"access_token", "expires_at", "status", "last_refresh_at", "updated_at"}
	if newGrant || cred.RefreshToken != "" {
		cols = append(cols, "refresh_token")
	}
	if len(cred.Scopes) > 0 {
		cols = append(cols, "scopes")
	}
	if ident != nil {
		acc.ExternalID = ident.ExternalID
		acc.ExternalLogin = ident.Login
		cols = append(cols, "external_id", "external_login")
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(&acc).Error
	if err != nil {
		return nil, fmt.Errorf("upsert account: %w", err)
	}
	return s.Get(ctx, userID, provider)
}

// MarkRevoked flags the account as requiring re-authorization.
func (s *Store) MarkRevoked(ctx context.Context, userID, provider string) error {
	return s.db.WithContext(ctx).Model(&models.Account{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Updates(map[string]interface{}{"status": models.AccountRevoked, "updated_at": time.Now().UTC()}).Error
}

// ListByUser returns the user's accounts ordered by provider.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]models.Account, error) {
	var accounts []models.Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("provider").Find(&accounts).Error
	return accounts, err
}

// ListExpiring returns active accounts with a refresh token expiring before t.
func (s *Store) ListExpiring(ctx context.Context, before time.Time) ([]models.Account, error) {
	var accounts []models.Account
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ? AND refresh_token <> ''", models.AccountActive, before.UTC()).
		Find(&accounts).Error
	return accounts, err
}

// Delete unlinks the account for (userID, provider).
func (s *Store) Delete(ctx context.Context, userID, provider string) error {
	res := s.db.WithContext(ctx).Where("user_id = ? AND provider = ?", userID, provider).Delete(&models.Account{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.KindNotFound, provider+" account not linked")
	}
	return nil
}

func expiryPtr(cred providers.Credential) *time.Time {
	if !cred.Expires() {
		return nil
	}
	t := cred.Expiry.UTC()
	return &t
}
