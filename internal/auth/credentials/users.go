package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/db/models"
	"github.com/pysugar/issuebridge/internal/providers"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertUser creates or updates the user identified by login.
func (s *Store) UpsertUser(ctx context.Context, login, email string) (*models.User, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		return nil, apperr.New(apperr.KindBadRequest, "login is required")
	}
	u := models.User{ID: uuid.New().String(), Login: login, Email: email}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "login"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "updated_at"}),
	}).Create(&u).Error
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}

	var stored models.User
	if err := s.db.WithContext(ctx).Where("login = ?", login).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("reload user: %w", err)
	}
	return &stored, nil
}

// GetUser returns the user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SignIn upserts the user by login and the account for provider in one
// transaction, so a failure leaves neither row behind.
func (s *Store) SignIn(ctx context.Context, login, email, provider string, cred providers.Credential, ident *providers.Identity) (*models.User, *models.Account, error) {
	var (
		user *models.User
		acc  *models.Account
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txs := &Store{db: tx}
		var err error
		if user, err = txs.UpsertUser(ctx, login, email); err != nil {
			return err
		}
		acc, err = txs.Grant(ctx, user.ID, provider, cred, ident)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return user, acc, nil
}
