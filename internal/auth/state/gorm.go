package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/db/models"
	"gorm.io/gorm"
)

// GormStore keeps state rows in the application database.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

func (s *GormStore) Create(ctx context.Context, data Data, ttl time.Duration) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	row := models.OAuthState{
		State:       token,
		UserID:      data.UserID,
		Provider:    data.Provider,
		RedirectTo:  data.RedirectTo,
		RedirectURI: data.RedirectURI,
		ExpiresAt:   s.now().Add(ttl).UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("store oauth state: %w", err)
	}
	return token, nil
}

// Consume deletes the row and returns its data. The delete's row count
// decides the winner between concurrent callbacks.
func (s *GormStore) Consume(ctx context.Context, token string) (Data, error) {
	if token == "" {
		return Data{}, apperr.New(apperr.KindInvalidState, "missing oauth state")
	}

	var row models.OAuthState
	err := s.db.WithContext(ctx).Where("state = ?", token).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Data{}, apperr.New(apperr.KindInvalidState, "unknown or already used oauth state")
	}
	if err != nil {
		return Data{}, fmt.Errorf("load oauth state: %w", err)
	}

	res := s.db.WithContext(ctx).Where("state = ?", token).Delete(&models.OAuthState{})
	if res.Error != nil {
		return Data{}, fmt.Errorf("consume oauth state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return Data{}, apperr.New(apperr.KindInvalidState, "oauth state already used")
	}
	if !s.now().Before(row.ExpiresAt) {
		return Data{}, apperr.New(apperr.KindInvalidState, "oauth state expired")
	}

	return Data{
		UserID:      row.UserID,
		Provider:    row.Provider,
		RedirectTo:  row.RedirectTo,
		RedirectURI: row.RedirectURI,
	}, nil
}

// Prune deletes expired, never-consumed rows.
func (s *GormStore) Prune(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.now().UTC()).Delete(&models.OAuthState{})
	return res.RowsAffected, res.Error
}
