// Package projects maps external tracker identifiers to local projects.
package projects

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pysugar/issuebridge/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Resolver finds the project an external board belongs to. ok is false
// when no project is linked.
type Resolver interface {
	Resolve(ctx context.Context, provider, externalID string) (projectID string, ok bool, err error)
}

// GormResolver reads ProjectLink rows.
type GormResolver struct {
	db *gorm.DB
}

func NewGormResolver(db *gorm.DB) *GormResolver {
	return &GormResolver{db: db}
}

func (r *GormResolver) Resolve(ctx context.Context, provider, externalID string) (string, bool, error) {
	externalID = normalize(provider, externalID)
	if externalID == "" {
		return "", false, nil
	}
	var link models.ProjectLink
	err := r.db.WithContext(ctx).
		Where("provider = ? AND external_id = ?", provider, externalID).
		First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve project: %w", err)
	}
	return link.ProjectID, true, nil
}

// Link binds externalID to projectID, replacing any previous binding.
func (r *GormResolver) Link(ctx context.Context, projectID, provider, externalID string) error {
	link := models.ProjectLink{
		ProjectID:  projectID,
		Provider:   provider,
		ExternalID: normalize(provider, externalID),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"project_id"}),
	}).Create(&link).Error
}

// GitHub repository names are case-insensitive.
func normalize(provider, externalID string) string {
	externalID = strings.TrimSpace(externalID)
	if provider == "github" {
		return strings.ToLower(externalID)
	}
	return externalID
}
