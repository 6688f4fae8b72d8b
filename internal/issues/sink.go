// Package issues is the downstream issue/todo store webhook events are
// written to.
package issues

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/issuebridge/internal/db/models"
	"github.com/pysugar/issuebridge/internal/providers"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Sink applies a normalized event to the project's issues. Apply must be
// idempotent for the same event and must ignore events older than the
// last one applied to the issue.
type Sink interface {
	Apply(ctx context.Context, projectID string, ev providers.DomainEvent) error
}

// TxSink is a Sink whose writes can join a caller's transaction.
type TxSink interface {
	Sink
	WithTx(tx *gorm.DB) Sink
}

// GormSink upserts Issue rows keyed on (provider, external id).
type GormSink struct {
	db *gorm.DB
}

func NewGormSink(db *gorm.DB) *GormSink {
	return &GormSink{db: db}
}

// WithTx returns a sink writing through tx.
func (s *GormSink) WithTx(tx *gorm.DB) Sink {
	return &GormSink{db: tx}
}

// staleGuard skips the update when the stored row comes from a newer event.
var staleGuard = clause.Where{Exprs: []clause.Expression{
	clause.Expr{SQL: "issues.source_updated_at <= excluded.source_updated_at"},
}}

func (s *GormSink) Apply(ctx context.Context, projectID string, ev providers.DomainEvent) error {
	if ev.IssueID == "" {
		return fmt.Errorf("apply %s: event carries no issue id", ev.Kind)
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	row := models.Issue{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		Provider:   ev.Provider,
		ExternalID: ev.IssueID,
		Key:        ev.Key,
		Title:      ev.Title,
		State:      ev.State,
		Labels:     strings.Join(ev.Labels, ","),
		Deleted:    ev.Kind == providers.EventIssueDeleted,

		SourceUpdatedAt: occurred.UnixMilli(),
	}

	cols := []string{"project_id", "deleted", "source_updated_at", "updated_at"}
	switch ev.Kind {
	case providers.EventIssueCreated, providers.EventIssueUpdated:
		cols = append(cols, "key", "title", "state", "labels")
	case providers.EventLabelsChanged:
		cols = append(cols, "labels")
	case providers.EventIssueDeleted:
	default:
		return fmt.Errorf("apply: unsupported event kind %q", ev.Kind)
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns(cols),
		Where:     staleGuard,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert issue: %w", err)
	}
	return nil
}

// Get returns the issue for (provider, externalID).
func (s *GormSink) Get(ctx context.Context, provider, externalID string) (*models.Issue, error) {
	var row models.Issue
	err := s.db.WithContext(ctx).Where("provider = ? AND external_id = ?", provider, externalID).First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Count returns the number of issue rows for the project.
func (s *GormSink) Count(ctx context.Context, projectID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Issue{}).Where("project_id = ?", projectID).Count(&n).Error
	return n, err
}

var _ TxSink = (*GormSink)(nil)
