package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/db/models"
	"github.com/pysugar/issuebridge/internal/providers"
	"github.com/pysugar/issuebridge/internal/util"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists WebhookEvent rows. The (provider, delivery_id) unique
// index is the only source of truth for deduplication.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Record inserts the delivery unless it was seen before. It reports
// whether this call created the row.
func (s *Store) Record(ctx context.Context, ev providers.VerifiedEvent) (bool, error) {
	row := models.WebhookEvent{
		ID:         uuid.New().String(),
		Provider:   ev.Provider,
		DeliveryID: ev.DeliveryID,
		EventType:  ev.EventType,
		Status:     models.EventReceived,
		Payload:    string(ev.Payload),
		ReceivedAt: s.now().UTC(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "delivery_id"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("record webhook event: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// errClaimLost aborts a commit whose claim was taken over.
var errClaimLost = errors.New("webhook claim lost")

// Claim moves the event to processing if nobody else owns it and returns
// the new claim token, or "" when the event is not claimable. Received and
// failed events are claimable; a processing claim older than lease is
// assumed abandoned by a crashed worker.
func (s *Store) Claim(ctx context.Context, provider, deliveryID string, lease time.Duration) (string, error) {
	now := s.now().UTC()
	token := uuid.New().String()
	res := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("provider = ? AND delivery_id = ?", provider, deliveryID).
		Where(s.db.Where("status IN ?", []string{models.EventReceived, models.EventFailed}).
			Or("status = ? AND claimed_at < ?", models.EventProcessing, now.Add(-lease))).
		Updates(map[string]interface{}{
			"status":      models.EventProcessing,
			"claimed_at":  now,
			"claim_token": token,
			"updated_at":  now,
		})
	if res.Error != nil {
		return "", fmt.Errorf("claim webhook event: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return "", nil
	}
	return token, nil
}

// Outcome fields written when processing ends.
type Outcome struct {
	Status    string
	BoardID   string
	ProjectID string
	Error     string
}

// Finish records the result of processing under claim. It reports false
// when the claim was taken over, in which case nothing is written.
func (s *Store) Finish(ctx context.Context, provider, deliveryID, claim string, out Outcome) (bool, error) {
	return s.finish(s.db.WithContext(ctx), provider, deliveryID, claim, out)
}

// Commit runs apply and records out in one transaction, provided claim is
// still current when the outcome is written. A lost claim rolls back
// everything apply wrote and reports false.
func (s *Store) Commit(ctx context.Context, provider, deliveryID, claim string, out Outcome, apply func(tx *gorm.DB) error) (bool, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := apply(tx); err != nil {
			return err
		}
		ok, err := s.finish(tx, provider, deliveryID, claim, out)
		if err != nil {
			return err
		}
		if !ok {
			return errClaimLost
		}
		return nil
	})
	if errors.Is(err, errClaimLost) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) finish(tx *gorm.DB, provider, deliveryID, claim string, out Outcome) (bool, error) {
	now := s.now().UTC()
	updates := map[string]interface{}{
		"status":       out.Status,
		"board_id":     out.BoardID,
		"project_id":   out.ProjectID,
		"error":        util.Truncate(out.Error, util.MaxErrorLen),
		"processed_at": now,
		"updated_at":   now,
	}
	if out.Status == models.EventFailed {
		updates["claimed_at"] = nil
		updates["claim_token"] = ""
	}
	res := tx.Model(&models.WebhookEvent{}).
		Where("provider = ? AND delivery_id = ? AND claim_token = ?", provider, deliveryID, claim).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("finish webhook event: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Get returns the stored event.
func (s *Store) Get(ctx context.Context, provider, deliveryID string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	err := s.db.WithContext(ctx).Where("provider = ? AND delivery_id = ?", provider, deliveryID).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "webhook event not found")
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListByStatus returns events in status, newest first.
func (s *Store) ListByStatus(ctx context.Context, status string, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := s.db.WithContext(ctx).Where("status = ?", status).
		Order("received_at DESC").Limit(limit).
		Omit("payload").Find(&events).Error
	return events, err
}
