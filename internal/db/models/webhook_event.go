package models

import "time"

// Webhook event statuses.
const (
	EventReceived   = "received"
	EventProcessing = "processing"
	EventApplied    = "applied"
	EventUnroutable = "unroutable"
	EventIgnored    = "ignored"
	EventFailed     = "failed"
)

// WebhookEvent records one inbound provider delivery. (Provider, DeliveryID)
// is the idempotency key. ClaimToken identifies the current processing
// claim; writes made under an older claim are rejected.
type WebhookEvent struct {
	ID          string `gorm:"primaryKey"`
	Provider    string `gorm:"uniqueIndex:idx_provider_delivery;not null"`
	DeliveryID  string `gorm:"uniqueIndex:idx_provider_delivery;not null"`
	EventType   string
	Status      string `gorm:"index;not null"`
	BoardID     string
	ProjectID   string
	Payload     string `gorm:"type:text"`
	Error       string
	ClaimedAt   *time.Time
	ClaimToken  string
	ProcessedAt *time.Time
	ReceivedAt  time.Time
	UpdatedAt   time.Time
}

// IsTerminal reports whether the event needs no further processing.
func (e *WebhookEvent) IsTerminal() bool {
	switch e.Status {
	case EventApplied, EventUnroutable, EventIgnored:
		return true
	}
	return false
}
