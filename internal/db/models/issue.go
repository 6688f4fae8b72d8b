package models

import "time"

// Issue is the downstream issue/todo row written by webhook application.
// SourceUpdatedAt is the provider time of the newest applied event, in
// unix milliseconds; older events never overwrite the row.
type Issue struct {
	ID              string `gorm:"primaryKey"`
	ProjectID       string `gorm:"index;not null"`
	Provider        string `gorm:"uniqueIndex:idx_issue_provider_external;not null"`
	ExternalID      string `gorm:"uniqueIndex:idx_issue_provider_external;not null"`
	Key             string // human-facing key, e.g. "#42" or "ENG-7"
	Title           string
	State           string
	Labels          string // comma-separated
	Deleted         bool
	SourceUpdatedAt int64 `gorm:"not null;default:0"`
	UpdatedAt       time.Time
	CreatedAt       time.Time
}
