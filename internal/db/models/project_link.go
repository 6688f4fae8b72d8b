package models

import "time"

// ProjectLink maps an external tracker identifier (repo full name, Linear team,
// Jira project key, Zendesk account) to a local project.
type ProjectLink struct {
	ID         uint   `gorm:"primaryKey"`
	ProjectID  string `gorm:"index;not null"`
	Provider   string `gorm:"uniqueIndex:idx_link_provider_external;not null"`
	ExternalID string `gorm:"uniqueIndex:idx_link_provider_external;not null"`
	CreatedAt  time.Time
}
