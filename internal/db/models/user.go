package models

import "time"

// User owns zero or more provider accounts. Login is the lower-cased handle
// checked against the allow-list.
type User struct {
	ID        string `gorm:"primaryKey"`
	Login     string `gorm:"uniqueIndex;not null"`
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
