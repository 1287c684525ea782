package identity

import (
	"strings"
	"time"
)

// Collaborator captures the canonical record for a user who has joined a document.
type Collaborator struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	UserName    string    `gorm:"column:user_name;size:320"`
	Color       string    `gorm:"column:color;size:16;not null"`
	FirstSeenAt time.Time `gorm:"column:first_seen_at;autoCreateTime"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
}

// TableName exposes the table backing collaborator records.
func (Collaborator) TableName() string {
	return "collaborators"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
