package users

import (
	"strings"
	"time"
)

// ExternalIdentityLink maps a provider-specific subject onto a local account.
// Rows are insert-only; (provider, subject) is the primary key.
type ExternalIdentityLink struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	AccountID   uint64    `gorm:"column:account_id;not null;index"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing external identity links.
func (ExternalIdentityLink) TableName() string {
	return "external_identity_links"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
