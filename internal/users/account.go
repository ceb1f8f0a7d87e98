package users

import (
	"sort"
	"time"
)

// Account is a local user account. Username and email are unique.
type Account struct {
	ID            uint64        `gorm:"column:id;primaryKey;autoIncrement"`
	Username      string        `gorm:"column:username;size:64;not null;uniqueIndex"`
	Email         string        `gorm:"column:email;size:320;not null;uniqueIndex"`
	EmailVerified bool          `gorm:"column:email_verified;not null"`
	PasswordHash  *string       `gorm:"column:password_hash;size:255"`
	Roles         []AccountRole `gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE"`
	CreatedAt     time.Time     `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time     `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// RoleNames returns the account's role names in sorted order.
func (a Account) RoleNames() []string {
	names := make([]string, 0, len(a.Roles))
	for _, role := range a.Roles {
		names = append(names, role.Role)
	}
	sort.Strings(names)
	return names
}

// AccountRole grants one named role to an account.
type AccountRole struct {
	AccountID uint64 `gorm:"column:account_id;primaryKey"`
	Role      string `gorm:"column:role;primaryKey;size:64"`
}

// TableName exposes the table backing account roles.
func (AccountRole) TableName() string {
	return "account_roles"
}
