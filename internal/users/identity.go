package users

import (
	"fmt"
	"strings"
)

// Provider names a login method attached to a user.
type Provider string

const (
	// ProviderLocal is the username/password login method.
	ProviderLocal Provider = "local"
	// ProviderGoogle is the Google OAuth login method.
	ProviderGoogle Provider = "google"
)

// ParseProvider validates raw input against the supported providers.
func ParseProvider(raw string) (Provider, error) {
	switch Provider(strings.ToLower(normalize(raw))) {
	case ProviderLocal:
		return ProviderLocal, nil
	case ProviderGoogle:
		return ProviderGoogle, nil
	default:
		return "", fmt.Errorf("users: unknown provider %q", raw)
	}
}

// String returns the provider name.
func (p Provider) String() string {
	return string(p)
}

// AuthIdentity captures one login method of a user: a local password or one OAuth provider.
// ProviderUserID is the email for local identities and the provider subject for OAuth ones.
type AuthIdentity struct {
	ID                   string   `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	UserID               string   `gorm:"column:user_id;size:64;not null;index;uniqueIndex:idx_auth_identity_user_provider,priority:1" json:"user_id"`
	Provider             Provider `gorm:"column:provider;size:32;not null;uniqueIndex:idx_auth_identity_user_provider,priority:2;uniqueIndex:idx_auth_identity_subject,priority:1" json:"provider"`
	ProviderUserID       string   `gorm:"column:provider_user_id;size:190;not null;uniqueIndex:idx_auth_identity_subject,priority:2" json:"provider_user_id"`
	PasswordHash         string   `gorm:"column:password_hash;size:255;not null;default:''" json:"-"`
	ProviderAccountEmail string   `gorm:"column:provider_account_email;size:100;not null;default:''" json:"provider_account_email"`
	CreatedAtMs          int64    `gorm:"column:created_at_ms;not null" json:"created_at_ms"`
}

// TableName exposes the table backing user identities.
func (AuthIdentity) TableName() string {
	return "auth_identities"
}

// normalize value helper used across ledger implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

// NormalizeEmail trims and lower-cases an address before any lookup or write.
func NormalizeEmail(email string) string {
	return strings.ToLower(normalize(email))
}
