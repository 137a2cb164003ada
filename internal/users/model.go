package users

// User is a verified account.
type User struct {
	ID          string `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	Username    string `gorm:"column:username;size:100;not null;uniqueIndex" json:"username"`
	Email       string `gorm:"column:email;size:100;not null;uniqueIndex" json:"email"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null" json:"created_at_ms"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null" json:"updated_at_ms"`

	// Email-change requests in the current window. Kept on the user so that cancelling or
	// discarding a pending change does not reset it.
	EmailChangeCount         int   `gorm:"column:email_change_count;not null;default:0" json:"-"`
	EmailChangeWindowStartMs int64 `gorm:"column:email_change_window_start_ms;not null;default:0" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// StagingUser is a pending, unverified signup. Its ID becomes the eventual User ID.
type StagingUser struct {
	ID                    string `gorm:"column:id;primaryKey;size:64;not null"`
	Username              string `gorm:"column:username;size:100;not null;index"`
	PasswordHash          string `gorm:"column:password_hash;size:255;not null"`
	Email                 string `gorm:"column:email;size:100;not null;uniqueIndex"`
	VerificationToken     string `gorm:"column:verification_token;size:128;not null;uniqueIndex"`
	VerificationExpiresMs int64  `gorm:"column:verification_expires_ms;not null;index"`
	ResendCount           int    `gorm:"column:resend_count;not null;default:0"`
	ResendWindowStartMs   int64  `gorm:"column:resend_window_start_ms;not null;default:0"`
	CreatedAtMs           int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StagingUser) TableName() string {
	return "staging_users"
}

// PendingEmailChange is a proposed email change awaiting verification. At most one per user.
type PendingEmailChange struct {
	ID                    string `gorm:"column:id;primaryKey;size:64;not null"`
	UserID                string `gorm:"column:user_id;size:64;not null;uniqueIndex"`
	OldEmail              string `gorm:"column:old_email;size:100;not null"`
	NewEmail              string `gorm:"column:new_email;size:100;not null;index"`
	VerificationToken     string `gorm:"column:verification_token;size:128;not null;uniqueIndex"`
	VerificationExpiresMs int64  `gorm:"column:verification_expires_ms;not null;index"`
	ResendCount           int    `gorm:"column:resend_count;not null;default:0"`
	ResendWindowStartMs   int64  `gorm:"column:resend_window_start_ms;not null;default:0"`
	CreatedAtMs           int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PendingEmailChange) TableName() string {
	return "pending_email_changes"
}

// PendingEmailChangeView is the read model handed to the requester. It never carries the token.
type PendingEmailChangeView struct {
	ID                    string `json:"id"`
	UserID                string `json:"user_id"`
	OldEmail              string `json:"old_email"`
	NewEmail              string `json:"new_email"`
	VerificationExpiresMs int64  `json:"verification_expires_ms"`
	CreatedAtMs           int64  `json:"created_at_ms"`
}

// View redacts the verification token.
func (p PendingEmailChange) View() PendingEmailChangeView {
	return PendingEmailChangeView{
		ID:                    p.ID,
		UserID:                p.UserID,
		OldEmail:              p.OldEmail,
		NewEmail:              p.NewEmail,
		VerificationExpiresMs: p.VerificationExpiresMs,
		CreatedAtMs:           p.CreatedAtMs,
	}
}

// EmailChangeResult reports an applied email change so callers may notify the old address.
type EmailChangeResult struct {
	User     User
	OldEmail string
	NewEmail string
}
