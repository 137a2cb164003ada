package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/folders"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStageUser           = "users.stage_user"
	opDiscardStagingUser  = "users.discard_staging_user"
	opStagingUserByEmail  = "users.staging_user_by_email"
	opPromoteStagingUser  = "users.promote_staging_user"
	opRotateStagingToken  = "users.rotate_staging_token"
	opUserLookup          = "users.user_lookup"
	opIdentityLookup      = "users.identity_lookup"
	opCreateIdentity      = "users.create_identity"
	opDeleteIdentity      = "users.delete_identity"
	opCreateUser          = "users.create_user"
	opDefaultFolder       = "users.default_folder"
	opUpdateUsername      = "users.update_username"
	opUpdatePasswordHash  = "users.update_password_hash"
	opDeleteUser          = "users.delete_user"
	opUpsertEmailChange   = "users.upsert_email_change"
	opPendingEmailChange  = "users.pending_email_change"
	opApplyEmailChange    = "users.apply_email_change"
	opCancelEmailChange   = "users.cancel_email_change"
	opDiscardEmailChange  = "users.discard_email_change"
	opSweepStagingUsers   = "users.sweep_staging_users"
	opSweepEmailChanges   = "users.sweep_email_changes"
	reasonQueryFailed     = "query_failed"
	reasonTransaction     = "transaction_failed"
	reasonIDFailed        = "id_generation_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonUpdateFailed    = "update_failed"
	queryEmail            = "email = ?"
	queryID               = "id = ?"
	queryUserID           = "user_id = ?"
	queryUserProvider     = "user_id = ? AND provider = ?"
	queryProviderSubject  = "provider = ? AND provider_user_id = ?"
	queryTokenNotExpired  = "verification_token = ? AND verification_expires_ms > ?"
	queryExpiredAt        = "verification_expires_ms <= ?"
	lockingStrengthUpdate = "UPDATE"
)

var noOpLogger = zap.NewNop()

// FolderProvisioner is the folder collaborator. Every call runs on the handle it is given.
type FolderProvisioner interface {
	CreateDefaultFolder(ctx context.Context, tx *gorm.DB, userID string) error
	DeleteUserFolders(ctx context.Context, tx *gorm.DB, userID string) error
	DefaultFolder(ctx context.Context, db *gorm.DB, userID string) (folders.Folder, error)
}

// LedgerConfig describes the dependencies of the identity ledger.
type LedgerConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Folders    FolderProvisioner
	Logger     *zap.Logger
}

// Ledger exclusively owns users, auth identities, staging users and pending email changes.
// Every multi-statement mutation runs inside a single transaction.
type Ledger struct {
	db      *gorm.DB
	now     func() time.Time
	ids     IDProvider
	folders FolderProvisioner
	logger  *zap.Logger
}

// NewLedger constructs the identity ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.Folders == nil {
		return nil, fmt.Errorf("users: folder provisioner required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Ledger{
		db:      cfg.Database,
		now:     clock,
		ids:     ids,
		folders: cfg.Folders,
		logger:  logger,
	}, nil
}

// NewID issues an identifier, e.g. the pre-allocated id of a staging user.
func (l *Ledger) NewID() (string, error) {
	return l.ids.NewID()
}

func (l *Ledger) nowMillis() int64 {
	return l.now().UTC().UnixMilli()
}

// UserByID loads a verified user.
func (l *Ledger) UserByID(ctx context.Context, userID string) (User, error) {
	return l.takeUser(ctx, queryID, userID)
}

// UserByEmail loads a verified user by normalized email.
func (l *Ledger) UserByEmail(ctx context.Context, email string) (User, error) {
	return l.takeUser(ctx, queryEmail, NormalizeEmail(email))
}

// UserByUsername loads a verified user by username.
func (l *Ledger) UserByUsername(ctx context.Context, username string) (User, error) {
	return l.takeUser(ctx, "username = ?", normalize(username))
}

func (l *Ledger) takeUser(ctx context.Context, query string, value string) (User, error) {
	var user User
	err := l.db.WithContext(ctx).Where(query, value).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, l.decode(opUserLookup, reasonQueryFailed, err, nil)
	}
	return user, nil
}

// IdentitiesForUser lists every login method of a user.
func (l *Ledger) IdentitiesForUser(ctx context.Context, userID string) ([]AuthIdentity, error) {
	var identities []AuthIdentity
	err := l.db.WithContext(ctx).
		Where(queryUserID, userID).
		Order("created_at_ms ASC").
		Find(&identities).Error
	if err != nil {
		return nil, l.decode(opIdentityLookup, reasonQueryFailed, err, nil)
	}
	return identities, nil
}

// IdentityBySubject finds the identity registered for a provider-scoped user id.
func (l *Ledger) IdentityBySubject(ctx context.Context, provider Provider, subject string) (AuthIdentity, error) {
	return l.takeIdentity(ctx, queryProviderSubject, provider, normalize(subject))
}

// IdentityForProvider finds the identity a user holds for provider.
func (l *Ledger) IdentityForProvider(ctx context.Context, userID string, provider Provider) (AuthIdentity, error) {
	return l.takeIdentity(ctx, queryUserProvider, userID, provider)
}

func (l *Ledger) takeIdentity(ctx context.Context, query string, args ...any) (AuthIdentity, error) {
	var identity AuthIdentity
	err := l.db.WithContext(ctx).Where(query, args...).Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AuthIdentity{}, ErrIdentityNotFound
	}
	if err != nil {
		return AuthIdentity{}, l.decode(opIdentityLookup, reasonQueryFailed, err, nil)
	}
	return identity, nil
}

// StageUser records a pending signup. It rejects emails owned by verified users, usernames in
// use, and emails whose previous staging row still holds an unexpired token. An expired staging
// row for the same email is replaced.
func (l *Ledger) StageUser(ctx context.Context, staged StagingUser) (StagingUser, error) {
	now := l.nowMillis()
	staged.Email = NormalizeEmail(staged.Email)
	staged.Username = normalize(staged.Username)

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).Where(queryEmail, staged.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrEmailTaken
		}
		if err := tx.Model(&User{}).Where("username = ?", staged.Username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrUsernameTaken
		}

		var existing StagingUser
		err := tx.Clauses(clause.Locking{Strength: lockingStrengthUpdate}).
			Where(queryEmail, staged.Email).
			Take(&existing).Error
		switch {
		case err == nil:
			if existing.VerificationExpiresMs > now {
				return ErrVerificationPending
			}
			if err := tx.Where(queryID, existing.ID).Delete(&StagingUser{}).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		staged.ResendCount = 0
		staged.ResendWindowStartMs = now
		staged.CreatedAtMs = now
		return tx.Create(&staged).Error
	})
	if err != nil {
		return StagingUser{}, l.decode(opStageUser, reasonTransaction, err, ErrVerificationPending)
	}
	return staged, nil
}

// StagingUserByEmail loads the staging row for an email.
func (l *Ledger) StagingUserByEmail(ctx context.Context, email string) (StagingUser, error) {
	var staged StagingUser
	err := l.db.WithContext(ctx).Where(queryEmail, NormalizeEmail(email)).Take(&staged).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StagingUser{}, ErrStagingUserNotFound
	}
	if err != nil {
		return StagingUser{}, l.decode(opStagingUserByEmail, reasonQueryFailed, err, nil)
	}
	return staged, nil
}

// DiscardStagingUser removes a staging row only while it still carries token.
func (l *Ledger) DiscardStagingUser(ctx context.Context, stagingID, token string) error {
	err := l.db.WithContext(ctx).
		Where("id = ? AND verification_token = ?", stagingID, token).
		Delete(&StagingUser{}).Error
	return l.decode(opDiscardStagingUser, reasonDeleteFailed, err, nil)
}

// PromoteStagingUser turns the staging row holding an unexpired token into a verified user with
// a local identity and a default folder, then deletes the staging row. Partial promotion is
// never observable.
func (l *Ledger) PromoteStagingUser(ctx context.Context, token string) (User, error) {
	now := l.nowMillis()
	var promoted User

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var staged StagingUser
		err := tx.Clauses(clause.Locking{Strength: lockingStrengthUpdate}).
			Where(queryTokenNotExpired, token, now).
			Take(&staged).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidVerificationToken
		}
		if err != nil {
			return err
		}

		user := User{
			ID:          staged.ID,
			Username:    staged.Username,
			Email:       staged.Email,
			CreatedAtMs: now,
			UpdatedAtMs: now,
		}
		if err := tx.Create(&user).Error; err != nil {
			return l.decode(opPromoteStagingUser, "user_insert_failed", err, ErrAccountExists)
		}

		identityID, err := l.ids.NewID()
		if err != nil {
			return l.decode(opPromoteStagingUser, reasonIDFailed, err, nil)
		}
		identity := AuthIdentity{
			ID:                   identityID,
			UserID:               user.ID,
			Provider:             ProviderLocal,
			ProviderUserID:       user.Email,
			PasswordHash:         staged.PasswordHash,
			ProviderAccountEmail: user.Email,
			CreatedAtMs:          now,
		}
		if err := tx.Create(&identity).Error; err != nil {
			return l.decode(opPromoteStagingUser, "identity_insert_failed", err, ErrProviderLinked)
		}

		if err := l.folders.CreateDefaultFolder(ctx, tx, user.ID); err != nil {
			return err
		}

		result := tx.Where("id = ? AND verification_token = ?", staged.ID, token).Delete(&StagingUser{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrInvalidVerificationToken
		}

		promoted = user
		return nil
	})
	if err != nil {
		return User{}, l.decode(opPromoteStagingUser, reasonTransaction, err, ErrAccountExists)
	}
	return promoted, nil
}

// RotateStagingToken replaces the verification token of a staging row while enforcing the
// sliding resend window in a single conditional UPDATE, so concurrent resends cannot both slip
// past the cap. A window older than window restarts the count at one.
func (l *Ledger) RotateStagingToken(ctx context.Context, email, token string, expiresAt time.Time, window time.Duration, maxResends int) (StagingUser, error) {
	now := l.nowMillis()
	cutoff := now - window.Milliseconds()
	email = NormalizeEmail(email)

	var rotated StagingUser
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&StagingUser{}).
			Where("email = ? AND (resend_window_start_ms < ? OR resend_count < ?)", email, cutoff, maxResends).
			Updates(map[string]any{
				"resend_count":            gorm.Expr("CASE WHEN resend_window_start_ms < ? THEN 1 ELSE resend_count + 1 END", cutoff),
				"resend_window_start_ms":  gorm.Expr("CASE WHEN resend_window_start_ms < ? THEN ? ELSE resend_window_start_ms END", cutoff, now),
				"verification_token":      token,
				"verification_expires_ms": expiresAt.UTC().UnixMilli(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&StagingUser{}).Where(queryEmail, email).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrStagingUserNotFound
			}
			return ErrResendThrottled
		}
		return tx.Where(queryEmail, email).Take(&rotated).Error
	})
	if err != nil {
		return StagingUser{}, l.decode(opRotateStagingToken, reasonTransaction, err, nil)
	}
	return rotated, nil
}

// CreateIdentity links a login method to an existing user. The (user, provider) and
// (provider, subject) unique indexes turn duplicates into conflicts.
func (l *Ledger) CreateIdentity(ctx context.Context, identity AuthIdentity) (AuthIdentity, error) {
	identityID, err := l.ids.NewID()
	if err != nil {
		return AuthIdentity{}, l.decode(opCreateIdentity, reasonIDFailed, err, nil)
	}
	identity.ID = identityID
	identity.ProviderUserID = normalize(identity.ProviderUserID)
	identity.CreatedAtMs = l.nowMillis()
	if err := l.db.WithContext(ctx).Create(&identity).Error; err != nil {
		return AuthIdentity{}, l.decode(opCreateIdentity, "insert_failed", err, ErrProviderLinked)
	}
	return identity, nil
}

// DeleteIdentity unlinks a login method. It refuses, before deleting anything and based on a
// fresh locked read, when the user holds exactly one identity. An empty subject matches any
// identity of provider.
func (l *Ledger) DeleteIdentity(ctx context.Context, userID string, provider Provider, subject string) (AuthIdentity, error) {
	subject = normalize(subject)
	var removed AuthIdentity

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var identities []AuthIdentity
		if err := tx.Clauses(clause.Locking{Strength: lockingStrengthUpdate}).
			Where(queryUserID, userID).
			Find(&identities).Error; err != nil {
			return err
		}
		if len(identities) == 0 {
			return ErrIdentityNotFound
		}
		if len(identities) == 1 {
			return ErrOnlyLoginMethod
		}

		var target *AuthIdentity
		for index := range identities {
			candidate := identities[index]
			if candidate.Provider != provider {
				continue
			}
			if subject != "" && candidate.ProviderUserID != subject {
				continue
			}
			target = &identities[index]
			break
		}
		if target == nil {
			return ErrIdentityNotFound
		}

		result := tx.Where(queryID, target.ID).Delete(&AuthIdentity{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrIdentityNotFound
		}
		removed = *target
		return nil
	})
	if err != nil {
		return AuthIdentity{}, l.decode(opDeleteIdentity, reasonTransaction, err, nil)
	}
	return removed, nil
}

// CreateUserWithIdentity creates a brand-new user together with its first login method and its
// default folder in one transaction.
func (l *Ledger) CreateUserWithIdentity(ctx context.Context, user User, identity AuthIdentity) (User, error) {
	now := l.nowMillis()
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if user.ID == "" {
			userID, err := l.ids.NewID()
			if err != nil {
				return l.decode(opCreateUser, reasonIDFailed, err, nil)
			}
			user.ID = userID
		}
		user.Email = NormalizeEmail(user.Email)
		user.Username = normalize(user.Username)
		user.CreatedAtMs = now
		user.UpdatedAtMs = now
		if err := tx.Create(&user).Error; err != nil {
			return l.decode(opCreateUser, "user_insert_failed", err, ErrAccountExists)
		}

		identityID, err := l.ids.NewID()
		if err != nil {
			return l.decode(opCreateUser, reasonIDFailed, err, nil)
		}
		identity.ID = identityID
		identity.UserID = user.ID
		identity.CreatedAtMs = now
		if err := tx.Create(&identity).Error; err != nil {
			return l.decode(opCreateUser, "identity_insert_failed", err, ErrProviderLinked)
		}

		return l.folders.CreateDefaultFolder(ctx, tx, user.ID)
	})
	if err != nil {
		return User{}, l.decode(opCreateUser, reasonTransaction, err, ErrAccountExists)
	}
	return user, nil
}

// DefaultFolder loads the folder the user was provisioned with.
func (l *Ledger) DefaultFolder(ctx context.Context, userID string) (folders.Folder, error) {
	folder, err := l.folders.DefaultFolder(ctx, l.db, userID)
	if err != nil {
		return folders.Folder{}, l.decode(opDefaultFolder, reasonQueryFailed, err, nil)
	}
	return folder, nil
}

// UsernameTaken reports whether a verified user already owns username.
func (l *Ledger) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&User{}).Where("username = ?", normalize(username)).Count(&count).Error
	if err != nil {
		return false, l.decode(opUserLookup, reasonQueryFailed, err, nil)
	}
	return count > 0, nil
}

// UpdateUsername renames a user.
func (l *Ledger) UpdateUsername(ctx context.Context, userID, username string) (User, error) {
	result := l.db.WithContext(ctx).Model(&User{}).
		Where(queryID, userID).
		Updates(map[string]any{
			"username":      normalize(username),
			"updated_at_ms": l.nowMillis(),
		})
	if result.Error != nil {
		return User{}, l.decode(opUpdateUsername, reasonUpdateFailed, result.Error, ErrUsernameTaken)
	}
	if result.RowsAffected == 0 {
		return User{}, ErrUserNotFound
	}
	return l.UserByID(ctx, userID)
}

// UpdatePasswordHash replaces the hash stored on the user's local identity.
func (l *Ledger) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	result := l.db.WithContext(ctx).Model(&AuthIdentity{}).
		Where(queryUserProvider, userID, ProviderLocal).
		Update("password_hash", passwordHash)
	if result.Error != nil {
		return l.decode(opUpdatePasswordHash, reasonUpdateFailed, result.Error, nil)
	}
	if result.RowsAffected == 0 {
		return ErrLocalIdentityMissing
	}
	return nil
}

// DeleteUser removes a user and everything it owns in one transaction.
func (l *Ledger) DeleteUser(ctx context.Context, userID string) error {
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		err := tx.Clauses(clause.Locking{Strength: lockingStrengthUpdate}).Where(queryID, userID).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}
		if err := tx.Where(queryUserID, userID).Delete(&PendingEmailChange{}).Error; err != nil {
			return err
		}
		if err := tx.Where(queryEmail, user.Email).Delete(&StagingUser{}).Error; err != nil {
			return err
		}
		if err := tx.Where(queryUserID, userID).Delete(&AuthIdentity{}).Error; err != nil {
			return err
		}
		if err := l.folders.DeleteUserFolders(ctx, tx, userID); err != nil {
			return err
		}
		return tx.Where(queryID, userID).Delete(&User{}).Error
	})
	return l.decode(opDeleteUser, reasonTransaction, err, nil)
}

// UpsertPendingEmailChange stores the user's single pending email change, replacing any earlier
// request. Every request counts against the user's window, which allows one request plus
// maxResends replacements. The counter lives on the user row and is bumped by one conditional
// UPDATE, so cancelling a change or racing requests cannot lift the cap.
func (l *Ledger) UpsertPendingEmailChange(ctx context.Context, change PendingEmailChange, window time.Duration, maxResends int) (PendingEmailChange, error) {
	now := l.nowMillis()
	cutoff := now - window.Milliseconds()
	change.NewEmail = NormalizeEmail(change.NewEmail)
	change.OldEmail = NormalizeEmail(change.OldEmail)

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).Where(queryEmail, change.NewEmail).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrEmailTaken
		}

		result := tx.Model(&User{}).
			Where("id = ? AND (email_change_window_start_ms < ? OR email_change_count < ?)", change.UserID, cutoff, maxResends+1).
			Updates(map[string]any{
				"email_change_count":           gorm.Expr("CASE WHEN email_change_window_start_ms < ? THEN 1 ELSE email_change_count + 1 END", cutoff),
				"email_change_window_start_ms": gorm.Expr("CASE WHEN email_change_window_start_ms < ? THEN ? ELSE email_change_window_start_ms END", cutoff, now),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var owner User
			if err := tx.Where(queryID, change.UserID).Take(&owner).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrUserNotFound
				}
				return err
			}
			return ErrEmailChangeThrottled
		}

		var owner User
		if err := tx.Where(queryID, change.UserID).Take(&owner).Error; err != nil {
			return err
		}
		change.ResendCount = owner.EmailChangeCount - 1
		change.ResendWindowStartMs = owner.EmailChangeWindowStartMs

		var existing PendingEmailChange
		err := tx.Clauses(clause.Locking{Strength: lockingStrengthUpdate}).
			Where(queryUserID, change.UserID).
			Take(&existing).Error
		switch {
		case err == nil:
			change.ID = existing.ID
			change.CreatedAtMs = existing.CreatedAtMs
			return tx.Save(&change).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			changeID, idErr := l.ids.NewID()
			if idErr != nil {
				return idErr
			}
			change.ID = changeID
			change.CreatedAtMs = now
			return tx.Create(&change).Error
		default:
			return err
		}
	})
	if err != nil {
		return PendingEmailChange{}, l.decode(opUpsertEmailChange, reasonTransaction, err, ErrEmailTaken)
	}
	return change, nil
}

// PendingEmailChangeForUser loads the user's pending change.
func (l *Ledger) PendingEmailChangeForUser(ctx context.Context, userID string) (PendingEmailChange, error) {
	var change PendingEmailChange
	err := l.db.WithContext(ctx).Where(queryUserID, userID).Take(&change).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PendingEmailChange{}, ErrPendingEmailChangeNotFound
	}
	if err != nil {
		return PendingEmailChange{}, l.decode(opPendingEmailChange, reasonQueryFailed, err, nil)
	}
	return change, nil
}

// DiscardPendingEmailChange removes the user's pending change only while it still carries token.
func (l *Ledger) DiscardPendingEmailChange(ctx context.Context, userID, token string) error {
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND verification_token = ?", userID, token).
		Delete(&PendingEmailChange{}).Error
	return l.decode(opDiscardEmailChange, reasonDeleteFailed, err, nil)
}

// ApplyPendingEmailChange moves the user and its local identity to the new address and deletes
// the pending row, all in one transaction.
func (l *Ledger) ApplyPendingEmailChange(ctx context.Context, token string) (EmailChangeResult, error) {
	now := l.nowMillis()
	var applied EmailChangeResult

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var change PendingEmailChange
		err := tx.Clauses(clause.Locking{Strength: lockingStrengthUpdate}).
			Where(queryTokenNotExpired, token, now).
			Take(&change).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidEmailChangeToken
		}
		if err != nil {
			return err
		}

		var user User
		err = tx.Clauses(clause.Locking{Strength: lockingStrengthUpdate}).Where(queryID, change.UserID).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}
		oldEmail := user.Email

		if err := tx.Model(&User{}).Where(queryID, user.ID).Updates(map[string]any{
			"email":         change.NewEmail,
			"updated_at_ms": now,
		}).Error; err != nil {
			return l.decode(opApplyEmailChange, reasonUpdateFailed, err, ErrEmailTaken)
		}
		if err := tx.Model(&AuthIdentity{}).Where(queryUserProvider, user.ID, ProviderLocal).Updates(map[string]any{
			"provider_user_id":       change.NewEmail,
			"provider_account_email": change.NewEmail,
		}).Error; err != nil {
			return l.decode(opApplyEmailChange, reasonUpdateFailed, err, ErrEmailTaken)
		}

		result := tx.Where("id = ? AND verification_token = ?", change.ID, token).Delete(&PendingEmailChange{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrInvalidEmailChangeToken
		}

		user.Email = change.NewEmail
		user.UpdatedAtMs = now
		applied = EmailChangeResult{User: user, OldEmail: oldEmail, NewEmail: change.NewEmail}
		return nil
	})
	if err != nil {
		return EmailChangeResult{}, l.decode(opApplyEmailChange, reasonTransaction, err, ErrEmailTaken)
	}
	return applied, nil
}

// CancelPendingEmailChange deletes and returns the user's pending change.
func (l *Ledger) CancelPendingEmailChange(ctx context.Context, userID string) (PendingEmailChange, error) {
	var cancelled PendingEmailChange
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: lockingStrengthUpdate}).
			Where(queryUserID, userID).
			Take(&cancelled).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPendingEmailChangeNotFound
		}
		if err != nil {
			return err
		}
		return tx.Where(queryID, cancelled.ID).Delete(&PendingEmailChange{}).Error
	})
	if err != nil {
		return PendingEmailChange{}, l.decode(opCancelEmailChange, reasonTransaction, err, nil)
	}
	return cancelled, nil
}

// SweepExpiredStagingUsers deletes staging rows whose token has expired.
func (l *Ledger) SweepExpiredStagingUsers(ctx context.Context) (int64, error) {
	result := l.db.WithContext(ctx).Where(queryExpiredAt, l.nowMillis()).Delete(&StagingUser{})
	if result.Error != nil {
		return 0, l.decode(opSweepStagingUsers, reasonDeleteFailed, result.Error, nil)
	}
	return result.RowsAffected, nil
}

// SweepExpiredEmailChanges deletes pending email changes whose token has expired.
func (l *Ledger) SweepExpiredEmailChanges(ctx context.Context) (int64, error) {
	result := l.db.WithContext(ctx).Where(queryExpiredAt, l.nowMillis()).Delete(&PendingEmailChange{})
	if result.Error != nil {
		return 0, l.decode(opSweepEmailChanges, reasonDeleteFailed, result.Error, nil)
	}
	return result.RowsAffected, nil
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("identity ledger error", attrs...)
}
