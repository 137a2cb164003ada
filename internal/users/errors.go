package users

import (
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/apperr"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const pgUniqueViolation = "23505"

var (
	ErrUserNotFound               = apperr.NotFound("user_not_found", "user not found")
	ErrStagingUserNotFound        = apperr.NotFound("staging_user_not_found", "no pending registration for this email")
	ErrPendingEmailChangeNotFound = apperr.NotFound("pending_email_change_not_found", "no pending email change")
	ErrIdentityNotFound           = apperr.NotFound("identity_not_found", "login method not found")

	ErrEmailTaken          = apperr.Conflict("email_taken", "email is already registered")
	ErrUsernameTaken       = apperr.Conflict("username_taken", "username is already taken")
	ErrAccountExists       = apperr.Conflict("account_exists", "an account with this email or username already exists")
	ErrVerificationPending = apperr.Conflict("verification_pending", "a verification email was already sent, please check your email")
	ErrProviderLinked      = apperr.Conflict("provider_already_linked", "login method is already linked")

	ErrInvalidVerificationToken = apperr.InvalidOrExpiredToken("invalid_verification_token", "verification link is invalid or has expired")
	ErrInvalidEmailChangeToken  = apperr.InvalidOrExpiredToken("invalid_email_change_token", "email change link is invalid or has expired")

	ErrOnlyLoginMethod      = apperr.PreconditionFailed("only_login_method", "cannot remove the only login method")
	ErrLocalIdentityMissing = apperr.PreconditionFailed("local_auth_required", "a password login is required for this operation")

	ErrResendThrottled      = apperr.Throttled("resend_throttled", "too many verification emails requested, please try again later")
	ErrEmailChangeThrottled = apperr.Throttled("email_change_throttled", "too many email change requests, please try again later")
)

// isUniqueViolation recognizes duplicate-key failures from every supported driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// decode classifies err once, at the storage boundary. Errors that are already classified pass
// through untouched; unique violations become conflict; everything else is logged and wrapped
// as a storage error.
func (l *Ledger) decode(operation, reason string, err error, conflict *apperr.Error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	if conflict != nil && isUniqueViolation(err) {
		return apperr.Wrap(conflict.Kind(), conflict.Code(), conflict.Message(), err)
	}
	l.logError(operation, reason, err)
	return apperr.Storage(operation+"."+reason, err)
}
