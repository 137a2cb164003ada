package accounts

import (
	"context"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/apperr"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/mailer"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/users"
	"go.uber.org/zap"
)

const (
	opSubmitSignup       = "accounts.submit_signup"
	opResendVerification = "accounts.resend_verification"
)

var (
	ErrMissingToken    = apperr.Validation("missing_token", "token is required")
	ErrAlreadyVerified = apperr.AlreadyVerified("already_verified", "this email is already verified, please sign in")
)

// SignupRequest carries the fields of a new registration.
type SignupRequest struct {
	Username string
	Password string
	Email    string
}

// SubmitSignup stages a registration and sends the verification email. It returns the
// normalized email, never the token. When the email cannot be sent the staging row is
// discarded so the user may retry immediately.
func (s *Service) SubmitSignup(ctx context.Context, request SignupRequest) (string, error) {
	if err := users.ValidateUsername(request.Username); err != nil {
		return "", err
	}
	if err := users.ValidateEmail(request.Email); err != nil {
		return "", err
	}
	if err := users.ValidatePassword(request.Password); err != nil {
		return "", err
	}

	passwordHash, err := s.hasher.Hash(request.Password)
	if err != nil {
		s.logError(opSubmitSignup, "hash_failed", err)
		return "", apperr.Storage("accounts.password_hash_failed", err)
	}
	stagingID, err := s.ledger.NewID()
	if err != nil {
		return "", apperr.Storage("accounts.id_generation_failed", err)
	}
	token, expiresAt, err := s.newVerificationToken()
	if err != nil {
		return "", err
	}

	staged, err := s.ledger.StageUser(ctx, users.StagingUser{
		ID:                    stagingID,
		Username:              request.Username,
		PasswordHash:          passwordHash,
		Email:                 request.Email,
		VerificationToken:     token,
		VerificationExpiresMs: expiresAt.UnixMilli(),
	})
	if err != nil {
		return "", err
	}

	message, renderErr := mailer.VerificationEmail(staged.Email, staged.Username, mailer.Link(s.baseURL, verifyEmailPath, token), VerificationTokenTTL)
	if err := s.deliver(ctx, opSubmitSignup, message, renderErr); err != nil {
		if discardErr := s.ledger.DiscardStagingUser(ctx, staged.ID, token); discardErr != nil {
			s.logError(opSubmitSignup, "compensation_failed", discardErr, zap.String("staging_id", staged.ID))
		}
		return "", err
	}

	s.logger.Info("signup staged", zap.String("staging_id", staged.ID), zap.String("email", staged.Email))
	return staged.Email, nil
}

// VerifyEmail promotes the staging row holding token into a verified user.
func (s *Service) VerifyEmail(ctx context.Context, token string) (users.User, error) {
	if token == "" {
		return users.User{}, ErrMissingToken
	}
	user, err := s.ledger.PromoteStagingUser(ctx, token)
	if err != nil {
		return users.User{}, err
	}
	s.logger.Info("email verified", zap.String("user_id", user.ID))
	return user, nil
}

// ResendVerification issues a fresh token for a pending signup, subject to the resend window.
func (s *Service) ResendVerification(ctx context.Context, email string) (string, error) {
	if err := users.ValidateEmail(email); err != nil {
		return "", err
	}
	_, err := s.ledger.UserByEmail(ctx, email)
	switch {
	case err == nil:
		return "", ErrAlreadyVerified
	case !apperr.Is(err, apperr.KindNotFound):
		return "", err
	}

	token, expiresAt, err := s.newVerificationToken()
	if err != nil {
		return "", err
	}
	staged, err := s.ledger.RotateStagingToken(ctx, email, token, expiresAt, s.resendWindow, s.maxResends)
	if err != nil {
		if apperr.Is(err, apperr.KindThrottled) {
			s.logger.Warn("verification resend throttled", zap.String("email", users.NormalizeEmail(email)))
		}
		return "", err
	}

	message, renderErr := mailer.VerificationEmail(staged.Email, staged.Username, mailer.Link(s.baseURL, verifyEmailPath, token), VerificationTokenTTL)
	if err := s.deliver(ctx, opResendVerification, message, renderErr); err != nil {
		return "", err
	}
	s.logger.Info("verification resent", zap.String("staging_id", staged.ID), zap.Int("resend_count", staged.ResendCount))
	return staged.Email, nil
}
