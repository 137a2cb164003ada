package accounts

import (
	"context"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/apperr"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/mailer"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/users"
	"go.uber.org/zap"
)

const (
	opRequestEmailChange = "accounts.request_email_change"
	opVerifyEmailChange  = "accounts.verify_email_change"
)

// RequestEmailChange proposes newEmail for targetID, replacing any earlier pending request, and
// sends the confirmation link to newEmail. The caller must hold a local identity.
func (s *Service) RequestEmailChange(ctx context.Context, actorID, targetID, newEmail string) (users.PendingEmailChangeView, error) {
	if err := requireSelf(actorID, targetID); err != nil {
		return users.PendingEmailChangeView{}, err
	}
	if err := users.ValidateEmail(newEmail); err != nil {
		return users.PendingEmailChangeView{}, err
	}

	user, err := s.ledger.UserByID(ctx, actorID)
	if err != nil {
		return users.PendingEmailChangeView{}, err
	}
	if users.NormalizeEmail(newEmail) == user.Email {
		return users.PendingEmailChangeView{}, users.ErrEmailTaken
	}
	if _, err := s.ledger.IdentityForProvider(ctx, user.ID, users.ProviderLocal); err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return users.PendingEmailChangeView{}, users.ErrLocalIdentityMissing
		}
		return users.PendingEmailChangeView{}, err
	}

	token, expiresAt, err := s.newVerificationToken()
	if err != nil {
		return users.PendingEmailChangeView{}, err
	}
	change, err := s.ledger.UpsertPendingEmailChange(ctx, users.PendingEmailChange{
		UserID:                user.ID,
		OldEmail:              user.Email,
		NewEmail:              newEmail,
		VerificationToken:     token,
		VerificationExpiresMs: expiresAt.UnixMilli(),
	}, s.resendWindow, s.maxResends)
	if err != nil {
		return users.PendingEmailChangeView{}, err
	}

	message, renderErr := mailer.EmailChangeEmail(change.NewEmail, user.Username, mailer.Link(s.baseURL, verifyEmailChangePath, token), VerificationTokenTTL)
	if err := s.deliver(ctx, opRequestEmailChange, message, renderErr); err != nil {
		if discardErr := s.ledger.DiscardPendingEmailChange(ctx, user.ID, token); discardErr != nil {
			s.logError(opRequestEmailChange, "compensation_failed", discardErr, zap.String("user_id", user.ID))
		}
		return users.PendingEmailChangeView{}, err
	}

	s.logger.Info("email change requested", zap.String("user_id", user.ID))
	return change.View(), nil
}

// VerifyEmailChange applies the pending change holding token and notifies the old address.
// The notice is best effort: the change is already committed when it is sent.
func (s *Service) VerifyEmailChange(ctx context.Context, token string) (users.EmailChangeResult, error) {
	if token == "" {
		return users.EmailChangeResult{}, ErrMissingToken
	}
	result, err := s.ledger.ApplyPendingEmailChange(ctx, token)
	if err != nil {
		return users.EmailChangeResult{}, err
	}

	notice, renderErr := mailer.EmailChangedNotice(result.OldEmail, result.User.Username, result.NewEmail)
	if renderErr == nil {
		renderErr = s.notifier.SendEmail(ctx, notice)
	}
	if renderErr != nil {
		s.logger.Warn("email change notice not delivered",
			zap.String("operation", opVerifyEmailChange),
			zap.String("user_id", result.User.ID),
			zap.Error(renderErr),
		)
	}

	s.logger.Info("email change applied", zap.String("user_id", result.User.ID))
	return result, nil
}

// CancelEmailChange removes the user's pending change.
func (s *Service) CancelEmailChange(ctx context.Context, userID string) (users.PendingEmailChangeView, error) {
	change, err := s.ledger.CancelPendingEmailChange(ctx, userID)
	if err != nil {
		return users.PendingEmailChangeView{}, err
	}
	return change.View(), nil
}

// PendingEmailChange returns the user's pending change without its token.
func (s *Service) PendingEmailChange(ctx context.Context, userID string) (users.PendingEmailChangeView, error) {
	change, err := s.ledger.PendingEmailChangeForUser(ctx, userID)
	if err != nil {
		return users.PendingEmailChangeView{}, err
	}
	return change.View(), nil
}
