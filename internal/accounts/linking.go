package accounts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"unicode"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/apperr"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/users"
	"go.uber.org/zap"
)

const (
	opResolveOAuthUser = "accounts.resolve_oauth_user"

	maxGeneratedUsernameBase = 20
	minGeneratedUsername     = 3
	usernameSuffixLength     = 6
	maxUsernameAttempts      = 8
	generatedUsernameFiller  = "user"
)

var (
	ErrLocalIdentityExists = apperr.Conflict("local_auth_exists", "a password login already exists for this account")
	ErrOAuthEmailMissing   = apperr.Validation("oauth_email_missing", "the provider did not return an email address")
	ErrUsernameExhausted   = apperr.Conflict("username_generation_failed", "could not allocate a username, please try again")
)

// LinkRequest describes a login method to attach to an existing user.
type LinkRequest struct {
	UserID         string
	Provider       users.Provider
	ProviderUserID string
	PasswordHash   string
	AccountEmail   string
}

// OAuthProfile is the identity asserted by an OAuth provider after a successful handshake.
type OAuthProfile struct {
	Provider    users.Provider
	Subject     string
	Email       string
	DisplayName string
}

// LinkProvider attaches a login method to the user. A second identity for the same provider is
// a conflict reported by the storage layer.
func (s *Service) LinkProvider(ctx context.Context, request LinkRequest) (users.AuthIdentity, error) {
	if _, err := s.ledger.UserByID(ctx, request.UserID); err != nil {
		return users.AuthIdentity{}, err
	}
	subject := request.ProviderUserID
	if request.Provider == users.ProviderLocal {
		subject = users.NormalizeEmail(subject)
	}
	identity, err := s.ledger.CreateIdentity(ctx, users.AuthIdentity{
		UserID:               request.UserID,
		Provider:             request.Provider,
		ProviderUserID:       subject,
		PasswordHash:         request.PasswordHash,
		ProviderAccountEmail: users.NormalizeEmail(request.AccountEmail),
	})
	if err != nil {
		return users.AuthIdentity{}, err
	}
	s.logger.Info("login method linked", zap.String("user_id", request.UserID), zap.String("provider", request.Provider.String()))
	return identity, nil
}

// UnlinkProvider detaches a login method. It refuses when the user holds a single identity,
// whichever provider is named. An empty providerUserID matches any identity of provider.
func (s *Service) UnlinkProvider(ctx context.Context, userID string, provider users.Provider, providerUserID string) (users.AuthIdentity, error) {
	removed, err := s.ledger.DeleteIdentity(ctx, userID, provider, providerUserID)
	if err != nil {
		return users.AuthIdentity{}, err
	}
	s.logger.Info("login method unlinked", zap.String("user_id", userID), zap.String("provider", provider.String()))
	return removed, nil
}

// AddLocalPassword gives an OAuth-only account a password login keyed by its email.
func (s *Service) AddLocalPassword(ctx context.Context, userID, password string) (users.AuthIdentity, error) {
	user, err := s.ledger.UserByID(ctx, userID)
	if err != nil {
		return users.AuthIdentity{}, err
	}
	_, err = s.ledger.IdentityForProvider(ctx, user.ID, users.ProviderLocal)
	switch {
	case err == nil:
		return users.AuthIdentity{}, ErrLocalIdentityExists
	case !apperr.Is(err, apperr.KindNotFound):
		return users.AuthIdentity{}, err
	}
	if err := users.ValidatePassword(password); err != nil {
		return users.AuthIdentity{}, err
	}
	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return users.AuthIdentity{}, apperr.Storage("accounts.password_hash_failed", err)
	}
	return s.LinkProvider(ctx, LinkRequest{
		UserID:         user.ID,
		Provider:       users.ProviderLocal,
		ProviderUserID: user.Email,
		PasswordHash:   passwordHash,
		AccountEmail:   user.Email,
	})
}

// ResolveOAuthUser maps a provider login onto a user: first by provider subject, then by email
// (linking the provider to that user), and only then by creating a new user. Reordering the
// first two steps would merge unrelated accounts.
func (s *Service) ResolveOAuthUser(ctx context.Context, profile OAuthProfile) (users.User, error) {
	identity, err := s.ledger.IdentityBySubject(ctx, profile.Provider, profile.Subject)
	switch {
	case err == nil:
		return s.ledger.UserByID(ctx, identity.UserID)
	case !apperr.Is(err, apperr.KindNotFound):
		return users.User{}, err
	}

	email := users.NormalizeEmail(profile.Email)
	if email == "" {
		return users.User{}, ErrOAuthEmailMissing
	}

	existing, err := s.ledger.UserByEmail(ctx, email)
	switch {
	case err == nil:
		_, linkedErr := s.ledger.IdentityForProvider(ctx, existing.ID, profile.Provider)
		if linkedErr == nil {
			return users.User{}, users.ErrProviderLinked
		}
		if !apperr.Is(linkedErr, apperr.KindNotFound) {
			return users.User{}, linkedErr
		}
		if _, err := s.LinkProvider(ctx, LinkRequest{
			UserID:         existing.ID,
			Provider:       profile.Provider,
			ProviderUserID: profile.Subject,
			AccountEmail:   email,
		}); err != nil {
			return users.User{}, err
		}
		return existing, nil
	case !apperr.Is(err, apperr.KindNotFound):
		return users.User{}, err
	}

	return s.createOAuthUser(ctx, profile, email)
}

func (s *Service) createOAuthUser(ctx context.Context, profile OAuthProfile, email string) (users.User, error) {
	base := usernameBase(profile.DisplayName, email)
	for attempt := 0; attempt < maxUsernameAttempts; attempt++ {
		candidate := usernameCandidate(base, profile.Subject, attempt)
		taken, err := s.ledger.UsernameTaken(ctx, candidate)
		if err != nil {
			return users.User{}, err
		}
		if taken {
			continue
		}
		created, err := s.ledger.CreateUserWithIdentity(ctx, users.User{
			Username: candidate,
			Email:    email,
		}, users.AuthIdentity{
			Provider:             profile.Provider,
			ProviderUserID:       profile.Subject,
			ProviderAccountEmail: email,
		})
		if err != nil {
			if appErr, ok := apperr.As(err); ok && appErr.Code() == users.ErrAccountExists.Code() {
				// The conflict is either a username taken since the check or the email itself.
				nowTaken, lookupErr := s.ledger.UsernameTaken(ctx, candidate)
				if lookupErr != nil {
					return users.User{}, lookupErr
				}
				if nowTaken {
					continue
				}
				return users.User{}, users.ErrEmailTaken
			}
			return users.User{}, err
		}
		s.logger.Info("oauth user created",
			zap.String("user_id", created.ID),
			zap.String("provider", profile.Provider.String()),
		)
		return created, nil
	}
	s.logError(opResolveOAuthUser, "username_exhausted", nil, zap.String("base", base))
	return users.User{}, ErrUsernameExhausted
}

// usernameBase derives an alphanumeric seed from the display name, falling back to the email
// local part, padded to the minimum username length.
func usernameBase(displayName, email string) string {
	base := alphanumeric(displayName)
	if base == "" {
		local, _, _ := strings.Cut(email, "@")
		base = alphanumeric(local)
	}
	if len(base) > maxGeneratedUsernameBase {
		base = base[:maxGeneratedUsernameBase]
	}
	for len(base) < minGeneratedUsername {
		base += generatedUsernameFiller
	}
	return strings.ToLower(base)
}

func usernameCandidate(base, subject string, attempt int) string {
	if attempt == 0 {
		return base
	}
	sum := sha256.Sum256([]byte(subject + ":" + strconv.Itoa(attempt)))
	return base + hex.EncodeToString(sum[:])[:usernameSuffixLength]
}

func alphanumeric(value string) string {
	var builder strings.Builder
	for _, r := range value {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			builder.WriteRune(r)
		}
	}
	return builder.String()
}
