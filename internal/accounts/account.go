package accounts

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/apperr"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/users"
	"go.uber.org/zap"
)

var (
	ErrInvalidCredentials     = apperr.Unauthorized("invalid_credentials", "invalid username, email or password")
	ErrOAuthOnlyAccount       = apperr.Unauthorized("oauth_only_account", "this account signs in with google")
	ErrInvalidCurrentPassword = apperr.Unauthorized("invalid_current_password", "current password is incorrect")
	ErrPasswordUnchanged      = apperr.Validation("password_unchanged", "new password must differ from the current password")
	ErrMissingCredentials     = apperr.Validation("missing_credentials", "identifier and password are required")
)

// Profile is the session user together with its login methods and the folder new notes land in.
type Profile struct {
	User            users.User       `json:"user"`
	Providers       []users.Provider `json:"providers"`
	DefaultFolderID string           `json:"default_folder_id"`
}

// SignIn authenticates a local identity by email or username.
func (s *Service) SignIn(ctx context.Context, identifier, password string) (users.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return users.User{}, ErrMissingCredentials
	}

	var (
		user users.User
		err  error
	)
	if strings.Contains(identifier, "@") {
		user, err = s.ledger.UserByEmail(ctx, identifier)
	} else {
		user, err = s.ledger.UserByUsername(ctx, identifier)
	}
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return users.User{}, ErrInvalidCredentials
		}
		return users.User{}, err
	}

	identity, err := s.ledger.IdentityForProvider(ctx, user.ID, users.ProviderLocal)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return users.User{}, ErrOAuthOnlyAccount
		}
		return users.User{}, err
	}
	if err := s.hasher.Compare(identity.PasswordHash, password); err != nil {
		s.logger.Info("signin rejected", zap.String("user_id", user.ID))
		return users.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// Profile loads the user, the providers it can sign in with and its default folder.
func (s *Service) Profile(ctx context.Context, userID string) (Profile, error) {
	user, err := s.ledger.UserByID(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	identities, err := s.ledger.IdentitiesForUser(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	providers := make([]users.Provider, 0, len(identities))
	for _, identity := range identities {
		providers = append(providers, identity.Provider)
	}
	folder, err := s.ledger.DefaultFolder(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	return Profile{User: user, Providers: providers, DefaultFolderID: folder.ID}, nil
}

// UpdateUsername renames the actor's own account.
func (s *Service) UpdateUsername(ctx context.Context, actorID, targetID, username string) (users.User, error) {
	if err := requireSelf(actorID, targetID); err != nil {
		return users.User{}, err
	}
	if err := users.ValidateUsername(username); err != nil {
		return users.User{}, err
	}
	current, err := s.ledger.UserByID(ctx, actorID)
	if err != nil {
		return users.User{}, err
	}
	if current.Username == strings.TrimSpace(username) {
		return current, nil
	}
	return s.ledger.UpdateUsername(ctx, actorID, username)
}

// UpdatePassword replaces the local password after checking the current one.
func (s *Service) UpdatePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	identity, err := s.ledger.IdentityForProvider(ctx, userID, users.ProviderLocal)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return users.ErrLocalIdentityMissing
		}
		return err
	}
	if err := s.hasher.Compare(identity.PasswordHash, currentPassword); err != nil {
		return ErrInvalidCurrentPassword
	}
	if err := users.ValidatePassword(newPassword); err != nil {
		return err
	}
	if currentPassword == newPassword {
		return ErrPasswordUnchanged
	}
	passwordHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return apperr.Storage("accounts.password_hash_failed", err)
	}
	if err := s.ledger.UpdatePasswordHash(ctx, userID, passwordHash); err != nil {
		return err
	}
	s.logger.Info("password updated", zap.String("user_id", userID))
	return nil
}

// DeleteAccount removes the actor's own account and everything it owns.
func (s *Service) DeleteAccount(ctx context.Context, actorID, targetID string) error {
	if err := requireSelf(actorID, targetID); err != nil {
		return err
	}
	if err := s.ledger.DeleteUser(ctx, actorID); err != nil {
		return err
	}
	s.logger.Info("account deleted", zap.String("user_id", actorID))
	return nil
}
