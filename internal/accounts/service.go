package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/apperr"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/mailer"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/users"
	"go.uber.org/zap"
)

const (
	// VerificationTokenTTL is shared by signup and email-change tokens.
	VerificationTokenTTL = 9 * time.Minute

	DefaultResendWindow = time.Hour
	DefaultMaxResends   = 3

	verifyEmailPath       = "/auth/verify-email"
	verifyEmailChangePath = "/auth/verify-email-change"
)

var (
	errMissingLedger   = errors.New("accounts: ledger is required")
	errMissingHasher   = errors.New("accounts: password hasher is required")
	errMissingNotifier = errors.New("accounts: notifier is required")
	errMissingBaseURL  = errors.New("accounts: base url is required")

	// ErrForbidden rejects acting on someone else's account.
	ErrForbidden = apperr.Forbidden("forbidden", "you may only modify your own account")
)

// PasswordHasher is the credential store.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// TokenSource produces opaque, unguessable verification tokens.
type TokenSource func() (string, error)

// Config wires the account state machines.
type Config struct {
	Ledger       *users.Ledger
	Hasher       PasswordHasher
	Notifier     mailer.Notifier
	Tokens       TokenSource
	Clock        func() time.Time
	BaseURL      string
	ResendWindow time.Duration
	MaxResends   int
	Logger       *zap.Logger
}

// Service hosts registration, email change, identity linking and account self-service.
type Service struct {
	ledger       *users.Ledger
	hasher       PasswordHasher
	notifier     mailer.Notifier
	tokens       TokenSource
	clock        func() time.Time
	baseURL      string
	resendWindow time.Duration
	maxResends   int
	logger       *zap.Logger
}

// New validates cfg and constructs the service.
func New(cfg Config) (*Service, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Hasher == nil {
		return nil, errMissingHasher
	}
	if cfg.Notifier == nil {
		return nil, errMissingNotifier
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("accounts: token source is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	window := cfg.ResendWindow
	if window <= 0 {
		window = DefaultResendWindow
	}
	maxResends := cfg.MaxResends
	if maxResends <= 0 {
		maxResends = DefaultMaxResends
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		ledger:       cfg.Ledger,
		hasher:       cfg.Hasher,
		notifier:     cfg.Notifier,
		tokens:       cfg.Tokens,
		clock:        clock,
		baseURL:      baseURL,
		resendWindow: window,
		maxResends:   maxResends,
		logger:       logger,
	}, nil
}

func (s *Service) newVerificationToken() (string, time.Time, error) {
	token, err := s.tokens()
	if err != nil {
		return "", time.Time{}, apperr.Storage("accounts.token_generation_failed", err)
	}
	return token, s.clock().UTC().Add(VerificationTokenTTL), nil
}

func (s *Service) deliver(ctx context.Context, operation string, message mailer.Message, renderErr error) error {
	if renderErr != nil {
		s.logError(operation, "render_failed", renderErr)
		return apperr.Wrap(apperr.KindStorage, "email_render_failed", "failed to prepare email", renderErr)
	}
	if err := s.notifier.SendEmail(ctx, message); err != nil {
		s.logError(operation, "send_failed", err, zap.String("to", message.To))
		return apperr.Wrap(apperr.KindStorage, "email_delivery_failed", "failed to send email, please try again", err)
	}
	return nil
}

func requireSelf(actorID, targetID string) error {
	target := strings.TrimSpace(targetID)
	if target != "" && target != actorID {
		return ErrForbidden
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("accounts operation failed", attrs...)
}
