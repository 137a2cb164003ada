package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultSessionTTL bounds the lifetime of the access_token cookie and the JWT inside it.
	DefaultSessionTTL = 3 * time.Hour
	// DefaultSessionCookieName names the HTTP-only cookie carrying the session JWT.
	DefaultSessionCookieName = "access_token"
	defaultSessionIssuer     = "tidynotes"
)

var (
	ErrMissingSessionToken = errors.New("session: token required")
	ErrInvalidSessionToken = errors.New("session: invalid token")
	ErrExpiredSessionToken = errors.New("session: token expired")

	errMissingSigningSecret = errors.New("session: signing secret required")
	errMissingSubjectClaim  = errors.New("session: user id required")
)

var sessionSigningMethod = jwt.SigningMethodHS256

// SessionClaims is the JWT payload carried by the access_token cookie. The registered subject
// is the user id.
type SessionClaims struct {
	UserID   string `json:"-"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Session is a freshly signed session token.
type Session struct {
	Token     string
	ExpiresAt time.Time
	TTL       time.Duration
}

// SessionConfig configures the session manager.
type SessionConfig struct {
	SigningSecret []byte
	Issuer        string
	TTL           time.Duration
	CookieName    string
	Clock         func() time.Time
}

// SessionManager signs and validates the stateless session credential.
type SessionManager struct {
	secret     []byte
	issuer     string
	ttl        time.Duration
	cookieName string
	now        func() time.Time
}

// NewSessionManager validates cfg and fills defaults.
func NewSessionManager(cfg SessionConfig) (*SessionManager, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	manager := &SessionManager{
		secret:     append([]byte(nil), cfg.SigningSecret...),
		issuer:     strings.TrimSpace(cfg.Issuer),
		ttl:        cfg.TTL,
		cookieName: strings.TrimSpace(cfg.CookieName),
		now:        cfg.Clock,
	}
	if manager.issuer == "" {
		manager.issuer = defaultSessionIssuer
	}
	if manager.ttl <= 0 {
		manager.ttl = DefaultSessionTTL
	}
	if manager.cookieName == "" {
		manager.cookieName = DefaultSessionCookieName
	}
	if manager.now == nil {
		manager.now = time.Now
	}
	return manager, nil
}

// CookieName returns the cookie carrying the session.
func (m *SessionManager) CookieName() string {
	return m.cookieName
}

// Issue signs a session for the user.
func (m *SessionManager) Issue(_ context.Context, userID string, username string) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, errMissingSubjectClaim
	}

	issuedAt := m.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(m.ttl)
	signed, err := jwt.NewWithClaims(sessionSigningMethod, SessionClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}).SignedString(m.secret)
	if err != nil {
		return Session{}, fmt.Errorf("session: sign: %w", err)
	}
	return Session{Token: signed, ExpiresAt: expiresAt, TTL: m.ttl}, nil
}

// ValidateToken checks signature, issuer and lifetime. An expired token yields
// ErrExpiredSessionToken; every other failure wraps ErrInvalidSessionToken.
func (m *SessionManager) ValidateToken(raw string) (SessionClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (interface{}, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{sessionSigningMethod.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return SessionClaims{}, ErrExpiredSessionToken
	case err != nil:
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}

	claims.UserID = strings.TrimSpace(claims.Subject)
	if claims.UserID == "" {
		return SessionClaims{}, fmt.Errorf("%w: missing subject", ErrInvalidSessionToken)
	}
	return claims, nil
}
