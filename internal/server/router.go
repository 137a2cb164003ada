package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/accounts"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/auth"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// userIDContextKey is the gin context key holding the authenticated user id.
const userIDContextKey = "user.id"

var (
	errMissingAccounts    = errors.New("account service dependency required")
	errMissingSessions    = errors.New("session manager dependency required")
	errMissingStateSource = errors.New("oauth state source dependency required when google is enabled")
	errMissingFrontendURL = errors.New("frontend url required for cors and redirects")
)

// AccountService is the account/session core consumed by the HTTP surface.
type AccountService interface {
	SubmitSignup(ctx context.Context, request accounts.SignupRequest) (string, error)
	VerifyEmail(ctx context.Context, token string) (users.User, error)
	ResendVerification(ctx context.Context, email string) (string, error)
	SignIn(ctx context.Context, identifier, password string) (users.User, error)
	Profile(ctx context.Context, userID string) (accounts.Profile, error)
	UpdateUsername(ctx context.Context, actorID, targetID, username string) (users.User, error)
	UpdatePassword(ctx context.Context, userID, currentPassword, newPassword string) error
	DeleteAccount(ctx context.Context, actorID, targetID string) error
	RequestEmailChange(ctx context.Context, actorID, targetID, newEmail string) (users.PendingEmailChangeView, error)
	VerifyEmailChange(ctx context.Context, token string) (users.EmailChangeResult, error)
	PendingEmailChange(ctx context.Context, userID string) (users.PendingEmailChangeView, error)
	CancelEmailChange(ctx context.Context, userID string) (users.PendingEmailChangeView, error)
	AddLocalPassword(ctx context.Context, userID, password string) (users.AuthIdentity, error)
	UnlinkProvider(ctx context.Context, userID string, provider users.Provider, providerUserID string) (users.AuthIdentity, error)
	ResolveOAuthUser(ctx context.Context, profile accounts.OAuthProfile) (users.User, error)
}

// SessionManager signs session credentials and resolves them back to claims.
type SessionManager interface {
	Issue(ctx context.Context, userID string, username string) (auth.Session, error)
	ValidateToken(token string) (auth.SessionClaims, error)
	CookieName() string
}

// GoogleOAuth drives the Google authorization-code handshake.
type GoogleOAuth interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (auth.GoogleClaims, error)
}

// Dependencies wires the HTTP handler. Google is optional; without it the /auth/google routes
// answer 404.
type Dependencies struct {
	Accounts     AccountService
	Sessions     SessionManager
	Google       GoogleOAuth
	StateSource  func() (string, error)
	FrontendURL  string
	CookieSecure bool
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the auth surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Google != nil && deps.StateSource == nil {
		return nil, errMissingStateSource
	}

	frontendURL := strings.TrimRight(strings.TrimSpace(deps.FrontendURL), "/")
	if frontendURL == "" {
		return nil, errMissingFrontendURL
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(frontendURL))

	handler := &httpHandler{
		accounts:     deps.Accounts,
		sessions:     deps.Sessions,
		google:       deps.Google,
		newState:     deps.StateSource,
		frontendURL:  frontendURL,
		cookieSecure: deps.CookieSecure,
		logger:       logger,
	}

	public := router.Group("/auth")
	public.POST("/signup", handler.handleSignup)
	public.POST("/signin", handler.handleSignin)
	public.POST("/signout", handler.handleSignout)
	public.GET("/verify-email", handler.handleVerifyEmail)
	public.POST("/resend-verification", handler.handleResendVerification)
	public.GET("/verify-email-change", handler.handleVerifyEmailChange)
	public.GET("/google", handler.handleGoogleRedirect)
	public.GET("/google/callback", handler.handleGoogleCallback)

	protected := router.Group("/auth")
	protected.Use(handler.authorizeRequest)
	protected.GET("/verify", handler.handleVerifySession)
	protected.PATCH("/update-username", handler.handleUpdateUsername)
	protected.PATCH("/update-email", handler.handleUpdateEmail)
	protected.PATCH("/update-password", handler.handleUpdatePassword)
	protected.GET("/pending-email-change", handler.handleGetPendingEmailChange)
	protected.DELETE("/pending-email-change", handler.handleCancelPendingEmailChange)
	protected.POST("/add-local-password", handler.handleAddLocalPassword)
	protected.DELETE("/remove-oauth-method", handler.handleRemoveOAuthMethod)
	protected.DELETE("/delete", handler.handleDeleteAccount)

	return router, nil
}

func corsMiddleware(frontendURL string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{frontendURL},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	accounts     AccountService
	sessions     SessionManager
	google       GoogleOAuth
	newState     func() (string, error)
	frontendURL  string
	cookieSecure bool
	logger       *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := c.Cookie(h.sessions.CookieName())
	if err != nil || strings.TrimSpace(token) == "" {
		h.respondError(c, errSessionRequired)
		c.Abort()
		return
	}
	claims, err := h.sessions.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		h.respondError(c, errSessionInvalid)
		c.Abort()
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func (h *httpHandler) startSession(c *gin.Context, user users.User) error {
	session, err := h.sessions.Issue(c.Request.Context(), user.ID, user.Username)
	if err != nil {
		h.logger.Error("failed to issue session", zap.String("user_id", user.ID), zap.Error(err))
		return err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), session.Token, int(session.TTL.Seconds()), "/", "", h.cookieSecure, true)
	return nil
}

func (h *httpHandler) clearSession(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), "", -1, "/", "", h.cookieSecure, true)
}
