package server

import (
	"crypto/subtle"
	"net/http"
	"net/url"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/accounts"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/apperr"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	oauthStateCookieName = "oauth_state"
	oauthStateMaxAge     = 600
	oauthCookiePath      = "/auth/google"
	signinPath           = "/signin"

	oauthErrorInvalidState     = "invalid_state"
	oauthErrorAccessDenied     = "access_denied"
	oauthErrorExchangeFailed   = "oauth_exchange_failed"
	oauthErrorEmailUnverified  = "email_not_verified"
	oauthErrorSessionFailed    = "session_failed"
	oauthErrorStateUnavailable = "state_unavailable"
)

func (h *httpHandler) handleGoogleRedirect(c *gin.Context) {
	if h.google == nil {
		h.respondError(c, errGoogleDisabled)
		return
	}
	state, err := h.newState()
	if err != nil {
		h.logger.Error("failed to generate oauth state", zap.Error(err))
		h.redirectWithError(c, oauthErrorStateUnavailable)
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(oauthStateCookieName, state, oauthStateMaxAge, oauthCookiePath, "", h.cookieSecure, true)
	c.Redirect(http.StatusFound, h.google.AuthCodeURL(state))
}

func (h *httpHandler) handleGoogleCallback(c *gin.Context) {
	if h.google == nil {
		h.respondError(c, errGoogleDisabled)
		return
	}

	expectedState, _ := c.Cookie(oauthStateCookieName)
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(oauthStateCookieName, "", -1, oauthCookiePath, "", h.cookieSecure, true)

	state := c.Query("state")
	if expectedState == "" || subtle.ConstantTimeCompare([]byte(expectedState), []byte(state)) != 1 {
		h.logger.Warn("oauth state mismatch")
		h.redirectWithError(c, oauthErrorInvalidState)
		return
	}
	if providerError := c.Query("error"); providerError != "" {
		h.logger.Info("oauth consent declined", zap.String("error", providerError))
		h.redirectWithError(c, oauthErrorAccessDenied)
		return
	}

	claims, err := h.google.Exchange(c.Request.Context(), c.Query("code"))
	if err != nil {
		h.logger.Warn("oauth code exchange failed", zap.Error(err))
		h.redirectWithError(c, oauthErrorExchangeFailed)
		return
	}
	if !claims.EmailVerified {
		h.logger.Info("oauth email not verified", zap.String("subject", claims.Subject))
		h.redirectWithError(c, oauthErrorEmailUnverified)
		return
	}

	user, err := h.accounts.ResolveOAuthUser(c.Request.Context(), accounts.OAuthProfile{
		Provider:    users.ProviderGoogle,
		Subject:     claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
	})
	if err != nil {
		code := string(apperr.KindStorage)
		if appErr, ok := apperr.As(err); ok {
			code = appErr.Code()
		}
		if statusForError(err) >= http.StatusInternalServerError {
			h.logger.Error("oauth user resolution failed", zap.Error(err))
		}
		h.redirectWithError(c, code)
		return
	}

	if err := h.startSession(c, user); err != nil {
		h.redirectWithError(c, oauthErrorSessionFailed)
		return
	}
	c.Redirect(http.StatusFound, h.frontendTarget(""))
}

func (h *httpHandler) redirectWithError(c *gin.Context, code string) {
	c.Redirect(http.StatusFound, h.frontendTarget(code))
}

func (h *httpHandler) frontendTarget(errorCode string) string {
	base := h.frontendURL
	if base == "" {
		base = "/"
	}
	if errorCode == "" {
		return base
	}
	return h.frontendURL + signinPath + "?error=" + url.QueryEscape(errorCode)
}
