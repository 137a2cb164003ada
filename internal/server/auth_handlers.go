package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/accounts"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/users"
	"github.com/gin-gonic/gin"
)

type signupRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type signinRequestPayload struct {
	Identifier string `json:"identifier"`
	Email      string `json:"email"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

type emailPayload struct {
	Email string `json:"email"`
}

type updateUsernamePayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type updateEmailPayload struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

type updatePasswordPayload struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type addLocalPasswordPayload struct {
	Password string `json:"password"`
}

type removeOAuthMethodPayload struct {
	Provider       string `json:"provider"`
	ProviderUserID string `json:"providerUserId"`
}

type deleteAccountPayload struct {
	UserID string `json:"userId"`
}

type emailChangeResponse struct {
	User     users.User `json:"user"`
	OldEmail string     `json:"old_email"`
	NewEmail string     `json:"new_email"`
}

func (h *httpHandler) handleSignup(c *gin.Context) {
	var request signupRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, errInvalidRequest)
		return
	}
	email, err := h.accounts.SubmitSignup(c.Request.Context(), accounts.SignupRequest{
		Username: request.Username,
		Password: request.Password,
		Email:    request.Email,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusCreated, "verification email sent, please check your inbox", gin.H{"email": email})
}

func (h *httpHandler) handleSignin(c *gin.Context) {
	var request signinRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, errInvalidRequest)
		return
	}
	identifier := firstNonEmpty(request.Identifier, request.Email, request.Username)
	user, err := h.accounts.SignIn(c.Request.Context(), identifier, request.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.startSession(c, user); err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, "signed in", gin.H{"user": user})
}

func (h *httpHandler) handleSignout(c *gin.Context) {
	h.clearSession(c)
	respondSuccess(c, http.StatusOK, "signed out", nil)
}

func (h *httpHandler) handleVerifySession(c *gin.Context) {
	profile, err := h.accounts.Profile(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, "session is active", profile)
}

func (h *httpHandler) handleVerifyEmail(c *gin.Context) {
	user, err := h.accounts.VerifyEmail(c.Request.Context(), strings.TrimSpace(c.Query("token")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.startSession(c, user); err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, "email verified", gin.H{"user": user})
}

func (h *httpHandler) handleResendVerification(c *gin.Context) {
	var request emailPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, errInvalidRequest)
		return
	}
	email, err := h.accounts.ResendVerification(c.Request.Context(), request.Email)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, "verification email resent", gin.H{"email": email})
}

func (h *httpHandler) handleUpdateUsername(c *gin.Context) {
	var request updateUsernamePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, errInvalidRequest)
		return
	}
	user, err := h.accounts.UpdateUsername(c.Request.Context(), currentUserID(c), request.UserID, request.Username)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.startSession(c, user); err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, "username updated", gin.H{"user": user})
}

func (h *httpHandler) handleUpdateEmail(c *gin.Context) {
	var request updateEmailPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, errInvalidRequest)
		return
	}
	pending, err := h.accounts.RequestEmailChange(c.Request.Context(), currentUserID(c), request.UserID, request.Email)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, "verification email sent to the new address", pending)
}

func (h *httpHandler) handleUpdatePassword(c *gin.Context) {
	var request updatePasswordPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, errInvalidRequest)
		return
	}
	if err := h.accounts.UpdatePassword(c.Request.Context(), currentUserID(c), request.CurrentPassword, request.NewPassword); err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, "password updated", nil)
}

func (h *httpHandler) handleVerifyEmailChange(c *gin.Context) {
	result, err := h.accounts.VerifyEmailChange(c.Request.Context(), strings.TrimSpace(c.Query("token")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, "email updated", emailChangeResponse{
		User:     result.User,
		OldEmail: result.OldEmail,
		NewEmail: result.NewEmail,
	})
}

func (h *httpHandler) handleGetPendingEmailChange(c *gin.Context) {
	pending, err := h.accounts.PendingEmailChange(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, "pending email change", pending)
}

func (h *httpHandler) handleCancelPendingEmailChange(c *gin.Context) {
	cancelled, err := h.accounts.CancelEmailChange(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, "pending email change cancelled", cancelled)
}

func (h *httpHandler) handleAddLocalPassword(c *gin.Context) {
	var request addLocalPasswordPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, errInvalidRequest)
		return
	}
	identity, err := h.accounts.AddLocalPassword(c.Request.Context(), currentUserID(c), request.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusCreated, "password login added", identity)
}

func (h *httpHandler) handleRemoveOAuthMethod(c *gin.Context) {
	var request removeOAuthMethodPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			h.respondError(c, errInvalidRequest)
			return
		}
	}
	request.Provider = firstNonEmpty(request.Provider, c.Query("provider"))
	request.ProviderUserID = firstNonEmpty(request.ProviderUserID, c.Query("providerUserId"))

	provider, err := users.ParseProvider(request.Provider)
	if err != nil {
		h.respondError(c, errInvalidProvider)
		return
	}
	removed, err := h.accounts.UnlinkProvider(c.Request.Context(), currentUserID(c), provider, request.ProviderUserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, "login method removed", removed)
}

func (h *httpHandler) handleDeleteAccount(c *gin.Context) {
	var request deleteAccountPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			h.respondError(c, errInvalidRequest)
			return
		}
	}
	if err := h.accounts.DeleteAccount(c.Request.Context(), currentUserID(c), request.UserID); err != nil {
		h.respondError(c, err)
		return
	}
	h.clearSession(c)
	respondSuccess(c, http.StatusOK, "account deleted", nil)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
