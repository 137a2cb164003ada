package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/auth"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/users"
	"github.com/stretchr/testify/require"
)

func stateCookie(value string) *http.Cookie {
	return &http.Cookie{Name: oauthStateCookieName, Value: value}
}

func requireRedirectError(t *testing.T, location, code string) {
	t.Helper()
	target, err := url.Parse(location)
	require.NoError(t, err)
	require.Equal(t, signinPath, target.Path)
	require.Equal(t, code, target.Query().Get("error"))
}

func TestGoogleRedirectSetsStateCookie(t *testing.T) {
	server := newTestServer(t)

	recorder := server.do(t, http.MethodGet, "/auth/google", nil)
	require.Equal(t, http.StatusFound, recorder.Code)
	require.Contains(t, recorder.Header().Get("Location"), "state="+testState)

	cookie := findCookie(recorder, oauthStateCookieName)
	require.NotNil(t, cookie)
	require.Equal(t, testState, cookie.Value)
	require.True(t, cookie.HttpOnly)
	require.Equal(t, oauthStateMaxAge, cookie.MaxAge)
}

func TestGoogleCallbackCreatesUserAndSession(t *testing.T) {
	server := newTestServer(t)
	server.google.claims = auth.GoogleClaims{
		Subject:       "google-sub-1",
		Email:         "fresh@gmail.com",
		EmailVerified: true,
		Name:          "Fresh User",
	}

	recorder := server.do(t, http.MethodGet, "/auth/google/callback?state="+testState+"&code=auth-code", nil, stateCookie(testState))
	require.Equal(t, http.StatusFound, recorder.Code)
	require.Equal(t, testFrontendURL, recorder.Header().Get("Location"))
	requireSessionCookie(t, recorder)
	require.Equal(t, []string{"auth-code"}, server.google.codes)

	user, err := server.ledger.UserByEmail(context.Background(), "fresh@gmail.com")
	require.NoError(t, err)
	identity, err := server.ledger.IdentityBySubject(context.Background(), users.ProviderGoogle, "google-sub-1")
	require.NoError(t, err)
	require.Equal(t, user.ID, identity.UserID)
}

func TestGoogleCallbackLinksExistingLocalAccount(t *testing.T) {
	server := newTestServer(t)
	user, _ := server.registerAndSignIn(t, "linker", "linker@gmail.com")
	server.google.claims = auth.GoogleClaims{
		Subject:       "google-sub-2",
		Email:         "linker@gmail.com",
		EmailVerified: true,
	}

	recorder := server.do(t, http.MethodGet, "/auth/google/callback?state="+testState+"&code=c", nil, stateCookie(testState))
	require.Equal(t, http.StatusFound, recorder.Code)
	session := requireSessionCookie(t, recorder)

	identities, err := server.ledger.IdentitiesForUser(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, identities, 2)

	recorder = server.do(t, http.MethodDelete, "/auth/remove-oauth-method", map[string]string{
		"provider":       "google",
		"providerUserId": "google-sub-2",
	}, session)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
}

func TestGoogleCallbackRejectsStateMismatch(t *testing.T) {
	server := newTestServer(t)

	recorder := server.do(t, http.MethodGet, "/auth/google/callback?state=forged&code=c", nil, stateCookie(testState))
	require.Equal(t, http.StatusFound, recorder.Code)
	requireRedirectError(t, recorder.Header().Get("Location"), oauthErrorInvalidState)
	require.Empty(t, server.google.codes)

	recorder = server.do(t, http.MethodGet, "/auth/google/callback?state="+testState+"&code=c", nil)
	requireRedirectError(t, recorder.Header().Get("Location"), oauthErrorInvalidState)
}

func TestGoogleCallbackRejectsUnverifiedEmail(t *testing.T) {
	server := newTestServer(t)
	server.registerAndSignIn(t, "victim", "victim@gmail.com")
	server.google.claims = auth.GoogleClaims{
		Subject:       "attacker-sub",
		Email:         "victim@gmail.com",
		EmailVerified: false,
	}

	recorder := server.do(t, http.MethodGet, "/auth/google/callback?state="+testState+"&code=c", nil, stateCookie(testState))
	requireRedirectError(t, recorder.Header().Get("Location"), oauthErrorEmailUnverified)
	require.Nil(t, findCookie(recorder, auth.DefaultSessionCookieName))

	_, err := server.ledger.IdentityBySubject(context.Background(), users.ProviderGoogle, "attacker-sub")
	require.Error(t, err)
}

func TestGoogleCallbackReportsProviderFailures(t *testing.T) {
	server := newTestServer(t)

	recorder := server.do(t, http.MethodGet, "/auth/google/callback?state="+testState+"&error=access_denied", nil, stateCookie(testState))
	requireRedirectError(t, recorder.Header().Get("Location"), oauthErrorAccessDenied)

	server.google.exchangeErr = errors.New("bad code")
	recorder = server.do(t, http.MethodGet, "/auth/google/callback?state="+testState+"&code=c", nil, stateCookie(testState))
	requireRedirectError(t, recorder.Header().Get("Location"), oauthErrorExchangeFailed)
}

func TestGoogleRoutesAnswerNotFoundWhenDisabled(t *testing.T) {
	handler, err := NewHTTPHandler(Dependencies{
		Accounts:    newTestServerAccounts(t),
		Sessions:    stubSessions{},
		FrontendURL: testFrontendURL,
	})
	require.NoError(t, err)
	server := &testServer{handler: handler}

	recorder := server.do(t, http.MethodGet, "/auth/google", nil)
	require.Equal(t, http.StatusNotFound, recorder.Code)
	require.Equal(t, errGoogleDisabled.Code(), decodeEnvelope(t, recorder).Error)
}

func TestNewHTTPHandlerRequiresStateSourceWithGoogle(t *testing.T) {
	_, err := NewHTTPHandler(Dependencies{
		Accounts:    newTestServerAccounts(t),
		Sessions:    stubSessions{},
		Google:      &stubGoogleOAuth{},
		FrontendURL: testFrontendURL,
	})
	require.ErrorIs(t, err, errMissingStateSource)
}
