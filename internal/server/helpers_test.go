package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/accounts"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/auth"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/database"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/folders"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/mailer"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	testFrontendURL = "https://app.example.com"
	testPassword    = "Abcdef1!"
	testState       = "state-123"
)

var testSigningSecret = []byte("server-test-signing-secret")

type recordingNotifier struct {
	mu       sync.Mutex
	messages []mailer.Message
}

func (n *recordingNotifier) SendEmail(_ context.Context, message mailer.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func (n *recordingNotifier) sentTo(address string) []mailer.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var matched []mailer.Message
	for _, message := range n.messages {
		if message.To == address {
			matched = append(matched, message)
		}
	}
	return matched
}

type stubGoogleOAuth struct {
	claims      auth.GoogleClaims
	exchangeErr error
	codes       []string
}

func (s *stubGoogleOAuth) AuthCodeURL(state string) string {
	return "https://accounts.google.com/o/oauth2/auth?state=" + state
}

func (s *stubGoogleOAuth) Exchange(_ context.Context, code string) (auth.GoogleClaims, error) {
	s.codes = append(s.codes, code)
	if s.exchangeErr != nil {
		return auth.GoogleClaims{}, s.exchangeErr
	}
	return s.claims, nil
}

type testServer struct {
	handler  http.Handler
	db       *gorm.DB
	ledger   *users.Ledger
	notifier *recordingNotifier
	google   *stubGoogleOAuth
}

type accountFixture struct {
	service  *accounts.Service
	db       *gorm.DB
	ledger   *users.Ledger
	notifier *recordingNotifier
}

func newAccountFixture(t *testing.T) accountFixture {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	require.NoError(t, err)

	folderService, err := folders.NewService(folders.ServiceConfig{IDProvider: users.NewUUIDProvider()})
	require.NoError(t, err)
	ledger, err := users.NewLedger(users.LedgerConfig{Database: db, Folders: folderService})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	service, err := accounts.New(accounts.Config{
		Ledger:   ledger,
		Hasher:   auth.NewPasswordHasher(bcrypt.MinCost),
		Notifier: notifier,
		Tokens:   auth.NewRandomToken,
		BaseURL:  "https://api.example.com",
	})
	require.NoError(t, err)

	return accountFixture{service: service, db: db, ledger: ledger, notifier: notifier}
}

func newTestServerAccounts(t *testing.T) AccountService {
	t.Helper()
	return newAccountFixture(t).service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fixture := newAccountFixture(t)
	sessions, err := auth.NewSessionManager(auth.SessionConfig{SigningSecret: testSigningSecret})
	require.NoError(t, err)

	google := &stubGoogleOAuth{}
	handler, err := NewHTTPHandler(Dependencies{
		Accounts:    fixture.service,
		Sessions:    sessions,
		Google:      google,
		StateSource: func() (string, error) { return testState, nil },
		FrontendURL: testFrontendURL,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)

	return &testServer{
		handler:  handler,
		db:       fixture.db,
		ledger:   fixture.ledger,
		notifier: fixture.notifier,
		google:   google,
	}
}

func (s *testServer) do(t *testing.T, method, target string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for _, cookie := range cookies {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

// stagingToken reads the live verification token straight from the staging row.
func (s *testServer) stagingToken(t *testing.T, email string) string {
	t.Helper()
	staged, err := s.ledger.StagingUserByEmail(context.Background(), email)
	require.NoError(t, err)
	return staged.VerificationToken
}

// registerAndSignIn walks signup and verification and returns the session cookie.
func (s *testServer) registerAndSignIn(t *testing.T, username, email string) (users.User, *http.Cookie) {
	t.Helper()
	recorder := s.do(t, http.MethodPost, "/auth/signup", map[string]string{
		"username": username,
		"password": testPassword,
		"email":    email,
	})
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())

	recorder = s.do(t, http.MethodGet, "/auth/verify-email?token="+s.stagingToken(t, email), nil)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var data struct {
		User users.User `json:"user"`
	}
	decodeSuccess(t, recorder, &data)
	return data.User, requireSessionCookie(t, recorder)
}

type responseEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, recorder *httptest.ResponseRecorder) responseEnvelope {
	t.Helper()
	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope), recorder.Body.String())
	return envelope
}

func decodeSuccess(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	envelope := decodeEnvelope(t, recorder)
	require.Equal(t, statusSuccess, envelope.Status)
	if target != nil {
		require.NoError(t, json.Unmarshal(envelope.Data, target))
	}
}

func findCookie(recorder *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func requireSessionCookie(t *testing.T, recorder *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	cookie := findCookie(recorder, auth.DefaultSessionCookieName)
	require.NotNil(t, cookie, "expected session cookie to be set")
	require.NotEmpty(t, cookie.Value)
	require.True(t, cookie.HttpOnly)
	require.Equal(t, int(auth.DefaultSessionTTL.Seconds()), cookie.MaxAge)
	return cookie
}
