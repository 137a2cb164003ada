package accounts

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/apperr"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/auth"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/database"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/folders"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/mailer"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/users"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	testBaseURL  = "https://notes.example.com"
	testPassword = "Abcdef1!"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(duration)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []mailer.Message
	failWith error
}

func (n *recordingNotifier) SendEmail(_ context.Context, message mailer.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failWith != nil {
		return n.failWith
	}
	n.messages = append(n.messages, message)
	return nil
}

func (n *recordingNotifier) last(t *testing.T) mailer.Message {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.messages, "expected an email to be sent")
	return n.messages[len(n.messages)-1]
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

type sequentialTokens struct {
	mu     sync.Mutex
	issued []string
}

func (s *sequentialTokens) next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := fmt.Sprintf("token-%03d", len(s.issued)+1)
	s.issued = append(s.issued, token)
	return token, nil
}

func (s *sequentialTokens) last(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.issued)
	return s.issued[len(s.issued)-1]
}

type fixture struct {
	service  *Service
	ledger   *users.Ledger
	folders  *folders.Service
	db       *gorm.DB
	clock    *testClock
	notifier *recordingNotifier
	tokens   *sequentialTokens
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "accounts.db"), zap.NewNop())
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	folderService, err := folders.NewService(folders.ServiceConfig{Clock: clock.Now, IDProvider: users.NewUUIDProvider()})
	require.NoError(t, err)

	ledger, err := users.NewLedger(users.LedgerConfig{
		Database: db,
		Clock:    clock.Now,
		Folders:  folderService,
	})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	tokens := &sequentialTokens{}
	service, err := New(Config{
		Ledger:       ledger,
		Hasher:       auth.NewPasswordHasher(bcrypt.MinCost),
		Notifier:     notifier,
		Tokens:       tokens.next,
		Clock:        clock.Now,
		BaseURL:      testBaseURL,
		ResendWindow: time.Hour,
		MaxResends:   3,
	})
	require.NoError(t, err)

	return &fixture{
		service:  service,
		ledger:   ledger,
		folders:  folderService,
		db:       db,
		clock:    clock,
		notifier: notifier,
		tokens:   tokens,
	}
}

// registerUser runs the full signup and verification flow.
func (f *fixture) registerUser(t *testing.T, username, email string) users.User {
	t.Helper()
	_, err := f.service.SubmitSignup(context.Background(), SignupRequest{Username: username, Password: testPassword, Email: email})
	require.NoError(t, err)
	user, err := f.service.VerifyEmail(context.Background(), f.tokens.last(t))
	require.NoError(t, err)
	return user
}

func (f *fixture) countRows(t *testing.T, model any) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(model).Count(&count).Error)
	return count
}

func requireCode(t *testing.T, err error, kind apperr.Kind, code string) {
	t.Helper()
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok, "expected classified error, got %v", err)
	require.Equal(t, kind, appErr.Kind(), "unexpected kind for %v", err)
	if code != "" {
		require.Equal(t, code, appErr.Code(), "unexpected code for %v", err)
	}
}
