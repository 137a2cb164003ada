package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testGoogleAudience = "test-client"

type jwksFixture struct {
	server   *httptest.Server
	fetches  atomic.Int32
	keys     atomic.Value
	private  map[string]*rsa.PrivateKey
	cacheHdr string
}

func newJWKSFixture(t *testing.T, cacheControl string, kids ...string) *jwksFixture {
	t.Helper()
	fixture := &jwksFixture{private: make(map[string]*rsa.PrivateKey), cacheHdr: cacheControl}
	for _, kid := range kids {
		fixture.addKey(t, kid)
	}
	fixture.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fixture.fetches.Add(1)
		w.Header().Set("Cache-Control", fixture.cacheHdr)
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": fixture.keys.Load()})
	}))
	t.Cleanup(fixture.server.Close)
	return fixture
}

func (f *jwksFixture) addKey(t *testing.T, kid string) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	f.private[kid] = privateKey
	published := make([]map[string]string, 0, len(f.private))
	for id, key := range f.private {
		published = append(published, map[string]string{
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"kid": id,
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		})
	}
	f.keys.Store(published)
}

func (f *jwksFixture) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(f.private[kid])
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (f *jwksFixture) verifier(t *testing.T, now func() time.Time) *GoogleVerifier {
	t.Helper()
	verifier, err := NewGoogleVerifier(GoogleVerifierConfig{
		Audience:   testGoogleAudience,
		JWKSURL:    f.server.URL,
		HTTPClient: f.server.Client(),
		Clock:      now,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return verifier
}

func googleClaims(now time.Time, overrides jwt.MapClaims) jwt.MapClaims {
	claims := jwt.MapClaims{
		"aud":            testGoogleAudience,
		"iss":            "https://accounts.google.com",
		"sub":            "google-sub-123",
		"exp":            now.Add(5 * time.Minute).Unix(),
		"iat":            now.Unix(),
		"email":          "Alice@Example.com",
		"email_verified": true,
		"name":           " Alice Liddell ",
	}
	for key, value := range overrides {
		if value == nil {
			delete(claims, key)
			continue
		}
		claims[key] = value
	}
	return claims
}

func TestGoogleVerifierReturnsIdentityClaims(t *testing.T) {
	jwks := newJWKSFixture(t, "public, max-age=3600", "key-1")
	now := time.Now().UTC()
	verifier := jwks.verifier(t, func() time.Time { return now })

	verified, err := verifier.Verify(context.Background(), jwks.sign(t, "key-1", googleClaims(now, nil)))
	if err != nil {
		t.Fatalf("expected verification to succeed: %v", err)
	}
	if verified.Subject != "google-sub-123" {
		t.Fatalf("unexpected subject %s", verified.Subject)
	}
	if verified.Email != "alice@example.com" || !verified.EmailVerified {
		t.Fatalf("unexpected email claims %s %v", verified.Email, verified.EmailVerified)
	}
	if verified.Name != "Alice Liddell" {
		t.Fatalf("unexpected name %q", verified.Name)
	}

	unverified, err := verifier.Verify(context.Background(), jwks.sign(t, "key-1", googleClaims(now, jwt.MapClaims{"email_verified": false})))
	if err != nil {
		t.Fatalf("unverified email must still verify the token: %v", err)
	}
	if unverified.EmailVerified {
		t.Fatalf("expected email_verified=false to be reported")
	}
	if got := jwks.fetches.Load(); got != 1 {
		t.Fatalf("expected cached keys to be reused, fetched %d times", got)
	}
}

func TestGoogleVerifierRejectsBadTokens(t *testing.T) {
	jwks := newJWKSFixture(t, "public, max-age=3600", "key-1")
	now := time.Now().UTC()
	verifier := jwks.verifier(t, func() time.Time { return now })

	testCases := []struct {
		name  string
		token string
	}{
		{name: "audience", token: jwks.sign(t, "key-1", googleClaims(now, jwt.MapClaims{"aud": "unexpected-client"}))},
		{name: "issuer", token: jwks.sign(t, "key-1", googleClaims(now, jwt.MapClaims{"iss": "https://evil.example.com"}))},
		{name: "expired", token: jwks.sign(t, "key-1", googleClaims(now, jwt.MapClaims{"exp": now.Add(-time.Minute).Unix()}))},
		{name: "no expiry", token: jwks.sign(t, "key-1", googleClaims(now, jwt.MapClaims{"exp": nil}))},
		{name: "no subject", token: jwks.sign(t, "key-1", googleClaims(now, jwt.MapClaims{"sub": nil}))},
		{name: "empty", token: " "},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := verifier.Verify(context.Background(), testCase.token); !errors.Is(err, ErrInvalidIDToken) {
				t.Fatalf("expected invalid id token error, got %v", err)
			}
		})
	}
}

func TestGoogleVerifierRefetchesOnKeyRotation(t *testing.T) {
	jwks := newJWKSFixture(t, "public, max-age=3600", "key-1")
	now := time.Now().UTC()
	verifier := jwks.verifier(t, func() time.Time { return now })

	if _, err := verifier.Verify(context.Background(), jwks.sign(t, "key-1", googleClaims(now, nil))); err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}

	jwks.addKey(t, "key-2")
	if _, err := verifier.Verify(context.Background(), jwks.sign(t, "key-2", googleClaims(now, nil))); err != nil {
		t.Fatalf("expected rotated key to be fetched: %v", err)
	}
	if got := jwks.fetches.Load(); got != 2 {
		t.Fatalf("expected exactly one refetch, fetched %d times", got)
	}
}

func TestGoogleVerifierHonorsCacheControl(t *testing.T) {
	jwks := newJWKSFixture(t, "public, max-age=60", "key-1")
	current := time.Now().UTC()
	verifier := jwks.verifier(t, func() time.Time { return current })

	for _, step := range []time.Duration{0, 30 * time.Second, 61 * time.Second} {
		current = current.Add(step)
		if _, err := verifier.Verify(context.Background(), jwks.sign(t, "key-1", googleClaims(current, nil))); err != nil {
			t.Fatalf("unexpected failure: %v", err)
		}
	}
	if got := jwks.fetches.Load(); got != 2 {
		t.Fatalf("expected cache to expire after max-age, fetched %d times", got)
	}
}

func TestParseMaxAge(t *testing.T) {
	testCases := map[string]time.Duration{
		"public, max-age=19845, must-revalidate": 19845 * time.Second,
		"max-age=\"10\"":                         10 * time.Second,
		"no-store":                               0,
		"max-age=abc":                            0,
		"":                                       0,
	}
	for header, want := range testCases {
		got, ok := parseMaxAge(header)
		if got != want || ok != (want > 0) {
			t.Fatalf("parseMaxAge(%q) = %s, %v; want %s", header, got, ok, want)
		}
	}
}

func TestNewGoogleVerifierValidatesConfig(t *testing.T) {
	testCases := []struct {
		name   string
		config GoogleVerifierConfig
		reason error
	}{
		{name: "audience", config: GoogleVerifierConfig{JWKSURL: "https://example.com/jwks"}, reason: errMissingAudienceConfig},
		{name: "jwks", config: GoogleVerifierConfig{Audience: testGoogleAudience, JWKSURL: " "}, reason: errMissingJWKSURL},
		{name: "issuers", config: GoogleVerifierConfig{Audience: testGoogleAudience, JWKSURL: "https://example.com/jwks", AllowedIssuers: []string{"", "   "}}, reason: errNoAllowedIssuers},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := NewGoogleVerifier(testCase.config)
			if !errors.Is(err, ErrInvalidVerifierConfig) {
				t.Fatalf("expected invalid verifier config error, got %v", err)
			}
			if !strings.Contains(err.Error(), testCase.reason.Error()) {
				t.Fatalf("expected %q to be reported, got %v", testCase.reason, err)
			}
		})
	}
}
