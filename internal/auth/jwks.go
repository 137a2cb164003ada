package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	errKeyNotFound  = errors.New("jwks: signing key not found")
	errNoUsableKeys = errors.New("jwks: document contained no usable keys")
)

// keySet caches Google's RSA signing keys. The cache lives for the response's Cache-Control
// max-age when present, otherwise for fallbackTTL. Refreshes are serialized.
type keySet struct {
	url         string
	client      *http.Client
	fallbackTTL time.Duration
	now         func() time.Time
	logger      *zap.Logger

	refreshMu sync.Mutex
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

func newKeySet(url string, client *http.Client, fallbackTTL time.Duration, now func() time.Time, logger *zap.Logger) *keySet {
	return &keySet{url: url, client: client, fallbackTTL: fallbackTTL, now: now, logger: logger}
}

// key returns the public key for kid, fetching the document when the cache is stale or does not
// know kid yet.
func (s *keySet) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, fresh := s.cached(kid); key != nil && fresh {
		return key, nil
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	// Another caller may have refreshed while we waited.
	if key, fresh := s.cached(kid); key != nil && fresh {
		return key, nil
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	if key, _ := s.cached(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", errKeyNotFound, kid)
}

func (s *keySet) cached(kid string) (*rsa.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[kid], s.now().Before(s.expiresAt)
}

func (s *keySet) refresh(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("jwks: fetch: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: fetch returned status %d", response.StatusCode)
	}

	var document struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return fmt.Errorf("jwks: decode: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, candidate := range document.Keys {
		if candidate.KeyType != "RSA" || (candidate.Use != "" && candidate.Use != "sig") {
			continue
		}
		publicKey, err := candidate.rsaPublicKey()
		if err != nil {
			s.logger.Debug("skipping jwk", zap.String("kid", candidate.KeyID), zap.Error(err))
			continue
		}
		keys[candidate.KeyID] = publicKey
	}
	if len(keys) == 0 {
		return errNoUsableKeys
	}

	ttl := s.fallbackTTL
	if maxAge, ok := parseMaxAge(response.Header.Get("Cache-Control")); ok {
		ttl = maxAge
	}

	s.mu.Lock()
	s.keys = keys
	s.expiresAt = s.now().Add(ttl)
	s.mu.Unlock()
	s.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)), zap.Duration("ttl", ttl))
	return nil
}

func parseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.Trim(value, `"`))
		if err != nil || seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}

type jsonWebKey struct {
	KeyType  string `json:"kty"`
	KeyID    string `json:"kid"`
	Use      string `json:"use"`
	Modulus  string `json:"n"`
	Exponent string `json:"e"`
}

func (k jsonWebKey) rsaPublicKey() (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil || len(modulus) == 0 {
		return nil, fmt.Errorf("invalid modulus: %v", err)
	}
	exponent, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil || len(exponent) == 0 || len(exponent) > 4 {
		return nil, fmt.Errorf("invalid exponent: %v", err)
	}
	e := int(new(big.Int).SetBytes(exponent).Int64())
	if e < 3 {
		return nil, errors.New("exponent too small")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: e}, nil
}
