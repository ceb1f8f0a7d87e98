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
	errKeyNotFound  = errors.New("signing key not found in JWKS")
	errNoUsableKeys = errors.New("jwks document contained no usable keys")
)

// jwksKeySet caches the RSA signing keys published at a JWKS endpoint.
// The cache lifetime follows the endpoint's Cache-Control max-age when present.
type jwksKeySet struct {
	url        string
	httpClient *http.Client
	fallback   time.Duration
	clock      func() time.Time
	logger     *zap.Logger

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

func (s *jwksKeySet) key(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	if key := s.cached(keyID); key != nil {
		return key, nil
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	if key := s.cached(keyID); key != nil {
		return key, nil
	}
	return nil, errKeyNotFound
}

func (s *jwksKeySet) cached(keyID string) *rsa.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil || s.clock().After(s.expiresAt) {
		return nil
	}
	return s.keys[keyID]
}

func (s *jwksKeySet) refresh(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	response, err := s.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		s.logger.Warn("jwks refresh failed", zap.String("url", s.url), zap.Int("status", response.StatusCode))
		return fmt.Errorf("jwks request returned status %d", response.StatusCode)
	}

	var document struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return fmt.Errorf("decode jwks document: %w", err)
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

	lifetime := s.fallback
	if maxAge, ok := cacheMaxAge(response.Header.Get("Cache-Control")); ok {
		lifetime = maxAge
	}

	s.mu.Lock()
	s.keys = keys
	s.expiresAt = s.clock().Add(lifetime)
	s.mu.Unlock()
	return nil
}

func cacheMaxAge(header string) (time.Duration, bool) {
	for _, directive := range strings.Split(header, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimSpace(value))
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
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponent, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}
	if len(modulus) == 0 {
		return nil, errors.New("missing modulus bytes")
	}
	e := new(big.Int).SetBytes(exponent)
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, errors.New("invalid exponent value")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: int(e.Int64()),
	}, nil
}
