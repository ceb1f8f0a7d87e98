package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultTokenTTL       = time.Hour
	minSigningSecretBytes = 32
)

var errMissingPrincipalSubject = errors.New("auth: principal username and account id must be provided")

// ConfigurationError reports missing or unusable signing material.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("auth: session credential configuration invalid: %s %s", e.Field, e.Reason)
}

// Principal is the resolved account a session credential is minted for.
type Principal struct {
	AccountID uint64
	Username  string
	Roles     []string
}

// SessionCredential is a signed, time-boxed session token.
type SessionCredential struct {
	Token     string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	ExpiresIn int64
}

// TokenIssuerConfig configures the session credential issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
	IDProvider    func() string
}

// TokenIssuer mints HS256 session credentials for resolved accounts.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
	newID         func() string
}

// NewTokenIssuer constructs a TokenIssuer. Signing material is checked at
// issuance time so a misconfigured issuer never produces a token.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.IDProvider
	if newID == nil {
		newID = uuid.NewString
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        strings.TrimSpace(cfg.Issuer),
		audience:      strings.TrimSpace(cfg.Audience),
		ttl:           ttl,
		clock:         clock,
		newID:         newID,
	}
}

// CheckConfiguration reports whether the issuer holds usable signing material.
func (i *TokenIssuer) CheckConfiguration() error {
	switch {
	case len(i.signingSecret) == 0:
		return &ConfigurationError{Field: "signing_secret", Reason: "is required"}
	case len(i.signingSecret) < minSigningSecretBytes:
		return &ConfigurationError{Field: "signing_secret", Reason: fmt.Sprintf("must be at least %d bytes", minSigningSecretBytes)}
	case i.issuer == "":
		return &ConfigurationError{Field: "issuer", Reason: "is required"}
	case i.audience == "":
		return &ConfigurationError{Field: "audience", Reason: "is required"}
	}
	return nil
}

// IssueSessionCredential signs a session token embedding the account id and roles.
func (i *TokenIssuer) IssueSessionCredential(_ context.Context, principal Principal) (SessionCredential, error) {
	if err := i.CheckConfiguration(); err != nil {
		return SessionCredential{}, err
	}
	username := strings.TrimSpace(principal.Username)
	if username == "" || principal.AccountID == 0 {
		return SessionCredential{}, errMissingPrincipalSubject
	}

	now := i.clock().UTC().Truncate(time.Second)
	expiresAt := now.Add(i.ttl)
	tokenID := i.newID()

	claims := SessionClaims{
		AccountID: principal.AccountID,
		Roles:     normalizeRoles(principal.Roles),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   username,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return SessionCredential{}, fmt.Errorf("auth: sign session credential: %w", err)
	}

	return SessionCredential{
		Token:     signed,
		TokenID:   tokenID,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		ExpiresIn: int64(expiresAt.Sub(now).Seconds()),
	}, nil
}

func normalizeRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	normalized := make([]string, 0, len(roles))
	for _, role := range roles {
		trimmed := strings.TrimSpace(role)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	sort.Strings(normalized)
	return normalized
}
