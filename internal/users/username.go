package users

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	randomUsernamePrefix     = "user"
	randomUsernameBytes      = 4
	maxUsernameBaseLength    = 48
	defaultMaxSuffixAttempts = 1000
	maxRandomAttempts        = 16
)

// ErrUsernameExhausted means no free username was found, even among random candidates.
var ErrUsernameExhausted = errors.New("users: unable to allocate a unique username")

// UsernameChecker answers whether a username is already taken.
type UsernameChecker interface {
	UsernameExists(ctx context.Context, username string) (bool, error)
}

// UsernameAllocatorConfig configures username allocation.
type UsernameAllocatorConfig struct {
	Checker     UsernameChecker
	MaxAttempts int
	Random      io.Reader
}

// UsernameAllocator derives a local username from identity claims and
// resolves collisions with ascending numeric suffixes. Every probe hits the
// store; nothing is cached between calls.
type UsernameAllocator struct {
	checker     UsernameChecker
	maxAttempts int
	random      io.Reader
}

// NewUsernameAllocator constructs an allocator backed by the given checker.
func NewUsernameAllocator(cfg UsernameAllocatorConfig) (*UsernameAllocator, error) {
	if cfg.Checker == nil {
		return nil, fmt.Errorf("users: username checker required")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxSuffixAttempts
	}
	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}
	return &UsernameAllocator{
		checker:     cfg.Checker,
		maxAttempts: maxAttempts,
		random:      random,
	}, nil
}

// Allocate returns a username that was free when it was last probed.
func (a *UsernameAllocator) Allocate(ctx context.Context, claims Claims) (string, error) {
	base := sanitizeUsername(usernameSource(claims))
	if base == "" {
		return a.allocateRandom(ctx)
	}

	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		candidate := base
		if attempt > 0 {
			candidate = base + strconv.Itoa(attempt)
		}
		taken, err := a.checker.UsernameExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("users: probe username %q: %w", candidate, err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return a.allocateRandom(ctx)
}

func (a *UsernameAllocator) allocateRandom(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxRandomAttempts; attempt++ {
		candidate, err := a.randomUsername()
		if err != nil {
			return "", err
		}
		taken, err := a.checker.UsernameExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("users: probe username %q: %w", candidate, err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", ErrUsernameExhausted
}

func (a *UsernameAllocator) randomUsername() (string, error) {
	buf := make([]byte, randomUsernameBytes)
	if _, err := io.ReadFull(a.random, buf); err != nil {
		return "", fmt.Errorf("users: read random username bytes: %w", err)
	}
	return randomUsernamePrefix + hex.EncodeToString(buf), nil
}

// usernameSource picks given+surname, then display name, then the email local part.
func usernameSource(claims Claims) string {
	if claims.GivenName != "" && claims.Surname != "" {
		return claims.GivenName + claims.Surname
	}
	if claims.DisplayName != "" {
		return claims.DisplayName
	}
	return claims.EmailLocalPart()
}

// sanitizeUsername strips every character outside [A-Za-z0-9].
func sanitizeUsername(raw string) string {
	var builder strings.Builder
	for _, r := range raw {
		if builder.Len() >= maxUsernameBaseLength {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
		}
	}
	return builder.String()
}
