package users

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/MarcoPoloResearchLab/civic/internal/auth"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var randomUsernamePattern = regexp.MustCompile(`^user[0-9a-f]{8}$`)

func TestResolveProvisionsNewAccount(t *testing.T) {
	store, db := newTestStore(t)
	resolver := newTestResolver(t, store, nil, 0)

	result, err := resolver.Resolve(context.Background(), Assertion{
		Provider:  "google",
		Subject:   "g-1",
		Email:     "a@x.com",
		GivenName: "John",
		Surname:   "Doe",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if result.Status != StatusSuccess || result.Path != PathProvisioned {
		t.Fatalf("unexpected outcome %s/%s", result.Status, result.Path)
	}
	if result.Account.Username != "JohnDoe" || result.Account.Email != "a@x.com" || !result.Account.EmailVerified {
		t.Fatalf("unexpected account %#v", result.Account)
	}
	if result.Credential.Token == "" {
		t.Fatalf("expected a session credential")
	}
	if roles := result.Account.RoleNames(); len(roles) != 1 || roles[0] != "member" {
		t.Fatalf("expected default member role, got %v", roles)
	}

	link, err := store.FindLink(context.Background(), "google", "g-1")
	if err != nil {
		t.Fatalf("expected link to be created: %v", err)
	}
	if link.AccountID != result.Account.ID || link.DisplayName != "John Doe" {
		t.Fatalf("unexpected link %#v", link)
	}
	if countRows(t, db, &Account{}) != 1 {
		t.Fatalf("expected exactly one account")
	}
}

func TestResolveReplayUsesDirectLogin(t *testing.T) {
	store, db := newTestStore(t)
	resolver := newTestResolver(t, store, nil, 0)
	assertion := Assertion{Provider: "google", Subject: "g-1", Email: "a@x.com", GivenName: "John", Surname: "Doe"}

	first, err := resolver.Resolve(context.Background(), assertion)
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	second, err := resolver.Resolve(context.Background(), assertion)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}

	if second.Path != PathDirect {
		t.Fatalf("expected direct path on replay, got %s", second.Path)
	}
	if second.Account.ID != first.Account.ID {
		t.Fatalf("expected the same account, got %d and %d", first.Account.ID, second.Account.ID)
	}
	if countRows(t, db, &Account{}) != 1 || countRows(t, db, &ExternalIdentityLink{}) != 1 {
		t.Fatalf("replay must not create accounts or links")
	}
}

func TestResolveLinksExistingUnverifiedAccount(t *testing.T) {
	store, db := newTestStore(t)
	existing := Account{Username: "alice", Email: "a@x.com", EmailVerified: false}
	if err := store.CreateAccount(context.Background(), &existing); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}

	core, logs := observer.New(zapcore.InfoLevel)
	resolver := newTestResolver(t, store, zap.New(core), 0)

	result, err := resolver.Resolve(context.Background(), Assertion{Provider: "google", Subject: "g-2", Email: "A@X.com"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if result.Status != StatusSuccess || result.Path != PathLinked {
		t.Fatalf("unexpected outcome %s/%s", result.Status, result.Path)
	}
	if result.Account.ID != existing.ID || !result.Account.EmailVerified {
		t.Fatalf("unexpected account %#v", result.Account)
	}

	stored, err := store.FindAccountByID(context.Background(), existing.ID)
	if err != nil {
		t.Fatalf("failed to reload account: %v", err)
	}
	if !stored.EmailVerified {
		t.Fatalf("expected email to be verified after linking")
	}
	if countRows(t, db, &ExternalIdentityLink{}) != 1 {
		t.Fatalf("expected one link")
	}
	if logs.FilterMessage("email trust elevated").Len() != 1 {
		t.Fatalf("expected trust elevation to be logged, got %v", logs.All())
	}
}

func TestResolveLinkingKeepsVerifiedEmailVerified(t *testing.T) {
	store, _ := newTestStore(t)
	existing := Account{Username: "bob", Email: "b@x.com", EmailVerified: true}
	if err := store.CreateAccount(context.Background(), &existing); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}

	core, logs := observer.New(zapcore.InfoLevel)
	resolver := newTestResolver(t, store, zap.New(core), 0)
	result, err := resolver.Resolve(context.Background(), Assertion{Provider: "google", Subject: "g-3", Email: "b@x.com"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !result.Account.EmailVerified {
		t.Fatalf("verified email must never be reset")
	}
	if logs.FilterMessage("email trust elevated").Len() != 0 {
		t.Fatalf("no elevation expected for an already verified account")
	}
}

func TestResolveWithoutEmailWritesNothing(t *testing.T) {
	base, db := newTestStore(t)
	store := &recordingStore{Store: base}
	resolver := newTestResolver(t, store, nil, 0)

	result, err := resolver.Resolve(context.Background(), Assertion{Provider: "google", Subject: "g-4", DisplayName: "No Mail"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if result.Status != StatusNoEmailClaim {
		t.Fatalf("expected no_email_claim, got %s", result.Status)
	}
	if result.Credential.Token != "" {
		t.Fatalf("no credential expected")
	}
	if writes := store.writes(); len(writes) != 0 {
		t.Fatalf("expected zero writes, got %v", writes)
	}
	if countRows(t, db, &Account{}) != 0 || countRows(t, db, &ExternalIdentityLink{}) != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestResolveSymbolicDisplayNameGetsRandomUsername(t *testing.T) {
	store, _ := newTestStore(t)
	resolver := newTestResolver(t, store, nil, 0)

	result, err := resolver.Resolve(context.Background(), Assertion{Provider: "google", Subject: "g-5", DisplayName: "!!!", Email: "b@x.com"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("unexpected status %s", result.Status)
	}
	if !randomUsernamePattern.MatchString(result.Account.Username) {
		t.Fatalf("expected random username, got %q", result.Account.Username)
	}
}

func TestResolveAllocatesDistinctUsernamesForCollidingNames(t *testing.T) {
	store, _ := newTestStore(t)
	resolver := newTestResolver(t, store, nil, 0)

	expected := []string{"JohnDoe", "JohnDoe1", "JohnDoe2", "JohnDoe3"}
	for index, want := range expected {
		result, err := resolver.Resolve(context.Background(), Assertion{
			Provider:    "google",
			Subject:     fmt.Sprintf("john-%d", index),
			Email:       fmt.Sprintf("john%d@x.com", index),
			DisplayName: "John Doe",
		})
		if err != nil {
			t.Fatalf("resolve %d failed: %v", index, err)
		}
		if result.Account.Username != want {
			t.Fatalf("resolution %d: expected %s, got %s", index, want, result.Account.Username)
		}
	}
}

func TestResolveDirectLoginTakesPrecedenceOverEmail(t *testing.T) {
	store, db := newTestStore(t)
	resolver := newTestResolver(t, store, nil, 0)

	original, err := resolver.Resolve(context.Background(), Assertion{Provider: "google", Subject: "g-6", Email: "old@x.com", DisplayName: "Carol"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	other := Account{Username: "dave", Email: "new@x.com"}
	if err := store.CreateAccount(context.Background(), &other); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}

	base := &recordingStore{Store: store}
	resolver = newTestResolver(t, base, nil, 0)
	result, err := resolver.Resolve(context.Background(), Assertion{Provider: "google", Subject: "g-6", Email: "new@x.com"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if result.Account.ID != original.Account.ID || result.Path != PathDirect {
		t.Fatalf("expected linked account via direct path, got %d via %s", result.Account.ID, result.Path)
	}
	for _, call := range base.calls {
		if call == "FindAccountByEmail" {
			t.Fatalf("email lookup must not run for a linked identity")
		}
	}
	if countRows(t, db, &ExternalIdentityLink{}) != 1 {
		t.Fatalf("expected no additional links")
	}
}

type failingLinkStore struct {
	*GormStore
	linkErr error
}

func (s *failingLinkStore) CreateLink(context.Context, *ExternalIdentityLink) error {
	return s.linkErr
}

func TestResolveFailsClosedWhenLinkWriteFails(t *testing.T) {
	base, db := newTestStore(t)
	store := &failingLinkStore{GormStore: base, linkErr: errors.New("disk full")}
	resolver := newTestResolver(t, store, nil, 0)

	result, err := resolver.Resolve(context.Background(), Assertion{Provider: "google", Subject: "g-7", Email: "e@x.com", DisplayName: "Erin"})
	if err != nil {
		t.Fatalf("expected typed result, got error %v", err)
	}
	if result.Status != StatusLinkFailed {
		t.Fatalf("expected link_failed, got %s", result.Status)
	}
	if result.Credential.Token != "" {
		t.Fatalf("no credential may be issued without a link")
	}
	if result.Reason != "storage write failed" {
		t.Fatalf("driver detail must not leak, got %q", result.Reason)
	}
	if countRows(t, db, &Account{}) != 1 {
		t.Fatalf("expected the created account row to remain")
	}
}

func TestResolveReportsIntegrityFault(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.CreateLink(context.Background(), &ExternalIdentityLink{Provider: "google", Subject: "g-8", AccountID: 999}); err != nil {
		t.Fatalf("failed to seed dangling link: %v", err)
	}
	core, logs := observer.New(zapcore.InfoLevel)
	resolver := newTestResolver(t, store, zap.New(core), 0)

	result, err := resolver.Resolve(context.Background(), Assertion{Provider: "google", Subject: "g-8", Email: "f@x.com"})
	if !errors.Is(err, ErrDirectLoginInconsistent) {
		t.Fatalf("expected integrity fault, got %v", err)
	}
	if result.Status != StatusDirectLoginInconsistent {
		t.Fatalf("unexpected status %s", result.Status)
	}
	entries := logs.FilterMessage("identity link without backing account").All()
	if len(entries) != 1 || entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected one error-level integrity log, got %v", logs.All())
	}
}

func TestResolveAbortsOnConfigurationFaultBeforeStorage(t *testing.T) {
	base, _ := newTestStore(t)
	store := &recordingStore{Store: base}
	resolver, err := NewResolver(ResolverConfig{
		Store:       store,
		Credentials: auth.NewTokenIssuer(auth.TokenIssuerConfig{Issuer: "civic-auth", Audience: "civic-api"}),
	})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}

	_, err = resolver.Resolve(context.Background(), Assertion{Provider: "google", Subject: "g-9", Email: "g@x.com"})
	var configErr *auth.ConfigurationError
	if !errors.As(err, &configErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(store.calls) != 0 {
		t.Fatalf("expected no storage access, got %v", store.calls)
	}
}

func TestResolveRejectsAssertionWithoutSubject(t *testing.T) {
	store, _ := newTestStore(t)
	resolver := newTestResolver(t, store, nil, 0)
	if _, err := resolver.Resolve(context.Background(), Assertion{Provider: "google", Email: "h@x.com"}); !errors.Is(err, ErrInvalidAssertion) {
		t.Fatalf("expected invalid assertion error, got %v", err)
	}
}

// racingStore lets a competing request create the same email right before
// this request's own account insert.
type racingStore struct {
	*GormStore
	raced bool
}

func (s *racingStore) CreateAccount(ctx context.Context, account *Account) error {
	if !s.raced {
		s.raced = true
		competitor := Account{Username: "competitor", Email: account.Email, EmailVerified: true}
		if err := s.GormStore.CreateAccount(ctx, &competitor); err != nil {
			return err
		}
	}
	return s.GormStore.CreateAccount(ctx, account)
}

func TestResolveReportsLostCreationRace(t *testing.T) {
	base, _ := newTestStore(t)
	resolver := newTestResolver(t, &racingStore{GormStore: base}, nil, 0)

	result, err := resolver.Resolve(context.Background(), Assertion{Provider: "google", Subject: "g-10", Email: "race@x.com", DisplayName: "Racer"})
	if err != nil {
		t.Fatalf("expected typed result, got error %v", err)
	}
	if result.Status != StatusAccountCreationFailed {
		t.Fatalf("expected account_creation_failed, got %s", result.Status)
	}
	if result.Reason != "email already in use" {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
}

func TestResolveRetriesLostRaceOntoLinkingPath(t *testing.T) {
	base, _ := newTestStore(t)
	resolver := newTestResolver(t, &racingStore{GormStore: base}, nil, 1)

	result, err := resolver.Resolve(context.Background(), Assertion{Provider: "google", Subject: "g-11", Email: "race@x.com", DisplayName: "Racer"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if result.Status != StatusSuccess || result.Path != PathLinked {
		t.Fatalf("expected retry to link the competing account, got %s/%s", result.Status, result.Path)
	}
	if result.Account.Username != "competitor" {
		t.Fatalf("unexpected account %#v", result.Account)
	}
}

func TestResolveStopsBeforeWritesWhenCancelled(t *testing.T) {
	store, db := newTestStore(t)
	resolver := newTestResolver(t, store, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := resolver.Resolve(ctx, Assertion{Provider: "google", Subject: "g-12", Email: "i@x.com"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if countRows(t, db, &Account{}) != 0 {
		t.Fatalf("cancelled resolution must not write")
	}
}
