package users

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/civic/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSigningSecret = "resolver-test-secret-0123456789ab"

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Account{}, &AccountRole{}, &ExternalIdentityLink{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) (*GormStore, *gorm.DB) {
	t.Helper()
	db := openTestDatabase(t)
	store, err := NewStore(StoreConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store, db
}

func newTestIssuer() *auth.TokenIssuer {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "civic-auth",
		Audience:      "civic-api",
	})
}

func newTestResolver(t *testing.T, store Store, logger *zap.Logger, retries int) *Resolver {
	t.Helper()
	resolver, err := NewResolver(ResolverConfig{
		Store:           store,
		Credentials:     newTestIssuer(),
		DefaultRoles:    []string{"member"},
		ConflictRetries: retries,
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	return resolver
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

// recordingStore records every store call made through it.
type recordingStore struct {
	Store
	mu    sync.Mutex
	calls []string
}

func (s *recordingStore) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
}

func (s *recordingStore) writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var writes []string
	for _, call := range s.calls {
		if strings.HasPrefix(call, "Create") || strings.HasPrefix(call, "Link") {
			writes = append(writes, call)
		}
	}
	return writes
}

func (s *recordingStore) FindLink(ctx context.Context, provider, subject string) (ExternalIdentityLink, error) {
	s.record("FindLink")
	return s.Store.FindLink(ctx, provider, subject)
}

func (s *recordingStore) FindAccountByEmail(ctx context.Context, email string) (Account, error) {
	s.record("FindAccountByEmail")
	return s.Store.FindAccountByEmail(ctx, email)
}

func (s *recordingStore) CreateAccount(ctx context.Context, account *Account) error {
	s.record("CreateAccount")
	return s.Store.CreateAccount(ctx, account)
}

func (s *recordingStore) CreateLink(ctx context.Context, link *ExternalIdentityLink) error {
	s.record("CreateLink")
	return s.Store.CreateLink(ctx, link)
}

func (s *recordingStore) LinkExistingAccount(ctx context.Context, link *ExternalIdentityLink, verifyEmail bool) (bool, error) {
	s.record("LinkExistingAccount")
	return s.Store.LinkExistingAccount(ctx, link, verifyEmail)
}
