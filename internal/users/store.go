package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const pgUniqueViolation = "23505"

var (
	// ErrNotFound indicates the requested account or link does not exist.
	ErrNotFound = errors.New("users: record not found")
	// ErrConflict matches every *ConflictError.
	ErrConflict = errors.New("users: uniqueness conflict")
)

// ConflictError reports a unique-constraint violation on a write.
type ConflictError struct {
	Field string
	Err   error
}

func (e *ConflictError) Error() string {
	return e.Field + " already in use"
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrConflict) match any conflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Store is the persistence contract of account resolution. Implementations
// must enforce uniqueness on username, email and (provider, subject).
type Store interface {
	FindLink(ctx context.Context, provider, subject string) (ExternalIdentityLink, error)
	FindAccountByID(ctx context.Context, id uint64) (Account, error)
	FindAccountByEmail(ctx context.Context, email string) (Account, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	CreateAccount(ctx context.Context, account *Account) error
	CreateLink(ctx context.Context, link *ExternalIdentityLink) error
	// LinkExistingAccount inserts the link and, when verifyEmail is set, flips
	// email_verified to true in the same transaction. It reports whether the flag changed.
	LinkExistingAccount(ctx context.Context, link *ExternalIdentityLink, verifyEmail bool) (bool, error)
}

// StoreConfig describes the dependencies of the gorm-backed store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// GormStore implements Store on top of gorm.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs the gorm-backed account store.
func NewStore(cfg StoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &GormStore{db: cfg.Database, now: clock}, nil
}

// FindLink returns the identity link for the provider and subject.
func (s *GormStore) FindLink(ctx context.Context, provider, subject string) (ExternalIdentityLink, error) {
	var link ExternalIdentityLink
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		Take(&link).
		Error
	if err != nil {
		return ExternalIdentityLink{}, translateReadError(err)
	}
	return link, nil
}

// FindAccountByID loads an account with its roles.
func (s *GormStore) FindAccountByID(ctx context.Context, id uint64) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).
		Preload("Roles").
		Where("id = ?", id).
		Take(&account).
		Error
	if err != nil {
		return Account{}, translateReadError(err)
	}
	return account, nil
}

// FindAccountByEmail loads the account owning the normalized email.
func (s *GormStore) FindAccountByEmail(ctx context.Context, email string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).
		Preload("Roles").
		Where("email = ?", normalizeEmail(email)).
		Take(&account).
		Error
	if err != nil {
		return Account{}, translateReadError(err)
	}
	return account, nil
}

// UsernameExists reports whether an account already holds the username.
func (s *GormStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Account{}).
		Where("username = ?", username).
		Count(&count).
		Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateAccount inserts the account together with its roles.
func (s *GormStore) CreateAccount(ctx context.Context, account *Account) error {
	now := s.now().UTC()
	account.Email = normalizeEmail(account.Email)
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		return classifyWriteError(err)
	}
	return nil
}

// CreateLink inserts a new identity link.
func (s *GormStore) CreateLink(ctx context.Context, link *ExternalIdentityLink) error {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = s.now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(link).Error; err != nil {
		return classifyWriteError(err)
	}
	return nil
}

// LinkExistingAccount links the identity and optionally elevates email trust atomically.
func (s *GormStore) LinkExistingAccount(ctx context.Context, link *ExternalIdentityLink, verifyEmail bool) (bool, error) {
	now := s.now().UTC()
	if link.CreatedAt.IsZero() {
		link.CreatedAt = now
	}
	elevated := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(link).Error; err != nil {
			return classifyWriteError(err)
		}
		if !verifyEmail {
			return nil
		}
		result := tx.Model(&Account{}).
			Where("id = ? AND email_verified = ?", link.AccountID, false).
			Updates(map[string]interface{}{
				"email_verified": true,
				"updated_at":     now,
			})
		if result.Error != nil {
			return result.Error
		}
		elevated = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return elevated, nil
}

func translateReadError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// classifyWriteError turns unique-constraint violations from sqlite or
// postgres into *ConflictError and leaves every other error untouched.
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != pgUniqueViolation {
			return err
		}
		return &ConflictError{Field: conflictField(pgErr.ConstraintName), Err: err}
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &ConflictError{Field: "record", Err: err}
	}
	message := err.Error()
	if strings.Contains(message, "UNIQUE constraint failed") {
		_, columns, _ := strings.Cut(message, "UNIQUE constraint failed:")
		return &ConflictError{Field: conflictField(columns), Err: err}
	}
	return err
}

func conflictField(hint string) string {
	hint = strings.ToLower(hint)
	switch {
	case strings.Contains(hint, "external_identity_links"), strings.Contains(hint, "provider"), strings.Contains(hint, "subject"):
		return "external identity"
	case strings.Contains(hint, "username"):
		return "username"
	case strings.Contains(hint, "email"):
		return "email"
	case strings.Contains(hint, "account_roles"):
		return "role"
	default:
		return "record"
	}
}
