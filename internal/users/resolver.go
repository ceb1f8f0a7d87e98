package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/civic/internal/auth"
	"go.uber.org/zap"
)

var (
	// ErrInvalidAssertion indicates the assertion lacked a provider or subject.
	ErrInvalidAssertion = errors.New("users: assertion requires provider and subject")
	// ErrDirectLoginInconsistent means an identity link points at a missing account.
	ErrDirectLoginInconsistent = errors.New("users: identity link has no backing account")
)

// CredentialIssuer mints session credentials for resolved accounts.
type CredentialIssuer interface {
	CheckConfiguration() error
	IssueSessionCredential(ctx context.Context, principal auth.Principal) (auth.SessionCredential, error)
}

// ResolverConfig describes the dependencies of account resolution.
type ResolverConfig struct {
	Store       Store
	Usernames   *UsernameAllocator
	Credentials CredentialIssuer
	// DefaultRoles are granted to provisioned accounts.
	DefaultRoles []string
	// ConflictRetries re-runs a resolution that lost a uniqueness race.
	ConflictRetries int
	Logger          *zap.Logger
}

// Resolver turns a verified external identity into a local account and a
// session credential. The direct path always wins over the email lookup.
type Resolver struct {
	store           Store
	usernames       *UsernameAllocator
	credentials     CredentialIssuer
	defaultRoles    []string
	conflictRetries int
	logger          *zap.Logger
}

// NewResolver validates the configuration and constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("users: store required")
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("users: credential issuer required")
	}
	usernames := cfg.Usernames
	if usernames == nil {
		allocator, err := NewUsernameAllocator(UsernameAllocatorConfig{Checker: cfg.Store})
		if err != nil {
			return nil, err
		}
		usernames = allocator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retries := cfg.ConflictRetries
	if retries < 0 {
		retries = 0
	}
	roles := make([]string, 0, len(cfg.DefaultRoles))
	for _, role := range cfg.DefaultRoles {
		if trimmed := strings.TrimSpace(role); trimmed != "" {
			roles = append(roles, trimmed)
		}
	}
	return &Resolver{
		store:           cfg.Store,
		usernames:       usernames,
		credentials:     cfg.Credentials,
		defaultRoles:    roles,
		conflictRetries: retries,
		logger:          logger,
	}, nil
}

// Resolve finds, links or provisions the account for the assertion and issues
// a credential. Expected outcomes come back as a Result with a nil error;
// configuration faults, store read failures and the integrity fault are errors.
func (r *Resolver) Resolve(ctx context.Context, assertion Assertion) (Result, error) {
	for attempt := 0; ; attempt++ {
		result, err := r.resolveOnce(ctx, assertion)
		if err != nil || result.Succeeded() || !result.conflicted() || attempt >= r.conflictRetries {
			return result, err
		}
		r.logger.Info("retrying resolution after uniqueness conflict",
			zap.String("provider", assertion.Provider),
			zap.String("status", string(result.Status)),
			zap.String("reason", result.Reason),
			zap.Int("attempt", attempt+1),
		)
	}
}

func (r *Resolver) resolveOnce(ctx context.Context, assertion Assertion) (Result, error) {
	provider := strings.ToLower(normalize(assertion.Provider))
	subject := normalize(assertion.Subject)
	if provider == "" || subject == "" {
		return Result{}, ErrInvalidAssertion
	}
	if err := r.credentials.CheckConfiguration(); err != nil {
		r.logger.Error("session credential issuer misconfigured", zap.Error(err))
		return Result{}, err
	}

	direct, err := r.tryDirectLogin(ctx, provider, subject)
	if err != nil {
		if errors.Is(err, ErrDirectLoginInconsistent) {
			r.logger.Error("identity link without backing account",
				zap.String("provider", provider),
				zap.String("subject", subject),
				zap.Bool("page_operator", true),
				zap.Error(err),
			)
			return Result{Status: StatusDirectLoginInconsistent, Path: PathDirect}, err
		}
		return Result{}, err
	}
	if direct.kind == directLoginLinked {
		return r.complete(ctx, PathDirect, provider, direct.account)
	}

	claims := ExtractClaims(assertion)
	if !claims.HasEmail() {
		r.logger.Info("assertion carried no usable email", zap.String("provider", provider))
		return Result{Status: StatusNoEmailClaim}, nil
	}

	lookup, err := r.lookupByEmail(ctx, claims.Email)
	if err != nil {
		return Result{}, err
	}
	if lookup.kind == emailLookupFound {
		return r.linkExisting(ctx, provider, subject, claims, lookup.account)
	}
	return r.provision(ctx, provider, subject, claims)
}

func (r *Resolver) tryDirectLogin(ctx context.Context, provider, subject string) (directLoginOutcome, error) {
	link, err := r.store.FindLink(ctx, provider, subject)
	if errors.Is(err, ErrNotFound) {
		return directLoginOutcome{kind: directLoginNotLinked}, nil
	}
	if err != nil {
		return directLoginOutcome{}, fmt.Errorf("users: find identity link: %w", err)
	}

	account, err := r.store.FindAccountByID(ctx, link.AccountID)
	if errors.Is(err, ErrNotFound) {
		return directLoginOutcome{}, fmt.Errorf("%w: account %d", ErrDirectLoginInconsistent, link.AccountID)
	}
	if err != nil {
		return directLoginOutcome{}, fmt.Errorf("users: load linked account: %w", err)
	}
	return directLoginOutcome{kind: directLoginLinked, account: account}, nil
}

func (r *Resolver) lookupByEmail(ctx context.Context, email string) (emailLookupOutcome, error) {
	account, err := r.store.FindAccountByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return emailLookupOutcome{kind: emailLookupNotFound}, nil
	}
	if err != nil {
		return emailLookupOutcome{}, fmt.Errorf("users: find account by email: %w", err)
	}
	return emailLookupOutcome{kind: emailLookupFound, account: account}, nil
}

func (r *Resolver) linkExisting(ctx context.Context, provider, subject string, claims Claims, account Account) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	writeCtx := context.WithoutCancel(ctx)

	link := &ExternalIdentityLink{
		Provider:    provider,
		Subject:     subject,
		AccountID:   account.ID,
		DisplayName: claims.LinkDisplayName(),
	}
	elevated, err := r.store.LinkExistingAccount(writeCtx, link, !account.EmailVerified)
	if err != nil {
		r.logger.Warn("identity link failed",
			zap.String("provider", provider),
			zap.Uint64("account_id", account.ID),
			zap.Error(err),
		)
		return storageFailure(StatusLinkFailed, PathLinked, account, err), nil
	}
	if elevated {
		account.EmailVerified = true
		r.logger.Info("email trust elevated",
			zap.String("provider", provider),
			zap.Uint64("account_id", account.ID),
		)
	}
	return r.complete(writeCtx, PathLinked, provider, account)
}

func (r *Resolver) provision(ctx context.Context, provider, subject string, claims Claims) (Result, error) {
	username, err := r.usernames.Allocate(ctx, claims)
	if errors.Is(err, ErrUsernameExhausted) {
		r.logger.Warn("username allocation exhausted", zap.String("provider", provider))
		return storageFailure(StatusAccountCreationFailed, PathProvisioned, Account{}, err), nil
	}
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	writeCtx := context.WithoutCancel(ctx)

	account := Account{
		Username:      username,
		Email:         claims.Email,
		EmailVerified: true,
		Roles:         make([]AccountRole, 0, len(r.defaultRoles)),
	}
	for _, role := range r.defaultRoles {
		account.Roles = append(account.Roles, AccountRole{Role: role})
	}
	if err := r.store.CreateAccount(writeCtx, &account); err != nil {
		r.logger.Warn("account creation failed",
			zap.String("provider", provider),
			zap.String("username", username),
			zap.Error(err),
		)
		return storageFailure(StatusAccountCreationFailed, PathProvisioned, Account{}, err), nil
	}

	link := &ExternalIdentityLink{
		Provider:    provider,
		Subject:     subject,
		AccountID:   account.ID,
		DisplayName: claims.LinkDisplayName(),
	}
	if err := r.store.CreateLink(writeCtx, link); err != nil {
		r.logger.Warn("identity link failed after account creation",
			zap.String("provider", provider),
			zap.Uint64("account_id", account.ID),
			zap.Error(err),
		)
		return storageFailure(StatusLinkFailed, PathProvisioned, account, err), nil
	}
	r.logger.Info("account provisioned",
		zap.String("provider", provider),
		zap.Uint64("account_id", account.ID),
		zap.String("username", account.Username),
	)
	return r.complete(writeCtx, PathProvisioned, provider, account)
}

func (r *Resolver) complete(ctx context.Context, path Path, provider string, account Account) (Result, error) {
	credential, err := r.credentials.IssueSessionCredential(ctx, auth.Principal{
		AccountID: account.ID,
		Username:  account.Username,
		Roles:     account.RoleNames(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("users: issue session credential: %w", err)
	}
	r.logger.Info("account resolved",
		zap.String("provider", provider),
		zap.String("path", string(path)),
		zap.Uint64("account_id", account.ID),
	)
	return Result{
		Status:     StatusSuccess,
		Path:       path,
		Account:    account,
		Credential: credential,
	}, nil
}
