package users

import (
	"errors"

	"github.com/MarcoPoloResearchLab/civic/internal/auth"
)

// Status is the terminal state of one resolution.
type Status string

const (
	StatusSuccess                 Status = "success"
	StatusNoEmailClaim            Status = "no_email_claim"
	StatusAccountCreationFailed   Status = "account_creation_failed"
	StatusLinkFailed              Status = "link_failed"
	StatusDirectLoginInconsistent Status = "direct_login_inconsistent"
	// StatusInternalError covers operational faults outside the resolution states.
	StatusInternalError Status = "internal_error"
)

// Path names the branch that resolved (or tried to resolve) the account.
type Path string

const (
	PathDirect      Path = "direct"
	PathLinked      Path = "linked"
	PathProvisioned Path = "provisioned"
)

// Result is the tagged outcome of Resolver.Resolve. Account is set on
// success and on link failures; Credential only on success.
type Result struct {
	Status     Status
	Path       Path
	Account    Account
	Credential auth.SessionCredential
	// Reason is the store's own reason string for the two storage-originated failures.
	Reason string
	cause  error
}

// Succeeded reports whether a credential was issued.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

func (r Result) conflicted() bool {
	return errors.Is(r.cause, ErrConflict)
}

type directLoginKind int

const (
	directLoginNotLinked directLoginKind = iota
	directLoginLinked
)

// directLoginOutcome is the result of looking up the (provider, subject) link.
type directLoginOutcome struct {
	kind    directLoginKind
	account Account
}

type emailLookupKind int

const (
	emailLookupNotFound emailLookupKind = iota
	emailLookupFound
)

// emailLookupOutcome is the result of matching the asserted email to an account.
type emailLookupOutcome struct {
	kind    emailLookupKind
	account Account
}

func storageFailure(status Status, path Path, account Account, err error) Result {
	reason := "storage write failed"
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		reason = conflict.Error()
	} else if errors.Is(err, ErrUsernameExhausted) {
		reason = "no username available"
	}
	return Result{
		Status:  status,
		Path:    path,
		Account: account,
		Reason:  reason,
		cause:   err,
	}
}
