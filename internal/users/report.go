package users

import "errors"

// StatusReport is the stable status code and user-facing message for a resolution.
type StatusReport struct {
	Status  Status
	Code    string
	Message string
}

var statusMessages = map[Status]string{
	StatusSuccess:                 "signed in",
	StatusNoEmailClaim:            "the identity provider did not share an email address; allow email access and try again",
	StatusAccountCreationFailed:   "account could not be created",
	StatusLinkFailed:              "external identity could not be linked",
	StatusDirectLoginInconsistent: "linked account could not be loaded",
	StatusInternalError:           "sign-in is temporarily unavailable",
}

// Report maps a resolution outcome onto its terminal status. Only the two
// storage-originated failures carry extra detail, and only the store's reason.
func Report(result Result, err error) StatusReport {
	status := result.Status
	switch {
	case err != nil && errors.Is(err, ErrDirectLoginInconsistent):
		status = StatusDirectLoginInconsistent
	case err != nil:
		status = StatusInternalError
	case status == "":
		status = StatusInternalError
	}

	message, ok := statusMessages[status]
	if !ok {
		status = StatusInternalError
		message = statusMessages[StatusInternalError]
	}
	if (status == StatusAccountCreationFailed || status == StatusLinkFailed) && result.Reason != "" {
		message += ": " + result.Reason
	}
	return StatusReport{
		Status:  status,
		Code:    string(status),
		Message: message,
	}
}
