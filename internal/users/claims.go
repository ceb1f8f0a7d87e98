package users

import "strings"

// Assertion is one verified external identity handed over by the sign-in handshake.
type Assertion struct {
	Provider    string
	Subject     string
	Email       string
	DisplayName string
	GivenName   string
	Surname     string
}

// Claims holds the normalized identity claims of an assertion.
type Claims struct {
	Email       string
	DisplayName string
	GivenName   string
	Surname     string
}

// ExtractClaims pulls the optional identity claims out of a trusted assertion.
// Email is lower-cased and kept only when it has a local part and a domain.
func ExtractClaims(assertion Assertion) Claims {
	claims := Claims{
		DisplayName: normalize(assertion.DisplayName),
		GivenName:   normalize(assertion.GivenName),
		Surname:     normalize(assertion.Surname),
	}
	if email := normalizeEmail(assertion.Email); usableEmail(email) {
		claims.Email = email
	}
	return claims
}

// HasEmail reports whether the assertion carried a usable email claim.
func (c Claims) HasEmail() bool {
	return c.Email != ""
}

// EmailLocalPart returns the part of the email before '@'.
func (c Claims) EmailLocalPart() string {
	local, _, _ := strings.Cut(c.Email, "@")
	return local
}

// LinkDisplayName picks the name denormalized onto the identity link.
func (c Claims) LinkDisplayName() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return strings.TrimSpace(c.GivenName + " " + c.Surname)
}

func usableEmail(email string) bool {
	if email == "" || strings.ContainsAny(email, " \t\r\n") {
		return false
	}
	local, domain, found := strings.Cut(email, "@")
	return found && local != "" && domain != "" && !strings.Contains(domain, "@")
}
