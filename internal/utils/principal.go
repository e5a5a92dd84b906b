package utils

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

var principalRegex = regexp.MustCompile(`^[^\s@/]+@[^\s@/]+\.[^\s@/]+$`)

var (
	ErrPrincipalEmpty   = errors.New("principal is empty")
	ErrPrincipalInvalid = errors.New("principal is not a valid email address")
)

// NormalizePrincipal lower-cases and validates a principal. Principals are
// email addresses and end up in store keys, so slashes are rejected too.
func NormalizePrincipal(principal string) (string, error) {
	principal = strings.ToLower(strings.TrimSpace(principal))
	if principal == "" {
		return "", ErrPrincipalEmpty
	}

	// RFC 5322 parsing alone accepts addresses like example@value
	if _, err := mail.ParseAddress(principal); err != nil {
		return "", ErrPrincipalInvalid
	}
	if !principalRegex.MatchString(principal) {
		return "", ErrPrincipalInvalid
	}

	return principal, nil
}
