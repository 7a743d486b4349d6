// Package auth implements the static allow-list gate that fronts the media
// pipeline. Media handling is opt-in: an empty allow list denies everyone.
package auth

import "strings"

// Authorizer answers whether a user may submit media for processing.
type Authorizer struct {
	allowed map[string]struct{}
}

// NewAuthorizer normalizes the configured allow list into a lookup set.
func NewAuthorizer(allowFrom []string) *Authorizer {
	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	return &Authorizer{allowed: allowed}
}

// Allowed reports whether the user is on the allow list.
func (a *Authorizer) Allowed(userID string) bool {
	if a == nil || len(a.allowed) == 0 {
		return false
	}

	_, ok := a.allowed[strings.TrimSpace(userID)]
	return ok
}
