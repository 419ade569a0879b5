package util

import (
	"errors"
	"strings"

	"github.com/real-rm/dealroom/internal/constants"
)

var (
	// ErrMissingAuthHeader is returned when no token is present
	ErrMissingAuthHeader = errors.New("missing Authorization header")
	// ErrInvalidAuthHeader is returned when the Authorization header format is invalid
	ErrInvalidAuthHeader = errors.New("invalid Authorization header format")
)

// ExtractBearerToken extracts the token from a "Bearer <token>" header.
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}
	if len(authHeader) <= constants.BearerPrefixLength || authHeader[:constants.BearerPrefixLength] != constants.BearerPrefix {
		return "", ErrInvalidAuthHeader
	}
	return authHeader[constants.BearerPrefixLength:], nil
}

// TokenFromRequest prefers the Authorization header and falls back to the
// query parameter browsers use for WebSocket upgrades.
func TokenFromRequest(authHeader, queryToken string) (string, error) {
	if authHeader != "" {
		return ExtractBearerToken(authHeader)
	}
	if queryToken == "" {
		return "", ErrMissingAuthHeader
	}
	return queryToken, nil
}

// HasRole reports whether userRoles contains any of requiredRoles.
func HasRole(userRoles []string, requiredRoles ...string) bool {
	roleMap := make(map[string]bool, len(userRoles))
	for _, role := range userRoles {
		roleMap[role] = true
	}
	for _, required := range requiredRoles {
		if roleMap[required] {
			return true
		}
	}
	return false
}

// ContainsWeakPattern reports the first weak pattern found in s, case-insensitively.
func ContainsWeakPattern(s string, weakPatterns []string) (bool, string) {
	lowerS := strings.ToLower(s)
	for _, pattern := range weakPatterns {
		if strings.Contains(lowerS, pattern) {
			return true, pattern
		}
	}
	return false, ""
}
