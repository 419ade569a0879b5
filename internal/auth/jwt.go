// Package auth validates the HMAC signed JWTs presented by WebSocket clients
// and operators.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is malformed or invalid
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidSignature is returned when the token signature is invalid
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrMissingClaims is returned when required claims are missing
	ErrMissingClaims = errors.New("missing required claims")
)

// Claims represents the JWT claims extracted from a token
type Claims struct {
	UserID         string
	OrganizationID string
	Name           string
	Roles          []string
}

// JWTValidator handles JWT token validation
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a new JWT validator with the given secret
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{
		secret: []byte(secret),
	}
}

// ValidateToken verifies the signature and expiry of tokenString and
// extracts its claims. user_id, organization_id and roles are required;
// name defaults to the user id.
func (v *JWTValidator) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method: %v", ErrInvalidSignature, token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: token is not valid", ErrInvalidToken)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unable to parse claims", ErrInvalidToken)
	}

	userID, ok := mapClaims["user_id"].(string)
	if !ok || userID == "" {
		return nil, fmt.Errorf("%w: user_id claim missing or invalid", ErrMissingClaims)
	}

	orgID, ok := mapClaims["organization_id"].(string)
	if !ok || orgID == "" {
		return nil, fmt.Errorf("%w: organization_id claim missing or invalid", ErrMissingClaims)
	}

	name, _ := mapClaims["name"].(string)
	if name == "" {
		name = userID
	}

	rolesInterface, ok := mapClaims["roles"]
	if !ok {
		return nil, fmt.Errorf("%w: roles claim missing", ErrMissingClaims)
	}
	roles, err := extractRoles(rolesInterface)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingClaims, err)
	}

	return &Claims{
		UserID:         userID,
		OrganizationID: orgID,
		Name:           name,
		Roles:          roles,
	}, nil
}

// extractRoles converts the roles claim to a string slice
func extractRoles(rolesInterface interface{}) ([]string, error) {
	// JSON decoding yields []interface{}
	if rolesSlice, ok := rolesInterface.([]interface{}); ok {
		roles := make([]string, len(rolesSlice))
		for i, role := range rolesSlice {
			roleStr, ok := role.(string)
			if !ok {
				return nil, fmt.Errorf("roles array contains non-string value at index %d", i)
			}
			roles[i] = roleStr
		}
		return roles, nil
	}

	if rolesSlice, ok := rolesInterface.([]string); ok {
		return rolesSlice, nil
	}

	return nil, fmt.Errorf("roles claim must be an array of strings")
}
