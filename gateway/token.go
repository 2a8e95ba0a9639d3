package gateway

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims recovered from a session or issued token
type SessionToken struct {
	TargetKey string
	ExpiresAt time.Time
}

// ParseSessionTokenUnverified inspects a token without checking the
// signature. Verification is the service's job (VerifyToken); local parsing
// only recovers routing fields such as the expiry.
func ParseSessionTokenUnverified(token string) (*SessionToken, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}

	sessionToken := &SessionToken{}

	if targetKey, ok := claims["target_key"]; ok {
		if targetKeyStr, ok := targetKey.(string); ok {
			sessionToken.TargetKey = targetKeyStr
		}
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		sessionToken.ExpiresAt = expiresAt.Time
	}

	return sessionToken, nil
}
