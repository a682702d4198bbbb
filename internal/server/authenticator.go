package server

import (
	"fmt"
	"strconv"

	"github.com/lockframe-protocol/lockframe/internal/auth"
	"github.com/lockframe-protocol/lockframe/internal/ids"
)

// Authenticator validates a Hello frame's auth token and returns the
// sender id it authenticates, or an error if the token is invalid. The
// driver never inspects a token's contents itself.
type Authenticator interface {
	Authenticate(token string) (ids.SenderID, error)
}

// JWTAuthenticator validates tokens against an auth.TokenValidator (a JWKS-
// backed auth.Validator in production, or auth.MockValidator in a
// SKIP_AUTH development deployment) and derives the sender id from the
// token's subject claim, which this deployment mints as the decimal
// string form of the sender's SenderID.
type JWTAuthenticator struct {
	validator auth.TokenValidator
}

func NewJWTAuthenticator(validator auth.TokenValidator) *JWTAuthenticator {
	return &JWTAuthenticator{validator: validator}
}

func (a *JWTAuthenticator) Authenticate(token string) (ids.SenderID, error) {
	claims, err := a.validator.ValidateToken(token)
	if err != nil {
		return 0, fmt.Errorf("validating auth token: %w", err)
	}
	n, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("subject claim %q is not a sender id: %w", claims.Subject, err)
	}
	return ids.SenderID(n), nil
}

// StaticAuthenticator is a development/test authenticator that maps fixed
// token strings to sender ids directly, mirroring the teacher's
// MockValidator for environments without a running JWKS endpoint.
type StaticAuthenticator map[string]ids.SenderID

func (a StaticAuthenticator) Authenticate(token string) (ids.SenderID, error) {
	senderID, ok := a[token]
	if !ok {
		return 0, fmt.Errorf("unknown auth token")
	}
	return senderID, nil
}
