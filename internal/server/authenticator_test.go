package server

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockframe-protocol/lockframe/internal/auth"
	"github.com/lockframe-protocol/lockframe/internal/ids"
)

// TestJWTAuthenticatorWithMockValidator confirms JWTAuthenticator accepts
// any auth.TokenValidator, not just a JWKS-backed *auth.Validator — in
// particular, a development deployment can wire auth.MockValidator through
// the same authenticator the production path uses.
func TestJWTAuthenticatorWithMockValidator(t *testing.T) {
	authn := NewJWTAuthenticator(&auth.MockValidator{})

	payload, _ := json.Marshal(map[string]any{"sub": "42"})
	token := "header." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"

	senderID, err := authn.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, ids.SenderID(42), senderID)
}

func TestJWTAuthenticatorWithMockValidator_FallsBackToDefaultSender(t *testing.T) {
	authn := NewJWTAuthenticator(&auth.MockValidator{})

	senderID, err := authn.Authenticate("not-a-jwt")
	require.NoError(t, err)
	assert.Equal(t, ids.SenderID(1), senderID)
}
