// README: Tests for the HS256 verifier.
package infra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestJWTVerifierRoundTrip(t *testing.T) {
	raw, err := SignJWT(testSecret, "courier-1", "delivery_person", time.Minute)
	require.NoError(t, err)

	tok, err := NewJWTVerifier(testSecret).VerifyIDToken(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "courier-1", tok.UID)
	assert.Equal(t, "delivery_person", tok.Claims["role"])
}

func TestJWTVerifierRejects(t *testing.T) {
	expired, err := SignJWT(testSecret, "u1", "customer", -time.Minute)
	require.NoError(t, err)
	wrongKey, err := SignJWT("another-secret-another-secret-xx", "u1", "customer", time.Minute)
	require.NoError(t, err)

	v := NewJWTVerifier(testSecret)
	for name, raw := range map[string]string{"expired": expired, "wrong key": wrongKey, "garbage": "not.a.jwt"} {
		_, err := v.VerifyIDToken(context.Background(), raw)
		assert.Error(t, err, name)
	}
}
