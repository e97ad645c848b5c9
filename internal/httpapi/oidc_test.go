package httpapi

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://idp.example.com"
	testAudience = "stack-agent-manager"
)

func setupOIDC(t *testing.T) (*OIDCVerifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
	verifier := oidc.NewVerifier(testIssuer, keySet, &oidc.Config{ClientID: testAudience})
	v := newOIDCVerifier(testIssuer, testAudience, verifier, zerolog.Nop())
	t.Cleanup(v.Close)
	return v, key
}

func signRS256(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func idClaims(sub string, exp time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": sub,
		"iat": time.Now().Add(-time.Minute).Unix(),
		"exp": exp.Unix(),
	}
}

func TestOIDCVerifier_ValidTokenIsCached(t *testing.T) {
	v, key := setupOIDC(t)
	token := signRS256(t, key, idClaims("user-123", time.Now().Add(time.Hour)))

	sub, err := v.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", sub)
	assert.Equal(t, 1, v.tokenCache.Size())

	cached, ok := v.tokenCache.Get(HashToken(token))
	require.True(t, ok)
	assert.Equal(t, "user-123", cached)

	sub, err = v.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", sub)
}

func TestOIDCVerifier_Rejections(t *testing.T) {
	v, key := setupOIDC(t)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	wrongAudience := idClaims("user-1", time.Now().Add(time.Hour))
	wrongAudience["aud"] = "someone-else"
	wrongIssuer := idClaims("user-1", time.Now().Add(time.Hour))
	wrongIssuer["iss"] = "https://evil.example.com"
	noSubject := idClaims("", time.Now().Add(time.Hour))
	delete(noSubject, "sub")

	tests := []struct {
		name    string
		token   string
		wantErr string
	}{
		{"expired", signRS256(t, key, idClaims("user-1", time.Now().Add(-time.Hour))), "token expired"},
		{"foreign key", signRS256(t, otherKey, idClaims("user-1", time.Now().Add(time.Hour))), "invalid token"},
		{"wrong audience", signRS256(t, key, wrongAudience), "invalid token"},
		{"wrong issuer", signRS256(t, key, wrongIssuer), "invalid token"},
		{"no subject", signRS256(t, key, noSubject), "invalid token payload"},
		{"garbage", "abc.def.ghi", "invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Authenticate(context.Background(), tt.token)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
	assert.Equal(t, 0, v.tokenCache.Size())
}

func TestOIDCVerifier_ShortLivedTokenNotCached(t *testing.T) {
	v, key := setupOIDC(t)
	// Inside the safety margin: valid now but not worth caching.
	token := signRS256(t, key, idClaims("user-9", time.Now().Add(10*time.Second)))

	sub, err := v.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-9", sub)
	assert.Equal(t, 0, v.tokenCache.Size())
}

func TestNewOIDCVerifier_MissingSettings(t *testing.T) {
	_, err := NewOIDCVerifier(context.Background(), "", testAudience, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewOIDCVerifier(context.Background(), testIssuer, " ", zerolog.Nop())
	assert.Error(t, err)
}
