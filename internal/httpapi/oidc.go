package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog"
)

// OIDCVerifier validates ID tokens from an OpenID Connect provider. The
// subject is the token's "sub" claim.
type OIDCVerifier struct {
	issuer     string
	audience   string
	verifier   *oidc.IDTokenVerifier
	tokenCache *TokenCache
	logger     zerolog.Logger
}

// NewOIDCVerifier discovers the provider at issuer and accepts tokens for
// audience.
func NewOIDCVerifier(ctx context.Context, issuer, audience string, logger zerolog.Logger) (*OIDCVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("missing OIDC issuer or audience")
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OIDC provider: %w", err)
	}
	return newOIDCVerifier(issuer, audience, provider.Verifier(&oidc.Config{ClientID: audience}), logger), nil
}

func newOIDCVerifier(issuer, audience string, verifier *oidc.IDTokenVerifier, logger zerolog.Logger) *OIDCVerifier {
	return &OIDCVerifier{
		issuer:     issuer,
		audience:   audience,
		verifier:   verifier,
		tokenCache: NewTokenCache(),
		logger:     logger.With().Str("component", "oidc").Logger(),
	}
}

// Close stops the token cache.
func (v *OIDCVerifier) Close() {
	v.tokenCache.Stop()
}

func (v *OIDCVerifier) Authenticate(ctx context.Context, token string) (string, error) {
	tokenHash := HashToken(token)
	if sub, ok := v.tokenCache.Get(tokenHash); ok {
		v.logger.Debug().Msg("token cache hit")
		return sub, nil
	}

	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		var expired *oidc.TokenExpiredError
		switch {
		case errors.As(err, &expired):
			v.logger.Debug().Time("expiry", expired.Expiry).Msg("token expired")
			return "", unauthorized("token expired")
		case strings.Contains(err.Error(), "signature"):
			v.logger.Warn().Err(err).Msg("invalid token signature")
			return "", unauthorized("invalid token signature")
		default:
			v.logger.Warn().Err(err).Msg("token verification failed")
			return "", unauthorized("invalid token")
		}
	}
	if idToken.Subject == "" {
		return "", unauthorized("invalid token payload")
	}

	v.tokenCache.Set(tokenHash, idToken.Subject, idToken.Expiry)
	return idToken.Subject, nil
}
