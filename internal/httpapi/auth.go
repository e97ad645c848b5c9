package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/agentplatform/stack-agent-manager/internal/config"
	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
)

// Authenticator resolves a bearer token to the subject that owns the request.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// NewAuthenticator builds the authenticator selected by cfg.AuthMode.
func NewAuthenticator(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Authenticator, error) {
	switch cfg.AuthMode {
	case config.AuthJWT:
		return NewJWTAuthenticator(cfg.SecretKey, cfg.JWTAlgorithm), nil
	case config.AuthOIDC:
		return NewOIDCVerifier(ctx, cfg.OIDCIssuer, cfg.OIDCAudience, logger)
	case config.AuthNone:
		logger.Warn().Str("subject", cfg.DevSubject).Msg("authentication disabled, all requests run as one subject")
		return Anonymous{Subject: cfg.DevSubject}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
}

func unauthorized(msg string) error {
	return fmt.Errorf("%w: %s", errdefs.ErrNotAuthorized, msg)
}

// Anonymous accepts every request as Subject. Local development only.
type Anonymous struct {
	Subject string
}

func (a Anonymous) Authenticate(context.Context, string) (string, error) {
	return a.Subject, nil
}

// JWTAuthenticator validates HMAC signed access tokens issued by the
// platform login service. The subject is the "sub" claim.
type JWTAuthenticator struct {
	key    []byte
	parser *jwt.Parser
}

// NewJWTAuthenticator accepts tokens signed with secret using algorithm
// (HS256, HS384 or HS512).
func NewJWTAuthenticator(secret, algorithm string) *JWTAuthenticator {
	return &JWTAuthenticator{
		key: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{algorithm}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(5*time.Second),
		),
	}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	}); err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", unauthorized("token expired")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return "", unauthorized("invalid token signature")
		default:
			return "", unauthorized("invalid token")
		}
	}

	// Refresh tokens share the key; only access tokens may call the API.
	if typ, ok := claims["type"]; ok && typ != "access" {
		return "", unauthorized("invalid token type")
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", unauthorized("invalid token payload")
	}
	return sub, nil
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", unauthorized("missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", unauthorized("invalid authorization header format")
	}
	return strings.TrimSpace(token), nil
}
