package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplatform/stack-agent-manager/internal/httpapi/handlers"
	"github.com/agentplatform/stack-agent-manager/internal/version"
	"github.com/agentplatform/stack-agent-manager/pkg/models"
)

const testSecret = "test-secret"

// stackStub records the actor of list calls. Other methods are never reached.
type stackStub struct {
	handlers.StackService
	actor string
}

func (s *stackStub) List(_ context.Context, actor, _ string, _, _ int) ([]models.StackWithCount, int, error) {
	s.actor = actor
	return nil, 0, nil
}

type agentStub struct {
	handlers.AgentService
}

func setupTestServer(t *testing.T, auth Authenticator, opts Options) (*Server, *stackStub) {
	t.Helper()
	stacks := &stackStub{}
	return NewServer(stacks, &agentStub{}, auth, opts, zerolog.Nop()), stacks
}

func signHS256(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func accessClaims(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":  sub,
		"type": "access",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
}

func TestServer_HealthEndpoints(t *testing.T) {
	server, _ := setupTestServer(t, NewJWTAuthenticator(testSecret, "HS256"), Options{})

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"healthz", "/healthz", http.StatusOK},
		{"readyz", "/readyz", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()

			server.mux.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "ok", rec.Body.String())
		})
	}
}

func TestServer_ReadyzFailing(t *testing.T) {
	server, _ := setupTestServer(t, Anonymous{Subject: "dev"}, Options{
		Ready: func(context.Context) error { return errors.New("database down") },
	})

	rec := httptest.NewRecorder()
	server.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_APIHealthIsPublic(t *testing.T) {
	server, _ := setupTestServer(t, NewJWTAuthenticator(testSecret, "HS256"), Options{})

	rec := httptest.NewRecorder()
	server.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, version.Version, body.Version)
}

func TestServer_OpenAPI(t *testing.T) {
	server, _ := setupTestServer(t, Anonymous{Subject: "dev"}, Options{})

	rec := httptest.NewRecorder()
	server.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/stacks/{id}/agents")
	assert.Contains(t, rec.Body.String(), "bearer")
}

func TestServer_JWTSubjectReachesHandler(t *testing.T) {
	server, stacks := setupTestServer(t, NewJWTAuthenticator(testSecret, "HS256"), Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/stacks", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, accessClaims("alice"), testSecret))
	rec := httptest.NewRecorder()
	server.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "alice", stacks.actor)
}

func TestServer_RejectsWithoutToken(t *testing.T) {
	server, stacks := setupTestServer(t, NewJWTAuthenticator(testSecret, "HS256"), Options{})

	rec := httptest.NewRecorder()
	server.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stacks", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	assert.Contains(t, rec.Body.String(), "missing authorization header")
	assert.Empty(t, stacks.actor)
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	server, _ := setupTestServer(t, NewJWTAuthenticator(testSecret, "HS256"), Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/stacks", nil)
	rec := httptest.NewRecorder()
	ctx := humatest.NewContext(nil, req, rec)

	called := false
	server.authMiddleware(ctx, func(_ huma.Context) { called = true })
	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_MalformedHeader(t *testing.T) {
	server, _ := setupTestServer(t, NewJWTAuthenticator(testSecret, "HS256"), Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/stacks", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	ctx := humatest.NewContext(nil, req, rec)

	called := false
	server.authMiddleware(ctx, func(_ huma.Context) { called = true })
	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid authorization header format")
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	server, _ := setupTestServer(t, NewJWTAuthenticator(testSecret, "HS256"), Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/stacks", nil)
	req.Header.Set("Authorization", "bearer "+signHS256(t, accessClaims("bob"), testSecret))
	rec := httptest.NewRecorder()
	ctx := humatest.NewContext(nil, req, rec)

	var got string
	server.authMiddleware(ctx, func(c huma.Context) {
		got, _ = handlers.SubjectFrom(c.Context())
	})
	assert.Equal(t, "bob", got)
}

func TestAuthMiddleware_Anonymous(t *testing.T) {
	server, _ := setupTestServer(t, Anonymous{Subject: "local-dev"}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/stacks", nil)
	rec := httptest.NewRecorder()
	ctx := humatest.NewContext(nil, req, rec)

	var got string
	server.authMiddleware(ctx, func(c huma.Context) {
		got, _ = handlers.SubjectFrom(c.Context())
	})
	assert.Equal(t, "local-dev", got)
}

func TestJWTAuthenticator(t *testing.T) {
	auth := NewJWTAuthenticator(testSecret, "HS256")

	expired := accessClaims("alice")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	refresh := accessClaims("alice")
	refresh["type"] = "refresh"
	noExp := jwt.MapClaims{"sub": "alice", "type": "access"}
	noSub := jwt.MapClaims{"type": "access", "exp": time.Now().Add(time.Hour).Unix()}
	untyped := jwt.MapClaims{"sub": "carol", "exp": time.Now().Add(time.Hour).Unix()}

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, accessClaims("alice")).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr string
	}{
		{"valid", signHS256(t, accessClaims("alice"), testSecret), "alice", ""},
		{"without type claim", signHS256(t, untyped, testSecret), "carol", ""},
		{"expired", signHS256(t, expired, testSecret), "", "token expired"},
		{"wrong secret", signHS256(t, accessClaims("alice"), "other"), "", "invalid token signature"},
		{"refresh token", signHS256(t, refresh, testSecret), "", "invalid token type"},
		{"missing exp", signHS256(t, noExp, testSecret), "", "invalid token"},
		{"missing sub", signHS256(t, noSub, testSecret), "", "invalid token payload"},
		{"unexpected algorithm", hs512, "", "invalid token"},
		{"garbage", "not-a-jwt", "", "invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := auth.Authenticate(context.Background(), tt.token)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer abc ", "abc", false},
		{"", "", true},
		{"Bearer", "", true},
		{"Bearer  ", "", true},
		{"Token abc", "", true},
	}
	for _, tt := range tests {
		got, err := extractBearerToken(tt.header)
		if tt.wantErr {
			assert.Error(t, err, tt.header)
			continue
		}
		require.NoError(t, err, tt.header)
		assert.Equal(t, tt.want, got)
	}
}

func TestServer_CORS(t *testing.T) {
	server, _ := setupTestServer(t, Anonymous{Subject: "dev"}, Options{CORSOrigins: []string{"http://localhost:3000"}})
	handler := server.Handler()

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/stacks", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "Authorization")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, "http://localhost:3000", preflight("http://localhost:3000").Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, preflight("http://evil.example.com").Header().Get("Access-Control-Allow-Origin"))
}

func TestServerRunnable_StartStop(t *testing.T) {
	server, _ := setupTestServer(t, Anonymous{Subject: "dev"}, Options{})

	// Reserve a free port, then hand it to the runnable.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Runnable(addr).Start(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}
}
