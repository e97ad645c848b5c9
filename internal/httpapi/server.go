package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
	"github.com/agentplatform/stack-agent-manager/internal/httpapi/handlers"
	"github.com/agentplatform/stack-agent-manager/internal/version"
)

const apiPrefix = "/api"

// Options configures the HTTP API server.
type Options struct {
	// CORSOrigins lists the browser origins allowed to call the API.
	CORSOrigins []string
	// MaxArchiveBytes bounds agent uploads.
	MaxArchiveBytes int64
	// Ready reports whether dependencies are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Server is the HTTP API server in front of the lifecycle managers
type Server struct {
	stacks    handlers.StackService
	agents    handlers.AgentService
	auth      Authenticator
	anonymous bool
	public    map[string]bool
	opts      Options
	logger    zerolog.Logger
	mux       *http.ServeMux
	api       huma.API
}

// NewServer creates a new HTTP API server
func NewServer(stacks handlers.StackService, agents handlers.AgentService, auth Authenticator, opts Options, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()

	config := huma.DefaultConfig("Stack Agent Manager API", version.Version)
	config.Info.Description = "Stacks map to Kubernetes namespaces, agents to deployments inside them"
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	config.Security = []map[string][]string{{"bearer": {}}}

	api := humago.New(mux, config)

	_, anonymous := auth.(Anonymous)
	s := &Server{
		stacks:    stacks,
		agents:    agents,
		auth:      auth,
		anonymous: anonymous,
		public:    map[string]bool{"health": true},
		opts:      opts,
		logger:    logger.With().Str("component", "httpapi").Logger(),
		mux:       mux,
		api:       api,
	}

	api.UseMiddleware(s.authMiddleware)
	s.registerRoutes()

	return s
}

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	handlers.NewStackHandler(s.stacks, s.agents, s.logger).RegisterRoutes(s.api, apiPrefix)
	handlers.NewAgentHandler(s.agents, s.opts.MaxArchiveBytes, s.logger).RegisterRoutes(s.api, apiPrefix)

	huma.Register(s.api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        apiPrefix + "/health",
		Summary:     "Health check",
		Tags:        []string{"health"},
		Security:    []map[string][]string{},
	}, func(ctx context.Context, input *struct{}) (*HealthResponse, error) {
		return &HealthResponse{
			Body: HealthStatus{Status: "healthy", Version: version.Version},
		}, nil
	})

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Ready != nil {
			if err := s.opts.Ready(r.Context()); err != nil {
				s.logger.Warn().Err(err).Msg("readiness check failed")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("not ready"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

type HealthResponse struct {
	Body HealthStatus
}

type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// authMiddleware resolves the bearer token to a subject and stores it in
// the request context. Public operations pass through; in anonymous mode a
// missing header is accepted.
func (s *Server) authMiddleware(ctx huma.Context, next func(huma.Context)) {
	if op := ctx.Operation(); op != nil && s.public[op.OperationID] {
		next(ctx)
		return
	}

	token, err := extractBearerToken(ctx.Header("Authorization"))
	if err != nil && !s.anonymous {
		s.writeUnauthorized(ctx, err)
		return
	}

	subject, err := s.auth.Authenticate(ctx.Context(), token)
	if err != nil {
		s.writeUnauthorized(ctx, err)
		return
	}
	next(huma.WithContext(ctx, handlers.WithSubject(ctx.Context(), subject)))
}

func (s *Server) writeUnauthorized(ctx huma.Context, err error) {
	msg := "invalid token"
	if errors.Is(err, errdefs.ErrNotAuthorized) {
		msg = strings.TrimPrefix(err.Error(), errdefs.ErrNotAuthorized.Error()+": ")
	} else {
		s.logger.Error().Err(err).Msg("authentication failed")
	}
	ctx.SetHeader("WWW-Authenticate", "Bearer")
	huma.WriteErr(s.api, ctx, http.StatusUnauthorized, msg)
}

// Handler returns the API wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(s.mux)
}

// Runnable returns a manager.Runnable that starts the HTTP server
func (s *Server) Runnable(addr string) manager.Runnable {
	return &serverRunnable{
		server: s,
		addr:   addr,
	}
}

type serverRunnable struct {
	server *Server
	addr   string
}

// NeedLeaderElection is false: every replica serves the API.
func (r *serverRunnable) NeedLeaderElection() bool { return false }

func (r *serverRunnable) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              r.addr,
		Handler:           r.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
	}

	listener, err := net.Listen("tcp", r.addr)
	if err != nil {
		return err
	}

	r.server.logger.Info().Str("addr", listener.Addr().String()).Msg("starting HTTP API server")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		r.server.logger.Info().Msg("shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
