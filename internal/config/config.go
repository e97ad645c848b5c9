package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// DefaultHTTPAddr is the default listen address for the HTTP API
	DefaultHTTPAddr = ":8080"

	// DefaultMetricsAddr is the default listen address for metrics
	DefaultMetricsAddr = ":9090"

	// DefaultProbeAddr is the default listen address for health probes
	DefaultProbeAddr = ":8081"
)

// Auth modes.
const (
	AuthJWT  = "jwt"
	AuthOIDC = "oidc"
	AuthNone = "none"
)

// Config holds every setting of the service. Values come from the
// environment, optionally seeded from a .env file.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL" envDefault:"./data/stack-agent-manager.db"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	ProbeAddr   string `env:"PROBE_ADDR" envDefault:":8081"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"http://localhost:3000,http://localhost:3001" envSeparator:","`

	AuthMode     string `env:"AUTH_MODE" envDefault:"jwt"`
	SecretKey    string `env:"SECRET_KEY"`
	JWTAlgorithm string `env:"JWT_ALGORITHM" envDefault:"HS256"`
	OIDCIssuer   string `env:"OIDC_ISSUER"`
	OIDCAudience string `env:"OIDC_AUDIENCE"`
	// Subject used for every request when AUTH_MODE=none.
	DevSubject string `env:"DEV_SUBJECT" envDefault:"local-dev"`

	Kubeconfig        string        `env:"KUBECONFIG"`
	KubeContext       string        `env:"K8S_CONTEXT"`
	K8sRequestTimeout time.Duration `env:"K8S_REQUEST_TIMEOUT" envDefault:"15s"`

	BasePath          string `env:"AGENT_PLATFORM_BASE_PATH" envDefault:"/var/agent-platform"`
	AegraJSONPath     string `env:"AEGRA_JSON_PATH" envDefault:"/var/agent-platform/aegra/aegra.json"`
	GraphsMountPrefix string `env:"GRAPHS_MOUNT_PREFIX" envDefault:"./graphs"`

	AgentImage     string `env:"AGENT_IMAGE"`
	IngressHost    string `env:"INGRESS_HOST" envDefault:"agents.yourdomain.com"`
	IngressClass   string `env:"INGRESS_CLASS" envDefault:"nginx"`
	TLSSecretName  string `env:"INGRESS_TLS_SECRET"`
	PublicScheme   string `env:"PUBLIC_SCHEME" envDefault:"https"`
	ChatUIBaseURL  string `env:"CHAT_UI_BASE_URL" envDefault:"http://localhost:3002"`
	StackPostgres  bool   `env:"STACK_POSTGRES_ENABLED" envDefault:"false"`
	ExtractWorkers int    `env:"EXTRACT_WORKERS" envDefault:"2"`

	MaxArchiveBytes   int64 `env:"MAX_ARCHIVE_BYTES" envDefault:"20971520"`
	MaxArchiveFiles   int   `env:"MAX_ARCHIVE_FILES" envDefault:"2000"`
	MaxExtractedBytes int64 `env:"MAX_EXTRACTED_BYTES" envDefault:"209715200"`

	DeployTimeout    time.Duration `env:"DEPLOY_TIMEOUT" envDefault:"5m"`
	NamespaceTimeout time.Duration `env:"NAMESPACE_TIMEOUT" envDefault:"2m"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	IdlePollInterval time.Duration `env:"IDLE_POLL_INTERVAL" envDefault:"30s"`
	RecoveryInterval time.Duration `env:"RECOVERY_INTERVAL" envDefault:"1m"`
	LockTimeout      time.Duration `env:"LOCK_TIMEOUT" envDefault:"10s"`

	LeaderElection bool `env:"LEADER_ELECT" envDefault:"false"`

	// ReplicaID names this process in entity claims. Defaults to the
	// hostname plus a random suffix.
	ReplicaID string        `env:"REPLICA_ID"`
	ClaimTTL  time.Duration `env:"CLAIM_TTL" envDefault:"1m"`
}

// Load reads an optional .env file and parses the environment into a Config.
// envFiles that do not exist are skipped.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		// godotenv.Load never overrides variables already set in the process.
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.AuthMode = strings.ToLower(strings.TrimSpace(c.AuthMode))
	c.PublicScheme = strings.ToLower(strings.TrimSpace(c.PublicScheme))
	origins := c.CORSOrigins[:0]
	for _, o := range c.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORSOrigins = origins
}

// Validate checks settings that only make sense in combination.
func (c *Config) Validate() error {
	var errs []error

	switch c.AuthMode {
	case AuthJWT:
		if c.SecretKey == "" {
			errs = append(errs, errors.New("SECRET_KEY is required when AUTH_MODE=jwt"))
		}
		switch c.JWTAlgorithm {
		case "HS256", "HS384", "HS512":
		default:
			errs = append(errs, fmt.Errorf("unsupported JWT_ALGORITHM %q", c.JWTAlgorithm))
		}
	case AuthOIDC:
		if c.OIDCIssuer == "" || c.OIDCAudience == "" {
			errs = append(errs, errors.New("OIDC_ISSUER and OIDC_AUDIENCE are required when AUTH_MODE=oidc"))
		}
	case AuthNone:
		if c.DevSubject == "" {
			errs = append(errs, errors.New("DEV_SUBJECT must not be empty when AUTH_MODE=none"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_MODE %q", c.AuthMode))
	}

	if c.PublicScheme != "http" && c.PublicScheme != "https" {
		errs = append(errs, fmt.Errorf("PUBLIC_SCHEME must be http or https, got %q", c.PublicScheme))
	}
	if c.IngressHost == "" {
		errs = append(errs, errors.New("INGRESS_HOST must not be empty"))
	}
	if c.BasePath == "" || c.AegraJSONPath == "" {
		errs = append(errs, errors.New("AGENT_PLATFORM_BASE_PATH and AEGRA_JSON_PATH must not be empty"))
	}
	if c.MaxArchiveBytes <= 0 || c.MaxExtractedBytes <= 0 || c.MaxArchiveFiles <= 0 {
		errs = append(errs, errors.New("archive limits must be positive"))
	}
	if c.ExtractWorkers <= 0 {
		errs = append(errs, errors.New("EXTRACT_WORKERS must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"K8S_REQUEST_TIMEOUT": c.K8sRequestTimeout,
		"DEPLOY_TIMEOUT":      c.DeployTimeout,
		"NAMESPACE_TIMEOUT":   c.NamespaceTimeout,
		"POLL_INTERVAL":       c.PollInterval,
		"IDLE_POLL_INTERVAL":  c.IdlePollInterval,
		"RECOVERY_INTERVAL":   c.RecoveryInterval,
		"LOCK_TIMEOUT":        c.LockTimeout,
		"CLAIM_TTL":           c.ClaimTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	return errors.Join(errs...)
}
