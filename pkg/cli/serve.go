package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/agentplatform/stack-agent-manager/internal/atomicfile"
	"github.com/agentplatform/stack-agent-manager/internal/cluster"
	"github.com/agentplatform/stack-agent-manager/internal/config"
	"github.com/agentplatform/stack-agent-manager/internal/controller"
	"github.com/agentplatform/stack-agent-manager/internal/fsstore"
	"github.com/agentplatform/stack-agent-manager/internal/httpapi"
	"github.com/agentplatform/stack-agent-manager/internal/kube"
	"github.com/agentplatform/stack-agent-manager/internal/lifecycle"
	"github.com/agentplatform/stack-agent-manager/internal/store"
	"github.com/agentplatform/stack-agent-manager/internal/telemetry"
	"github.com/agentplatform/stack-agent-manager/internal/version"
)

const leaderElectionID = "stack-agent-manager.agentplatform.dev"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, status poller and recovery loop",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		factory := cluster.NewFactory(clusterSource(cfg), log.Logger)
		restConfig, err := factory.RESTConfig()
		if err != nil {
			return fmt.Errorf("resolve cluster config: %w", err)
		}
		c, err := factory.Client(kube.NewScheme())
		if err != nil {
			return fmt.Errorf("create cluster client: %w", err)
		}
		return run(ctrl.SetupSignalHandler(), cfg, restConfig, c)
	},
}

// Run starts the service against restConfig and blocks until ctx is done.
func Run(ctx context.Context, cfg *config.Config, restConfig *rest.Config) error {
	c, err := client.New(restConfig, client.Options{Scheme: kube.NewScheme()})
	if err != nil {
		return fmt.Errorf("create cluster client: %w", err)
	}
	return run(ctx, cfg, restConfig, c)
}

func run(ctx context.Context, cfg *config.Config, restConfig *rest.Config, c client.Client) error {
	logger := log.Logger

	logger.Info().
		Str("version", version.Version).
		Str("commit", version.GitCommit).
		Str("build-date", version.BuildDate).
		Str("http-addr", cfg.HTTPAddr).
		Str("metrics-addr", cfg.MetricsAddr).
		Str("probe-addr", cfg.ProbeAddr).
		Str("auth-mode", cfg.AuthMode).
		Str("base-path", cfg.BasePath).
		Bool("leader-elect", cfg.LeaderElection).
		Str("replica-id", replicaID(cfg)).
		Msg("starting stack agent manager")

	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme: kube.NewScheme(),
		Metrics: server.Options{
			BindAddress: cfg.MetricsAddr,
		},
		HealthProbeBindAddress: cfg.ProbeAddr,
		LeaderElection:         cfg.LeaderElection,
		LeaderElectionID:       leaderElectionID,
	})
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	metrics, shutdownMetrics, err := telemetry.Init(ctrlmetrics.Registry, version.Version)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("metrics shutdown failed")
		}
	}()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing database failed")
		}
	}()

	fs := fsstore.New(cfg.BasePath, fsstore.Options{
		Limits: fsstore.Limits{
			MaxArchiveBytes:   cfg.MaxArchiveBytes,
			MaxFiles:          cfg.MaxArchiveFiles,
			MaxExtractedBytes: cfg.MaxExtractedBytes,
		},
		Workers: int64(cfg.ExtractWorkers),
		Metrics: metrics,
		Logger:  logger,
	})
	registry := fsstore.NewGraphRegistry(cfg.AegraJSONPath,
		atomicfile.WithLockTimeout(cfg.LockTimeout),
		atomicfile.WithLogger(logger),
	).WithMetrics(metrics).WithLogger(logger)

	driver := kube.NewDriver(c, logger)
	runner := lifecycle.NewRunner(logger).WithClaims(st, replicaID(cfg), cfg.ClaimTTL)
	opts := managerOptions(cfg)

	agents := lifecycle.NewAgentManager(st, fs, registry, driver, runner, opts, metrics, logger)
	stacks := lifecycle.NewStackManager(st, fs, driver, agents, runner, opts, metrics, logger)

	poller := controller.NewStatusPoller(st, driver, controller.PollerOptions{
		Interval:       cfg.PollInterval,
		IdleInterval:   cfg.IdlePollInterval,
		Endpoints:      opts.Endpoints,
		LeaderElection: cfg.LeaderElection,
	}, metrics, logger)
	agents.SetNotifier(poller)
	stacks.SetNotifier(poller)

	recoverer := controller.NewRecoverer(st, stacks, agents, controller.RecovererOptions{
		Interval:       cfg.RecoveryInterval,
		LeaderElection: cfg.LeaderElection,
	}, logger)

	auth, err := httpapi.NewAuthenticator(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("configure authentication: %w", err)
	}
	api := httpapi.NewServer(stacks, agents, auth, httpapi.Options{
		CORSOrigins:     cfg.CORSOrigins,
		MaxArchiveBytes: cfg.MaxArchiveBytes,
		Ready:           st.Ping,
	}, logger)

	for name, r := range map[string]manager.Runnable{
		"runner":    runner,
		"poller":    poller,
		"recoverer": recoverer,
		"httpapi":   api.Runnable(cfg.HTTPAddr),
	} {
		if err := mgr.Add(r); err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("add health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("database", func(req *http.Request) error {
		return st.Ping(req.Context())
	}); err != nil {
		return fmt.Errorf("add ready check: %w", err)
	}

	logger.Info().Msg("starting manager")
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("run manager: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store.Store, error) {
	st, err := store.Open(ctx, store.Config{DSN: cfg.DatabaseURL}, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return st, nil
}

// replicaID names this process in entity claims.
func replicaID(cfg *config.Config) string {
	if cfg.ReplicaID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "replica"
		}
		cfg.ReplicaID = host + "-" + uuid.NewString()[:8]
	}
	return cfg.ReplicaID
}

func clusterSource(cfg *config.Config) cluster.Source {
	return cluster.Source{
		Kubeconfig:     cfg.Kubeconfig,
		Context:        cfg.KubeContext,
		RequestTimeout: cfg.K8sRequestTimeout,
	}
}

func managerOptions(cfg *config.Config) lifecycle.Options {
	return lifecycle.Options{
		DeployTimeout:    cfg.DeployTimeout,
		NamespaceTimeout: cfg.NamespaceTimeout,
		PollInterval:     cfg.PollInterval,
		StackDatabase:    cfg.StackPostgres,
		Image:            cfg.AgentImage,
		IngressClass:     cfg.IngressClass,
		TLSSecretName:    cfg.TLSSecretName,
		GraphsPrefix:     cfg.GraphsMountPrefix,
		Endpoints: lifecycle.Endpoints{
			Scheme:        cfg.PublicScheme,
			Host:          cfg.IngressHost,
			ChatUIBaseURL: cfg.ChatUIBaseURL,
		},
	}
}
