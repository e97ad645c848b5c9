// Package cluster builds the Kubernetes client configuration the service
// talks to: an explicit kubeconfig/context, static credentials, or the
// in-cluster service account.
package cluster

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/agentplatform/stack-agent-manager/internal/version"
)

const (
	// DefaultRequestTimeout bounds every API request.
	DefaultRequestTimeout = 15 * time.Second

	defaultQPS   = 50
	defaultBurst = 100
)

// Source selects where the cluster credentials come from.
type Source struct {
	// Kubeconfig is a kubeconfig path. Empty means in-cluster, then the
	// default loading rules ($KUBECONFIG, ~/.kube/config).
	Kubeconfig string
	// Context overrides the kubeconfig's current context.
	Context string
	// Host, CAData and Token configure a static connection when Host is set.
	Host   string
	CAData string
	Token  string
	// RequestTimeout is applied to the rest.Config.
	RequestTimeout time.Duration
}

// Factory resolves and caches the rest.Config and client for a Source.
type Factory struct {
	source Source
	logger zerolog.Logger

	// inCluster is swapped out in tests.
	inCluster func() (*rest.Config, error)

	mu     sync.Mutex
	config *rest.Config
	client client.Client
}

// NewFactory creates a Factory for source.
func NewFactory(source Source, logger zerolog.Logger) *Factory {
	if source.RequestTimeout <= 0 {
		source.RequestTimeout = DefaultRequestTimeout
	}
	return &Factory{
		source:    source,
		logger:    logger.With().Str("component", "cluster-factory").Logger(),
		inCluster: rest.InClusterConfig,
	}
}

// RESTConfig returns the resolved configuration. It is computed once.
func (f *Factory) RESTConfig() (*rest.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.config != nil {
		return rest.CopyConfig(f.config), nil
	}

	config, how, err := f.resolve()
	if err != nil {
		return nil, err
	}

	config.Timeout = f.source.RequestTimeout
	config.QPS = defaultQPS
	config.Burst = defaultBurst
	config.UserAgent = "stack-agent-manager/" + version.Version

	f.logger.Info().
		Str("source", how).
		Str("host", config.Host).
		Dur("timeout", config.Timeout).
		Msg("resolved cluster config")

	f.config = config
	return rest.CopyConfig(config), nil
}

// Client returns a controller-runtime client for scheme. The client is
// created on first use and reused afterwards.
func (f *Factory) Client(scheme *runtime.Scheme) (client.Client, error) {
	config, err := f.RESTConfig()
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client, nil
	}
	c, err := client.New(config, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create client from config: %w", err)
	}
	f.client = c
	return c, nil
}

func (f *Factory) resolve() (*rest.Config, string, error) {
	switch {
	case f.source.Host != "":
		c, err := f.createStaticConfig()
		return c, "static", err
	case f.source.Kubeconfig != "":
		c, err := f.fromKubeconfig(f.source.Kubeconfig)
		return c, "kubeconfig", err
	}

	if c, err := f.inCluster(); err == nil {
		return c, "in-cluster", nil
	} else if !errors.Is(err, rest.ErrNotInCluster) {
		f.logger.Debug().Err(err).Msg("in-cluster config unavailable")
	}

	c, err := f.fromKubeconfig("")
	if err != nil {
		return nil, "", fmt.Errorf("no cluster configuration found: %w", err)
	}
	return c, "default-kubeconfig", nil
}

// fromKubeconfig loads path, or the default loading rules when path is empty,
// applying the context override.
func (f *Factory) fromKubeconfig(path string) (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("kubeconfig %s: %w", path, err)
		}
		rules.ExplicitPath = path
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: f.source.Context}
	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	return config, nil
}
