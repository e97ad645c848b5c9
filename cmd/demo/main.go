package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"sigs.k8s.io/controller-runtime/pkg/envtest"

	"github.com/agentplatform/stack-agent-manager/internal/config"
	"github.com/agentplatform/stack-agent-manager/pkg/cli"
)

func main() {
	var (
		httpAddr string
		keepData bool
	)

	flag.StringVar(&httpAddr, "http-api-address", ":8080", "The address the HTTP API server binds to.")
	flag.BoolVar(&keepData, "keep-data", false, "Keep the demo data directory on exit.")
	flag.Parse()

	cli.SetupLogging("debug")
	log.Info().Msg("=== Stack Agent Manager Demo ===")

	dataDir, err := os.MkdirTemp("", "stack-agent-manager-demo-")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create data directory")
	}

	// Agent workloads never become ready without a kubelet, envtest only
	// runs the API server.
	log.Info().Msg("starting envtest...")
	env := &envtest.Environment{}
	restConfig, err := env.Start()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start envtest")
	}
	log.Info().Str("host", restConfig.Host).Msg("envtest started")

	kubeconfigPath, err := writeKubeconfig(env)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to write kubeconfig")
	}

	cfg, err := demoConfig(dataDir, httpAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid demo configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Println()
	fmt.Println("════════════════════════════════════════════════════════")
	fmt.Println("  Demo Running")
	fmt.Println("════════════════════════════════════════════════════════")
	fmt.Printf("  API:        http://localhost%s/api\n", httpAddr)
	fmt.Printf("  OpenAPI:    http://localhost%s/docs\n", httpAddr)
	fmt.Printf("  Data:       %s\n", dataDir)
	fmt.Printf("  Kubeconfig: %s\n", kubeconfigPath)
	fmt.Println()
	fmt.Println("  Example commands:")
	fmt.Printf("  curl -X POST http://localhost%s/api/stacks -H 'Content-Type: application/json' -d '{\"name\":\"demo\"}'\n", httpAddr)
	fmt.Printf("  curl http://localhost%s/api/stacks\n", httpAddr)
	fmt.Println("  kubectl --kubeconfig=" + kubeconfigPath + " get namespaces")
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println("════════════════════════════════════════════════════════")

	if err := cli.Run(ctx, cfg, restConfig); err != nil {
		log.Error().Err(err).Msg("service stopped with error")
	}

	log.Info().Msg("shutting down...")
	if err := env.Stop(); err != nil {
		log.Warn().Err(err).Msg("failed to stop envtest")
	}
	os.Remove(kubeconfigPath)
	if !keepData {
		os.RemoveAll(dataDir)
	}
}

// demoConfig loads the defaults and points every path into dataDir.
func demoConfig(dataDir, httpAddr string) (*config.Config, error) {
	os.Setenv("AUTH_MODE", config.AuthNone)
	os.Setenv("DATABASE_URL", filepath.Join(dataDir, "demo.db"))
	os.Setenv("AGENT_PLATFORM_BASE_PATH", filepath.Join(dataDir, "agents"))
	os.Setenv("AEGRA_JSON_PATH", filepath.Join(dataDir, "aegra", "aegra.json"))
	os.Setenv("INGRESS_HOST", "localhost")
	os.Setenv("PUBLIC_SCHEME", "http")
	os.Setenv("HTTP_ADDR", httpAddr)
	os.Setenv("METRICS_ADDR", "0")
	os.Setenv("PROBE_ADDR", "0")
	return config.Load()
}

func writeKubeconfig(env *envtest.Environment) (string, error) {
	if len(env.KubeConfig) == 0 {
		return "", fmt.Errorf("no kubeconfig from envtest")
	}
	kubeconfigPath := "./demo-kubeconfig.yaml"
	if err := os.WriteFile(kubeconfigPath, env.KubeConfig, 0600); err != nil {
		return "", err
	}
	return kubeconfigPath, nil
}
