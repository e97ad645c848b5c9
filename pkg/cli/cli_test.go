package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"sigs.k8s.io/yaml"

	"github.com/agentplatform/stack-agent-manager/internal/config"
	"github.com/agentplatform/stack-agent-manager/internal/version"
)

const (
	testStackID = "0b6f6c1e-3a43-4c43-9b4f-2f4f0d4d1a11"
	testAgentID = "7c1d2e3f-4a5b-4c6d-8e9f-0a1b2c3d4e5f"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		BasePath:          dir,
		AegraJSONPath:     dir + "/aegra/aegra.json",
		GraphsMountPrefix: "./graphs",
		AgentImage:        "registry.example.com/runtime:1.2.3",
		IngressHost:       "agents.example.com",
		IngressClass:      "nginx",
		PublicScheme:      "https",
		ChatUIBaseURL:     "https://chat.example.com",
		DeployTimeout:     time.Minute,
		NamespaceTimeout:  time.Minute,
		PollInterval:      time.Second,
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"debug":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestRenderManifests(t *testing.T) {
	cfg := testConfig(t)

	var buf bytes.Buffer
	require.NoError(t, renderManifests(&buf, cfg, testStackID, testAgentID, "Support Bot"))

	docs := strings.Split(buf.String(), "---\n")
	require.Len(t, docs, 4)

	var ns corev1.Namespace
	require.NoError(t, yaml.Unmarshal([]byte(docs[0]), &ns))
	assert.Equal(t, "Namespace", ns.Kind)
	assert.Equal(t, "stack-"+testStackID, ns.Name)

	var deploy appsv1.Deployment
	require.NoError(t, yaml.Unmarshal([]byte(docs[1]), &deploy))
	assert.Equal(t, "Deployment", deploy.Kind)
	assert.Equal(t, ns.Name, deploy.Namespace)
	require.Len(t, deploy.Spec.Template.Spec.Containers, 1)
	assert.Equal(t, cfg.AgentImage, deploy.Spec.Template.Spec.Containers[0].Image)

	var svc corev1.Service
	require.NoError(t, yaml.Unmarshal([]byte(docs[2]), &svc))
	assert.Equal(t, "Service", svc.Kind)

	var ing networkingv1.Ingress
	require.NoError(t, yaml.Unmarshal([]byte(docs[3]), &ing))
	assert.Equal(t, "Ingress", ing.Kind)
	require.Len(t, ing.Spec.Rules, 1)
	assert.Equal(t, cfg.IngressHost, ing.Spec.Rules[0].Host)
}

func TestRenderManifests_GeneratesIDs(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderManifests(&buf, testConfig(t), "", "", "agent"))
	assert.Contains(t, buf.String(), "kind: Namespace")
	assert.Contains(t, buf.String(), "kind: Ingress")
}

func TestRenderManifests_InvalidID(t *testing.T) {
	var buf bytes.Buffer
	err := renderManifests(&buf, testConfig(t), "not-a-uuid", testAgentID, "agent")
	assert.Error(t, err)
	assert.Empty(t, buf.String())
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	assert.Equal(t, version.String()+"\n", buf.String())
}

func TestManagerOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.TLSSecretName = "agents-tls"
	cfg.StackPostgres = true

	opts := managerOptions(cfg)
	assert.Equal(t, cfg.AgentImage, opts.Image)
	assert.Equal(t, "agents-tls", opts.TLSSecretName)
	assert.True(t, opts.StackDatabase)
	assert.Equal(t, "agents.example.com", opts.Endpoints.Host)
	assert.Equal(t, "https://chat.example.com", opts.Endpoints.ChatUIBaseURL)
}

func TestReplicaID(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReplicaID = "manager-0"
	assert.Equal(t, "manager-0", replicaID(cfg))

	cfg.ReplicaID = ""
	generated := replicaID(cfg)
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, replicaID(cfg), "the generated id is kept")
	assert.NotEqual(t, generated, replicaID(testConfig(t)), "each process gets its own id")
}
