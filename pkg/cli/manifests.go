package cli

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/agentplatform/stack-agent-manager/internal/atomicfile"
	"github.com/agentplatform/stack-agent-manager/internal/config"
	"github.com/agentplatform/stack-agent-manager/internal/fsstore"
	"github.com/agentplatform/stack-agent-manager/internal/kube"
	"github.com/agentplatform/stack-agent-manager/internal/lifecycle"
	"github.com/agentplatform/stack-agent-manager/pkg/models"
)

var (
	manifestStackID string
	manifestAgentID string
	manifestName    string
)

var manifestsCmd = &cobra.Command{
	Use:   "manifests",
	Short: "Print the Kubernetes objects an agent deployment would create",
	Long: `manifests renders the namespace of a stack and the Deployment, Service
and Ingress of one of its agents as YAML, without touching the cluster.
Missing ids are generated.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return renderManifests(cmd.OutOrStdout(), cfg, manifestStackID, manifestAgentID, manifestName)
	},
}

func init() {
	manifestsCmd.Flags().StringVar(&manifestStackID, "stack", "", "Stack id")
	manifestsCmd.Flags().StringVar(&manifestAgentID, "agent", "", "Agent id")
	manifestsCmd.Flags().StringVar(&manifestName, "name", "agent", "Agent display name")
}

func renderManifests(w io.Writer, cfg *config.Config, stackID, agentID, name string) error {
	if stackID == "" {
		stackID = uuid.NewString()
	}
	if agentID == "" {
		agentID = uuid.NewString()
	}

	ns, err := kube.BuildNamespace(stackID)
	if err != nil {
		return err
	}
	fs := fsstore.New(cfg.BasePath, fsstore.Options{Logger: log.Logger})
	dir, err := fs.AgentDir(stackID, agentID)
	if err != nil {
		return err
	}
	registry := fsstore.NewGraphRegistry(cfg.AegraJSONPath, atomicfile.WithLogger(log.Logger))

	// Rendering needs neither the database nor the cluster.
	agents := lifecycle.NewAgentManager(nil, fs, registry, nil, nil, managerOptions(cfg), nil, log.Logger)
	objs, err := agents.Workload(
		&models.Stack{ID: stackID, Namespace: ns.Name},
		&models.Agent{ID: agentID, StackID: stackID, Name: name, DiskPath: dir},
	)
	if err != nil {
		return err
	}

	for i, obj := range []any{ns, objs.Deployment, objs.Service, objs.Ingress} {
		out, err := yaml.Marshal(obj)
		if err != nil {
			return fmt.Errorf("marshal manifest: %w", err)
		}
		if i > 0 {
			if _, err := io.WriteString(w, "---\n"); err != nil {
				return err
			}
		}
		if _, err := w.Write(out); err != nil {
			return err
		}
	}
	return nil
}
