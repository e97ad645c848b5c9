// Package naming derives Kubernetes object names, ingress paths and on-disk
// locations from stack and agent ids. Everything here is a pure function of
// its inputs so a retried operation always targets the same objects.
package naming

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/stoewer/go-strcase"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
	"github.com/agentplatform/stack-agent-manager/internal/validation"
)

const (
	namespacePrefix = "stack-"
	agentPrefix     = "agent-"

	// GraphIDSeparator joins stack and agent ids in a graph registry key.
	GraphIDSeparator = "__"

	// ArchiveFile and ExtractedDir are the fixed entries of an agent directory.
	ArchiveFile  = "agent.zip"
	ExtractedDir = "extracted"

	// GraphFile is the entrypoint the runtime loads from an agent's code.
	GraphFile = "graph.py"
	// GraphSymbol is the attribute exported by GraphFile.
	GraphSymbol = "graph"

	// RuntimeWorkDir is the working directory of the agent runtime container.
	RuntimeWorkDir = "/app"
)

// Label keys set on every object the service manages.
const (
	LabelDomain    = "stack-agent-manager.io"
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelApp       = "app"
	ManagedByValue = "stack-agent-manager"
)

// ErrInvalidIdentifier is returned for ids that are not UUIDs.
var ErrInvalidIdentifier = fmt.Errorf("%w: invalid identifier", errdefs.ErrValidation)

// CanonicalID parses id and returns its canonical lowercase form.
func CanonicalID(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidIdentifier, id, err)
	}
	// uuid.Parse accepts urn and braced forms; only the bare form is an id.
	if len(id) != 36 {
		return "", fmt.Errorf("%w %q: not in canonical form", ErrInvalidIdentifier, id)
	}
	return parsed.String(), nil
}

// NamespaceFor returns the namespace backing a stack.
func NamespaceFor(stackID string) (string, error) {
	id, err := CanonicalID(stackID)
	if err != nil {
		return "", err
	}
	return checked(namespacePrefix + id)
}

// DeploymentNameFor returns the Deployment name of an agent.
func DeploymentNameFor(agentID string) (string, error) {
	return agentObjectName(agentID)
}

// ServiceNameFor returns the Service name of an agent.
func ServiceNameFor(agentID string) (string, error) {
	return agentObjectName(agentID)
}

// IngressNameFor returns the Ingress name of an agent.
func IngressNameFor(agentID string) (string, error) {
	return agentObjectName(agentID)
}

// IngressPathFor returns the HTTP path prefix routed to an agent.
func IngressPathFor(stackID, agentID string) (string, error) {
	s, a, err := pair(stackID, agentID)
	if err != nil {
		return "", err
	}
	return "/stacks/" + s + "/agents/" + a + "/", nil
}

// GraphIDFor returns the graph registry key of an agent.
func GraphIDFor(stackID, agentID string) (string, error) {
	s, a, err := pair(stackID, agentID)
	if err != nil {
		return "", err
	}
	return s + GraphIDSeparator + a, nil
}

// StackDir returns the directory holding a stack's agents.
func StackDir(root, stackID string) (string, error) {
	id, err := CanonicalID(stackID)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "stacks", id), nil
}

// AgentDir returns the directory holding an agent's archive and extracted code.
func AgentDir(root, stackID, agentID string) (string, error) {
	s, a, err := pair(stackID, agentID)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "stacks", s, "agents", a), nil
}

// GraphRelDir is the agent directory relative to the graphs mount, as seen by the runtime.
func GraphRelDir(stackID, agentID string) (string, error) {
	s, a, err := pair(stackID, agentID)
	if err != nil {
		return "", err
	}
	return path.Join(s, "agents", a), nil
}

// GraphPath returns the registry value for an agent, for example
// ./graphs/<stack>/agents/<agent>/extracted/<slug>/graph.py:graph.
// An empty slug means graph.py sits at the root of the archive.
func GraphPath(prefix, stackID, agentID, slug string) (string, error) {
	rel, err := GraphRelDir(stackID, agentID)
	if err != nil {
		return "", err
	}
	if strings.Contains(slug, "..") || strings.ContainsAny(slug, `/\`) {
		return "", fmt.Errorf("%w: invalid graph slug %q", errdefs.ErrValidation, slug)
	}
	p := path.Join(prefix, rel, ExtractedDir, slug, GraphFile)
	if strings.HasPrefix(prefix, "./") && !strings.HasPrefix(p, "./") {
		p = "./" + p
	}
	return p + ":" + GraphSymbol, nil
}

// RuntimeMountPath is where an agent's directory is mounted inside its
// container so that GraphPath resolves relative to RuntimeWorkDir.
func RuntimeMountPath(prefix, stackID, agentID string) (string, error) {
	rel, err := GraphRelDir(stackID, agentID)
	if err != nil {
		return "", err
	}
	return path.Join(RuntimeWorkDir, prefix, rel), nil
}

// LabelKey returns a label key under the service's domain, e.g. LabelKey("StackID")
// is stack-agent-manager.io/stack-id.
func LabelKey(name string) string {
	return LabelDomain + "/" + strcase.KebabCase(name)
}

// DisplayLabel turns a display name into a label value. Word boundaries in
// camel case names are kept as dashes.
func DisplayLabel(name string) string {
	return validation.SanitizeName(strcase.KebabCase(name))
}

// StackLabels returns the labels set on a stack's namespace.
func StackLabels(stackID string) map[string]string {
	return map[string]string{
		LabelManagedBy:      ManagedByValue,
		LabelKey("StackID"): stackID,
	}
}

// AgentLabels returns the labels set on an agent's objects. The app label is
// also the Deployment selector.
func AgentLabels(stackID, agentID string) (map[string]string, error) {
	name, err := agentObjectName(agentID)
	if err != nil {
		return nil, err
	}
	labels := StackLabels(stackID)
	labels[LabelKey("AgentID")] = agentID
	labels[LabelApp] = name
	return labels, nil
}

func agentObjectName(agentID string) (string, error) {
	id, err := CanonicalID(agentID)
	if err != nil {
		return "", err
	}
	return checked(agentPrefix + id)
}

func pair(stackID, agentID string) (string, string, error) {
	s, err := CanonicalID(stackID)
	if err != nil {
		return "", "", err
	}
	a, err := CanonicalID(agentID)
	if err != nil {
		return "", "", err
	}
	return s, a, nil
}

func checked(name string) (string, error) {
	if err := validation.ValidateDNSLabel(name); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidIdentifier, err)
	}
	return name, nil
}
