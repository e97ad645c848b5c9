// Package lifecycle drives stacks and agents through their states. Public
// methods validate, persist the new state and return immediately; the slow
// cluster and filesystem work runs in the background on a Runner, serialized
// per entity.
package lifecycle

import (
	"context"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
	"github.com/agentplatform/stack-agent-manager/internal/kube"
)

// Cluster is the part of the kube driver the managers use.
type Cluster interface {
	EnsureNamespace(ctx context.Context, name string, labels map[string]string) (controllerutil.OperationResult, error)
	EnsureDeployment(ctx context.Context, desired *appsv1.Deployment) (controllerutil.OperationResult, error)
	EnsureService(ctx context.Context, desired *corev1.Service) (controllerutil.OperationResult, error)
	EnsureIngress(ctx context.Context, desired *networkingv1.Ingress) (controllerutil.OperationResult, error)
	EnsureStackDatabase(ctx context.Context, stackID, namespace string) error
	Delete(ctx context.Context, kind kube.Kind, namespace, name string) error
	GetStatus(ctx context.Context, kind kube.Kind, namespace, name string) (kube.ResourceState, error)
}

var _ Cluster = (*kube.Driver)(nil)

// Notifier is told after every state transition so the status poller can
// switch to its fast interval.
type Notifier interface {
	Trigger()
}

// Options configures both managers.
type Options struct {
	DeployTimeout    time.Duration
	NamespaceTimeout time.Duration
	PollInterval     time.Duration
	Backoff          wait.Backoff

	// StackDatabase provisions a PostgreSQL instance in every stack namespace.
	StackDatabase bool

	Image        string
	IngressClass string
	// TLSSecretName enables TLS on agent ingresses.
	TLSSecretName string
	// GraphsPrefix is the registry path prefix, e.g. ./graphs.
	GraphsPrefix string
	Endpoints    Endpoints
}

const (
	DefaultDeployTimeout    = 5 * time.Minute
	DefaultNamespaceTimeout = 2 * time.Minute
	DefaultPollInterval     = 2 * time.Second
	DefaultGraphsPrefix     = "./graphs"
)

func (o Options) withDefaults() Options {
	if o.DeployTimeout <= 0 {
		o.DeployTimeout = DefaultDeployTimeout
	}
	if o.NamespaceTimeout <= 0 {
		o.NamespaceTimeout = DefaultNamespaceTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Backoff.Steps == 0 {
		o.Backoff = DefaultBackoff
	}
	if o.GraphsPrefix == "" {
		o.GraphsPrefix = DefaultGraphsPrefix
	}
	return o
}

func stackKey(id string) string { return "stack/" + id }
func agentKey(id string) string { return "agent/" + id }

func forbidden(verb, kind string) error {
	return errdefs.Forbiddenf("You can only %s %ss you created", verb, kind)
}

func result(err error) string {
	return errdefs.Class(err)
}

// reasonOf is the status reason recorded for a failed operation.
func reasonOf(step string, err error) string {
	return errdefs.Reason(&stepError{step: step, err: err})
}

type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return e.step + ": " + e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }
