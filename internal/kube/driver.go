// Package kube is the thin translation layer between domain intent and the
// Kubernetes API. Every Ensure call is an upsert keyed by deterministic
// names, Delete treats NotFound as success, and no call retries: errors are
// classified with Classify and retry policy is left to the caller.
package kube

import (
	"context"
	"fmt"
	"maps"

	"github.com/rs/zerolog"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/agentplatform/stack-agent-manager/internal/naming"
)

// Kind names an object type handled by the driver.
type Kind string

const (
	KindNamespace             Kind = "Namespace"
	KindDeployment            Kind = "Deployment"
	KindService               Kind = "Service"
	KindIngress               Kind = "Ingress"
	KindSecret                Kind = "Secret"
	KindPersistentVolumeClaim Kind = "PersistentVolumeClaim"
)

const (
	managedByLabel = naming.LabelManagedBy
	managedByValue = naming.ManagedByValue
)

// NewScheme returns a scheme with the built-in types the driver uses.
func NewScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	return scheme
}

// Driver issues create/read/update/delete calls for the objects backing
// stacks and agents.
type Driver struct {
	client client.Client
	logger zerolog.Logger
}

// NewDriver returns a Driver using c.
func NewDriver(c client.Client, logger zerolog.Logger) *Driver {
	return &Driver{
		client: c,
		logger: logger.With().Str("component", "kube-driver").Logger(),
	}
}

// EnsureNamespace creates the namespace or confirms it exists, merging labels.
func (d *Driver) EnsureNamespace(ctx context.Context, name string, labels map[string]string) (controllerutil.OperationResult, error) {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	return d.upsert(ctx, KindNamespace, ns, func() error {
		if ns.Status.Phase == corev1.NamespaceTerminating {
			return fmt.Errorf("%s: %w", name, ErrNamespaceTerminating)
		}
		mergeLabels(ns, labels)
		return nil
	})
}

// EnsureDeployment upserts a Deployment. The selector is only set on create
// since it is immutable. The pod template is replaced only when a field set
// in desired differs from the live object, so fields the API server
// defaulted do not count as drift.
func (d *Driver) EnsureDeployment(ctx context.Context, desired *appsv1.Deployment) (controllerutil.OperationResult, error) {
	obj := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	return d.upsert(ctx, KindDeployment, obj, func() error {
		mergeLabels(obj, desired.Labels)
		mergeAnnotations(obj, desired.Annotations)
		if obj.Spec.Selector == nil {
			obj.Spec.Selector = desired.Spec.Selector.DeepCopy()
		}
		if !equality.Semantic.DeepEqual(obj.Spec.Replicas, desired.Spec.Replicas) {
			obj.Spec.Replicas = desired.Spec.Replicas
		}
		if !equality.Semantic.DeepDerivative(desired.Spec.Template, obj.Spec.Template) {
			obj.Spec.Template = *desired.Spec.Template.DeepCopy()
		}
		return nil
	})
}

// EnsureService upserts a Service, leaving the allocated ClusterIP and other
// defaulted fields alone.
func (d *Driver) EnsureService(ctx context.Context, desired *corev1.Service) (controllerutil.OperationResult, error) {
	obj := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	return d.upsert(ctx, KindService, obj, func() error {
		mergeLabels(obj, desired.Labels)
		if desired.Spec.Type != "" {
			obj.Spec.Type = desired.Spec.Type
		}
		if !equality.Semantic.DeepEqual(obj.Spec.Selector, desired.Spec.Selector) {
			obj.Spec.Selector = maps.Clone(desired.Spec.Selector)
		}
		if !equality.Semantic.DeepDerivative(desired.Spec.Ports, obj.Spec.Ports) {
			obj.Spec.Ports = append([]corev1.ServicePort(nil), desired.Spec.Ports...)
		}
		return nil
	})
}

// EnsureIngress upserts an Ingress.
func (d *Driver) EnsureIngress(ctx context.Context, desired *networkingv1.Ingress) (controllerutil.OperationResult, error) {
	obj := &networkingv1.Ingress{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	return d.upsert(ctx, KindIngress, obj, func() error {
		mergeLabels(obj, desired.Labels)
		mergeAnnotations(obj, desired.Annotations)
		desiredSpec := desired.Spec.DeepCopy()
		if !equality.Semantic.DeepEqual(obj.Spec.IngressClassName, desiredSpec.IngressClassName) {
			obj.Spec.IngressClassName = desiredSpec.IngressClassName
		}
		if !equality.Semantic.DeepDerivative(desiredSpec.Rules, obj.Spec.Rules) {
			obj.Spec.Rules = desiredSpec.Rules
		}
		if !equality.Semantic.DeepEqual(obj.Spec.TLS, desiredSpec.TLS) {
			obj.Spec.TLS = desiredSpec.TLS
		}
		return nil
	})
}

// EnsureSecret creates a Secret. Existing data keys are never overwritten so
// generated credentials survive repeated calls.
func (d *Driver) EnsureSecret(ctx context.Context, desired *corev1.Secret) (controllerutil.OperationResult, error) {
	obj := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	return d.upsert(ctx, KindSecret, obj, func() error {
		mergeLabels(obj, desired.Labels)
		if obj.Type == "" {
			obj.Type = desired.Type
		}
		if obj.Data == nil {
			obj.Data = map[string][]byte{}
		}
		for k, v := range desired.Data {
			if _, ok := obj.Data[k]; !ok {
				obj.Data[k] = v
			}
		}
		return nil
	})
}

// EnsurePersistentVolumeClaim creates a claim. The spec is only set on create.
func (d *Driver) EnsurePersistentVolumeClaim(ctx context.Context, desired *corev1.PersistentVolumeClaim) (controllerutil.OperationResult, error) {
	obj := &corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	return d.upsert(ctx, KindPersistentVolumeClaim, obj, func() error {
		mergeLabels(obj, desired.Labels)
		if len(obj.Spec.AccessModes) == 0 {
			obj.Spec = *desired.Spec.DeepCopy()
		}
		return nil
	})
}

// Delete removes an object. A missing object is success. namespace is
// ignored for namespaces.
func (d *Driver) Delete(ctx context.Context, kind Kind, namespace, name string) error {
	obj, err := newObject(kind)
	if err != nil {
		return err
	}
	obj.SetName(name)
	if kind != KindNamespace {
		obj.SetNamespace(namespace)
	}

	err = d.client.Delete(ctx, obj, client.PropagationPolicy(metav1.DeletePropagationBackground))
	if err != nil && !apierrors.IsNotFound(err) {
		return Classify(fmt.Errorf("deleting %s %s/%s: %w", kind, namespace, name, err))
	}

	d.logger.Debug().
		Str("kind", string(kind)).
		Str("namespace", namespace).
		Str("name", name).
		Bool("existed", err == nil).
		Msg("deleted object")
	return nil
}

func (d *Driver) upsert(ctx context.Context, kind Kind, obj client.Object, mutate controllerutil.MutateFn) (controllerutil.OperationResult, error) {
	op, err := controllerutil.CreateOrUpdate(ctx, d.client, obj, func() error {
		if err := mutate(); err != nil {
			return err
		}
		setManagedBy(obj)
		return nil
	})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			// Lost a create race; the next attempt takes the update path.
			return op, fmt.Errorf("%w: %s %s: %w", ErrClusterUnreachable, kind, client.ObjectKeyFromObject(obj), err)
		}
		return op, Classify(fmt.Errorf("ensuring %s %s: %w", kind, client.ObjectKeyFromObject(obj), err))
	}

	if op != controllerutil.OperationResultNone {
		d.logger.Info().
			Str("kind", string(kind)).
			Str("namespace", obj.GetNamespace()).
			Str("name", obj.GetName()).
			Str("operation", string(op)).
			Msg("applied object")
	}
	return op, nil
}

func newObject(kind Kind) (client.Object, error) {
	switch kind {
	case KindNamespace:
		return &corev1.Namespace{}, nil
	case KindDeployment:
		return &appsv1.Deployment{}, nil
	case KindService:
		return &corev1.Service{}, nil
	case KindIngress:
		return &networkingv1.Ingress{}, nil
	case KindSecret:
		return &corev1.Secret{}, nil
	case KindPersistentVolumeClaim:
		return &corev1.PersistentVolumeClaim{}, nil
	default:
		return nil, fmt.Errorf("unknown resource kind: %s", kind)
	}
}

// setManagedBy marks obj as owned by the service.
func setManagedBy(obj client.Object) {
	labels := obj.GetLabels()
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[managedByLabel] = managedByValue
	obj.SetLabels(labels)
}

func mergeLabels(obj client.Object, desired map[string]string) {
	if len(desired) == 0 {
		return
	}
	labels := obj.GetLabels()
	if labels == nil {
		labels = make(map[string]string, len(desired))
	}
	maps.Copy(labels, desired)
	obj.SetLabels(labels)
}

func mergeAnnotations(obj client.Object, desired map[string]string) {
	if len(desired) == 0 {
		return
	}
	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = make(map[string]string, len(desired))
	}
	maps.Copy(annotations, desired)
	obj.SetAnnotations(annotations)
}
