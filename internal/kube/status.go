package kube

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Phase is the normalized state of a cluster object.
type Phase string

const (
	PhaseNotFound Phase = "NotFound"
	PhasePending  Phase = "Pending"
	PhaseReady    Phase = "Ready"
	PhaseFailed   Phase = "Failed"
)

// ResourceState is what GetStatus reports for one object.
type ResourceState struct {
	Phase   Phase
	Message string
	// Address is the in-cluster DNS name of a Service or the host of an
	// Ingress, when known.
	Address string
}

// GetStatus reads an object and normalizes its state. A missing object is
// PhaseNotFound with a nil error; other read failures are classified errors.
func (d *Driver) GetStatus(ctx context.Context, kind Kind, namespace, name string) (ResourceState, error) {
	obj, err := newObject(kind)
	if err != nil {
		return ResourceState{}, err
	}
	key := client.ObjectKey{Namespace: namespace, Name: name}
	if kind == KindNamespace {
		key.Namespace = ""
	}

	if err := d.client.Get(ctx, key, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return ResourceState{Phase: PhaseNotFound, Message: fmt.Sprintf("%s %s not found", kind, key)}, nil
		}
		return ResourceState{}, Classify(fmt.Errorf("reading %s %s: %w", kind, key, err))
	}

	switch o := obj.(type) {
	case *corev1.Namespace:
		return namespaceState(o), nil
	case *appsv1.Deployment:
		return DeploymentState(o), nil
	case *corev1.Service:
		return ResourceState{
			Phase:   PhaseReady,
			Address: fmt.Sprintf("%s.%s.svc", o.Name, o.Namespace),
		}, nil
	case *networkingv1.Ingress:
		return ingressState(o), nil
	case *corev1.PersistentVolumeClaim:
		return pvcState(o), nil
	default:
		return ResourceState{Phase: PhaseReady}, nil
	}
}

func namespaceState(ns *corev1.Namespace) ResourceState {
	if ns.Status.Phase == corev1.NamespaceTerminating {
		return ResourceState{Phase: PhasePending, Message: "namespace is terminating"}
	}
	return ResourceState{Phase: PhaseReady}
}

// DeploymentState derives readiness from replica counts and conditions.
func DeploymentState(dep *appsv1.Deployment) ResourceState {
	for _, cond := range dep.Status.Conditions {
		switch {
		case cond.Type == appsv1.DeploymentProgressing && cond.Status == corev1.ConditionFalse &&
			cond.Reason == "ProgressDeadlineExceeded":
			return ResourceState{Phase: PhaseFailed, Message: conditionMessage("progress deadline exceeded", cond.Message)}
		case cond.Type == appsv1.DeploymentReplicaFailure && cond.Status == corev1.ConditionTrue:
			return ResourceState{Phase: PhaseFailed, Message: conditionMessage("replica failure", cond.Message)}
		}
	}

	if dep.Generation > dep.Status.ObservedGeneration {
		return ResourceState{Phase: PhasePending, Message: "waiting for rollout to be observed"}
	}

	desired := int32(1)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}
	st := dep.Status
	if st.UpdatedReplicas >= desired && st.ReadyReplicas >= desired && st.AvailableReplicas >= desired {
		return ResourceState{Phase: PhaseReady, Message: fmt.Sprintf("%d/%d replicas available", st.AvailableReplicas, desired)}
	}
	return ResourceState{Phase: PhasePending, Message: fmt.Sprintf("%d/%d replicas available", st.AvailableReplicas, desired)}
}

func ingressState(ing *networkingv1.Ingress) ResourceState {
	state := ResourceState{Phase: PhaseReady}
	for _, rule := range ing.Spec.Rules {
		if rule.Host != "" {
			state.Address = rule.Host
			return state
		}
	}
	for _, lb := range ing.Status.LoadBalancer.Ingress {
		if lb.Hostname != "" {
			state.Address = lb.Hostname
			return state
		}
		if lb.IP != "" {
			state.Address = lb.IP
			return state
		}
	}
	return state
}

func pvcState(pvc *corev1.PersistentVolumeClaim) ResourceState {
	switch pvc.Status.Phase {
	case corev1.ClaimLost:
		return ResourceState{Phase: PhaseFailed, Message: "claim lost"}
	case corev1.ClaimPending:
		return ResourceState{Phase: PhasePending, Message: "claim pending"}
	default:
		return ResourceState{Phase: PhaseReady}
	}
}

func conditionMessage(prefix, msg string) string {
	if msg == "" {
		return prefix
	}
	return prefix + ": " + msg
}
