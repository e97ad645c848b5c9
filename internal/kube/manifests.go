package kube

import (
	"fmt"
	"maps"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/agentplatform/stack-agent-manager/internal/naming"
)

const (
	// DefaultAgentImage is the agent runtime image.
	DefaultAgentImage = "iad.ocir.io/tenant/aegra-runtime:latest"

	RuntimeContainerName = "aegra"
	RuntimePort          = 8000
	ServicePort          = 80

	agentCodeVolume = "agent-code"
	registryVolume  = "graph-registry"
	registryMount   = "/app/aegra"
)

// AgentWorkload is everything needed to render an agent's objects.
type AgentWorkload struct {
	StackID   string
	AgentID   string
	AgentName string
	Namespace string
	Image     string
	// HostPath is the agent directory on the node.
	HostPath string
	// GraphsPrefix is the registry path prefix, e.g. "./graphs".
	GraphsPrefix string
	// RegistryHostDir, when set, is mounted read-only so the runtime can
	// read the graph registry.
	RegistryHostDir  string
	RegistryFileName string
	IngressHost      string
	IngressClass     string
	// TLSSecretName enables TLS on the ingress when set.
	TLSSecretName string
}

// AgentObjects are the rendered objects backing an agent.
type AgentObjects struct {
	Deployment *appsv1.Deployment
	Service    *corev1.Service
	Ingress    *networkingv1.Ingress
}

// BuildNamespace renders the namespace of a stack.
func BuildNamespace(stackID string) (*corev1.Namespace, error) {
	name, err := naming.NamespaceFor(stackID)
	if err != nil {
		return nil, err
	}
	return &corev1.Namespace{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Namespace"},
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: naming.StackLabels(stackID),
		},
	}, nil
}

// BuildAgentObjects renders the Deployment, Service and Ingress of an agent.
// Names and labels derive only from the ids, so rendering is repeatable.
func BuildAgentObjects(w AgentWorkload) (AgentObjects, error) {
	name, err := naming.DeploymentNameFor(w.AgentID)
	if err != nil {
		return AgentObjects{}, err
	}
	labels, err := naming.AgentLabels(w.StackID, w.AgentID)
	if err != nil {
		return AgentObjects{}, err
	}
	path, err := naming.IngressPathFor(w.StackID, w.AgentID)
	if err != nil {
		return AgentObjects{}, err
	}
	mountPath, err := naming.RuntimeMountPath(w.GraphsPrefix, w.StackID, w.AgentID)
	if err != nil {
		return AgentObjects{}, err
	}
	if w.Namespace == "" {
		return AgentObjects{}, fmt.Errorf("namespace is required")
	}
	if w.HostPath == "" {
		return AgentObjects{}, fmt.Errorf("host path is required")
	}
	image := w.Image
	if image == "" {
		image = DefaultAgentImage
	}

	annotations := map[string]string{}
	if w.AgentName != "" {
		annotations[naming.LabelKey("AgentName")] = w.AgentName
	}

	return AgentObjects{
		Deployment: buildDeployment(w, name, image, mountPath, labels, annotations),
		Service:    buildService(w, name, labels),
		Ingress:    buildIngress(w, name, path, labels),
	}, nil
}

func buildDeployment(w AgentWorkload, name, image, mountPath string, labels, annotations map[string]string) *appsv1.Deployment {
	selector := map[string]string{naming.LabelApp: name}

	volumes := []corev1.Volume{{
		Name: agentCodeVolume,
		VolumeSource: corev1.VolumeSource{
			HostPath: &corev1.HostPathVolumeSource{
				Path: w.HostPath,
				Type: ptr.To(corev1.HostPathDirectory),
			},
		},
	}}
	mounts := []corev1.VolumeMount{{Name: agentCodeVolume, MountPath: mountPath, ReadOnly: true}}
	var env []corev1.EnvVar

	if w.RegistryHostDir != "" {
		volumes = append(volumes, corev1.Volume{
			Name: registryVolume,
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{
					Path: w.RegistryHostDir,
					Type: ptr.To(corev1.HostPathDirectoryOrCreate),
				},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: registryVolume, MountPath: registryMount, ReadOnly: true})
		fileName := w.RegistryFileName
		if fileName == "" {
			fileName = "aegra.json"
		}
		env = append(env, corev1.EnvVar{Name: "AEGRA_CONFIG", Value: registryMount + "/" + fileName})
	}

	return &appsv1.Deployment{
		TypeMeta: metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   w.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To[int32](1),
			Selector: &metav1.LabelSelector{MatchLabels: selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: maps.Clone(labels)},
				Spec: corev1.PodSpec{
					Volumes: volumes,
					Containers: []corev1.Container{{
						Name:            RuntimeContainerName,
						Image:           image,
						ImagePullPolicy: corev1.PullIfNotPresent,
						WorkingDir:      naming.RuntimeWorkDir,
						Ports: []corev1.ContainerPort{{
							Name:          "http",
							ContainerPort: RuntimePort,
							Protocol:      corev1.ProtocolTCP,
						}},
						Env:          env,
						VolumeMounts: mounts,
						ReadinessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{
								TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt32(RuntimePort)},
							},
							InitialDelaySeconds: 5,
							PeriodSeconds:       5,
							// The API server defaults these; spelling them out keeps
							// the rendered template a subset of the live one.
							TimeoutSeconds:   1,
							SuccessThreshold: 1,
							FailureThreshold: 3,
						},
					}},
				},
			},
		},
	}
}

func buildService(w AgentWorkload, name string, labels map[string]string) *corev1.Service {
	return &corev1.Service{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: w.Namespace,
			Labels:    maps.Clone(labels),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{naming.LabelApp: name},
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       ServicePort,
				TargetPort: intstr.FromInt32(RuntimePort),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

func buildIngress(w AgentWorkload, name, path string, labels map[string]string) *networkingv1.Ingress {
	ing := &networkingv1.Ingress{
		TypeMeta: metav1.TypeMeta{APIVersion: "networking.k8s.io/v1", Kind: "Ingress"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: w.Namespace,
			Labels:    maps.Clone(labels),
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{{
				Host: w.IngressHost,
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{
							Path:     path,
							PathType: ptr.To(networkingv1.PathTypePrefix),
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: name,
									Port: networkingv1.ServiceBackendPort{Number: ServicePort},
								},
							},
						}},
					},
				},
			}},
		},
	}
	if w.IngressClass != "" {
		ing.Spec.IngressClassName = ptr.To(w.IngressClass)
	}
	if w.TLSSecretName != "" && w.IngressHost != "" {
		ing.Spec.TLS = []networkingv1.IngressTLS{{Hosts: []string{w.IngressHost}, SecretName: w.TLSSecretName}}
	}
	return ing
}
