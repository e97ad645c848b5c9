package kube

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/agentplatform/stack-agent-manager/internal/naming"
)

// Names and settings of the optional per-stack PostgreSQL instance.
const (
	PostgresName       = "postgres"
	PostgresSecretName = "postgres-secret"
	PostgresPVCName    = "postgres-pvc"
	PostgresImage      = "postgres:15-alpine"
	PostgresDatabase   = "stack_db"
	PostgresUser       = "stack_user"
	PostgresPort       = 5432
	PostgresStorage    = "10Gi"

	postgresPasswordKey = "POSTGRES_PASSWORD"
)

// StackDatabase are the objects of a stack's PostgreSQL instance.
type StackDatabase struct {
	Secret     *corev1.Secret
	PVC        *corev1.PersistentVolumeClaim
	Deployment *appsv1.Deployment
	Service    *corev1.Service
}

// BuildStackDatabase renders the PostgreSQL objects for namespace. password
// only lands in the Secret when it does not exist yet.
func BuildStackDatabase(stackID, namespace, password string) StackDatabase {
	labels := naming.StackLabels(stackID)
	labels[naming.LabelApp] = PostgresName

	pgReady := &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			Exec: &corev1.ExecAction{Command: []string{"pg_isready", "-U", PostgresUser, "-d", PostgresDatabase}},
		},
		TimeoutSeconds:   1,
		SuccessThreshold: 1,
		FailureThreshold: 3,
	}
	liveness := pgReady.DeepCopy()
	liveness.InitialDelaySeconds, liveness.PeriodSeconds = 30, 10
	readiness := pgReady.DeepCopy()
	readiness.InitialDelaySeconds, readiness.PeriodSeconds = 5, 5

	meta := func(name string) metav1.ObjectMeta {
		return metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: labels}
	}

	return StackDatabase{
		Secret: &corev1.Secret{
			TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Secret"},
			ObjectMeta: meta(PostgresSecretName),
			Type:       corev1.SecretTypeOpaque,
			Data:       map[string][]byte{postgresPasswordKey: []byte(password)},
		},
		PVC: &corev1.PersistentVolumeClaim{
			TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "PersistentVolumeClaim"},
			ObjectMeta: meta(PostgresPVCName),
			Spec: corev1.PersistentVolumeClaimSpec{
				AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
				Resources: corev1.VolumeResourceRequirements{
					Requests: corev1.ResourceList{corev1.ResourceStorage: resource.MustParse(PostgresStorage)},
				},
			},
		},
		Deployment: &appsv1.Deployment{
			TypeMeta:   metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
			ObjectMeta: meta(PostgresName),
			Spec: appsv1.DeploymentSpec{
				Replicas: ptr.To[int32](1),
				Selector: &metav1.LabelSelector{MatchLabels: map[string]string{naming.LabelApp: PostgresName}},
				Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
				Template: corev1.PodTemplateSpec{
					ObjectMeta: metav1.ObjectMeta{Labels: labels},
					Spec: corev1.PodSpec{
						Containers: []corev1.Container{{
							Name:  PostgresName,
							Image: PostgresImage,
							Ports: []corev1.ContainerPort{{ContainerPort: PostgresPort, Protocol: corev1.ProtocolTCP}},
							Env: []corev1.EnvVar{
								{Name: "POSTGRES_DB", Value: PostgresDatabase},
								{Name: "POSTGRES_USER", Value: PostgresUser},
								{Name: postgresPasswordKey, ValueFrom: &corev1.EnvVarSource{
									SecretKeyRef: &corev1.SecretKeySelector{
										LocalObjectReference: corev1.LocalObjectReference{Name: PostgresSecretName},
										Key:                  postgresPasswordKey,
									},
								}},
								{Name: "PGDATA", Value: "/var/lib/postgresql/data/pgdata"},
							},
							VolumeMounts: []corev1.VolumeMount{{Name: "postgres-storage", MountPath: "/var/lib/postgresql/data"}},
							LivenessProbe:  liveness,
							ReadinessProbe: readiness,
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceMemory: resource.MustParse("256Mi"),
									corev1.ResourceCPU:    resource.MustParse("100m"),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceMemory: resource.MustParse("512Mi"),
									corev1.ResourceCPU:    resource.MustParse("500m"),
								},
							},
						}},
						Volumes: []corev1.Volume{{
							Name: "postgres-storage",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: PostgresPVCName},
							},
						}},
					},
				},
			},
		},
		Service: &corev1.Service{
			TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
			ObjectMeta: meta(PostgresName),
			Spec: corev1.ServiceSpec{
				Type:     corev1.ServiceTypeClusterIP,
				Selector: map[string]string{naming.LabelApp: PostgresName},
				Ports: []corev1.ServicePort{{
					Name:       "postgres",
					Port:       PostgresPort,
					TargetPort: intstr.FromInt32(PostgresPort),
					Protocol:   corev1.ProtocolTCP,
				}},
			},
		},
	}
}

// EnsureStackDatabase provisions the PostgreSQL instance of a stack. The
// password is generated once and kept in the Secret.
func (d *Driver) EnsureStackDatabase(ctx context.Context, stackID, namespace string) error {
	password, err := randomPassword()
	if err != nil {
		return err
	}
	db := BuildStackDatabase(stackID, namespace, password)

	if _, err := d.EnsurePersistentVolumeClaim(ctx, db.PVC); err != nil {
		return err
	}
	if _, err := d.EnsureSecret(ctx, db.Secret); err != nil {
		return err
	}
	if _, err := d.EnsureDeployment(ctx, db.Deployment); err != nil {
		return err
	}
	if _, err := d.EnsureService(ctx, db.Service); err != nil {
		return err
	}
	return nil
}

// PostgresDSN returns the in-cluster connection string of a stack database,
// without the password.
func PostgresDSN(namespace string) string {
	return fmt.Sprintf("postgres://%s@%s.%s.svc:%d/%s", PostgresUser, PostgresName, namespace, PostgresPort, PostgresDatabase)
}

func randomPassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
