package kube

import (
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/sutaakar/topsail/internal/job"
)

const (
	containerName       = "main"
	artifactsVolumeName = "artifacts"
	secretVolumeName    = "secret"
)

// idleCommand keeps a unit's pod alive between Exec calls.
var idleCommand = []string{"/bin/sh", "-c", "trap 'exit 0' TERM; while :; do sleep 3600 & wait $!; done"}

func buildPod(spec job.UnitSpec) *corev1.Pod {
	var grace int64

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for _, kv := range job.EnvList(spec.Env) {
		name, value, _ := strings.Cut(kv, "=")
		env = append(env, corev1.EnvVar{Name: name, Value: value})
	}

	volumes := []corev1.Volume{{
		Name:         artifactsVolumeName,
		VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
	}}
	mounts := []corev1.VolumeMount{{
		Name:      artifactsVolumeName,
		MountPath: spec.ArtifactDir,
	}}
	if spec.Secret != nil {
		volumes = append(volumes, corev1.Volume{
			Name: secretVolumeName,
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{SecretName: spec.Secret.Name},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{
			Name:      secretVolumeName,
			MountPath: spec.Secret.MountPath(),
			ReadOnly:  true,
		})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: spec.Namespace,
			Labels:    spec.Labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyNever,
			ServiceAccountName:            spec.ServiceAccount,
			TerminationGracePeriodSeconds: &grace,
			Containers: []corev1.Container{{
				Name:         containerName,
				Image:        spec.Image,
				Command:      idleCommand,
				Env:          env,
				WorkingDir:   spec.WorkDir,
				VolumeMounts: mounts,
			}},
			Volumes: volumes,
		},
	}
}

// podReady reports whether the unit's container is running. A pod that
// reached a terminal phase never will be.
func podReady(pod *corev1.Pod) (ready, terminal bool) {
	switch pod.Status.Phase {
	case corev1.PodFailed, corev1.PodSucceeded:
		return false, true
	case corev1.PodRunning:
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name == containerName && cs.State.Running != nil {
				return true, false
			}
		}
	}
	return false, false
}
