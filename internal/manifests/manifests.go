/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package manifests builds the typed Deployment and Job objects applied
// for a build's three operating modes: the long-running deployment
// itself, the one-shot initialize job, and the one-shot cleanup job.
package manifests

import (
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/runboat-sh/runboat/internal/build"
)

// Template is the per-repo pod template the manifest builder fills in:
// the image to run, the commands for the long-running container and the
// two one-shot jobs, and the port it serves on.
type Template struct {
	Image            string
	Port             int32
	DeployCommand    []string
	InitializeScript []string
	CleanupScript    []string
	EnvFromSecret    string
}

func labels(buildName string) map[string]string {
	return map[string]string{build.LabelBuild: buildName}
}

func jobLabels(buildName string, kind build.JobKind) map[string]string {
	return map[string]string{
		build.LabelBuild:   buildName,
		build.LabelJobKind: string(kind),
	}
}

func annotations(c build.CommitInfo, initStatus build.InitStatus) map[string]string {
	pr := ""
	if c.PR != nil {
		pr = fmt.Sprintf("%d", *c.PR)
	}
	return map[string]string{
		build.AnnotationRepo:         c.NormalizedRepo(),
		build.AnnotationTargetBranch: c.TargetBranch,
		build.AnnotationPR:           pr,
		build.AnnotationGitCommit:    c.GitCommit,
		build.AnnotationInitStatus:   string(initStatus),
		build.AnnotationLastScaled:   time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func envFrom(secretName string) []corev1.EnvFromSource {
	if secretName == "" {
		return nil
	}
	return []corev1.EnvFromSource{{
		SecretRef: &corev1.SecretEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: secretName}},
	}}
}

// Deployment builds the deployment resource for a freshly deployed
// commit: zero replicas, init-status todo, the finalizer already present
// so the controller never loses track of it once applied.
func Deployment(buildName string, c build.CommitInfo, t Template) *appsv1.Deployment {
	l := labels(buildName)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        buildName,
			Labels:      l,
			Annotations: annotations(c, build.InitStatusTodo),
			Finalizers:  []string{build.Finalizer},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(0),
			Selector: &metav1.LabelSelector{MatchLabels: l},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: l},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:      "app",
						Image:     t.Image,
						Command:   t.DeployCommand,
						Ports:     []corev1.ContainerPort{{Name: "http", ContainerPort: t.Port, Protocol: corev1.ProtocolTCP}},
						EnvFrom:   envFrom(t.EnvFromSecret),
						Resources: corev1.ResourceRequirements{},
					}},
				},
			},
		},
	}
}

// InitializeJob builds the one-shot job that prepares a build's database
// and any other first-run state before it is started.
func InitializeJob(buildName string, t Template) *batchv1.Job {
	return oneShotJob(buildName, build.JobKindInitialize, t.Image, t.InitializeScript, t.EnvFromSecret)
}

// CleanupJob builds the one-shot job that tears down external state
// (databases, buckets) owned by a build before its remaining resources
// are deleted.
func CleanupJob(buildName string, t Template) *batchv1.Job {
	return oneShotJob(buildName, build.JobKindCleanup, t.Image, t.CleanupScript, t.EnvFromSecret)
}

// JobName returns the deterministic resource name for a build's one-shot
// job of the given kind, so callers that only need to reference the job
// (KillJob) don't have to build the full manifest first.
func JobName(buildName string, kind build.JobKind) string {
	return fmt.Sprintf("%s-%s", buildName, kind)
}

func oneShotJob(buildName string, kind build.JobKind, image string, command []string, envSecret string) *batchv1.Job {
	l := jobLabels(buildName, kind)
	backoffLimit := int32(2)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   JobName(buildName, kind),
			Labels: l,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: l},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:    string(kind),
						Image:   image,
						Command: command,
						EnvFrom: envFrom(envSecret),
					}},
				},
			},
		},
	}
}

func int32Ptr(n int32) *int32 { return &n }
