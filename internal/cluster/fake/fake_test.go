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

package fake

import (
	"context"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/runboat-sh/runboat/internal/build"
	"github.com/runboat-sh/runboat/internal/cluster"
)

func TestWatchDeploymentsDeliversSyncThenSeed(t *testing.T) {
	d := New()
	d.PutDeployment(build.DeploymentSnapshot{
		Name:   "dep-a",
		Labels: map[string]string{build.LabelBuild: "a"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := d.WatchDeployments(ctx)
	if err != nil {
		t.Fatal(err)
	}

	first := <-ch
	if first.Kind != cluster.EventSync {
		t.Fatalf("expected sync boundary first, got %+v", first)
	}
	second := <-ch
	if second.Kind != cluster.EventAdded || second.Snapshot.Name != "dep-a" {
		t.Fatalf("unexpected seed event: %+v", second)
	}
}

func TestPatchDeploymentUpdatesReplicasAndAnnotations(t *testing.T) {
	d := New()
	d.PutDeployment(build.DeploymentSnapshot{
		Name:        "dep-a",
		Labels:      map[string]string{build.LabelBuild: "a"},
		Annotations: map[string]string{build.AnnotationInitStatus: string(build.InitStatusTodo)},
	})

	ops := []build.PatchOp{
		{Op: "replace", Path: "/metadata/annotations/runboat~1init-status", Value: string(build.InitStatusSucceeded)},
		{Op: "replace", Path: "/spec/replicas", Value: "1"},
	}
	if err := d.PatchDeployment(context.Background(), "dep-a", ops); err != nil {
		t.Fatal(err)
	}

	if d.deployments["dep-a"].Annotations[build.AnnotationInitStatus] != string(build.InitStatusSucceeded) {
		t.Error("init-status annotation not updated")
	}
	if d.deployments["dep-a"].DesiredReplicas != 1 {
		t.Error("desired replicas not updated")
	}
}

func TestKillJobRecordsNameAndRemoves(t *testing.T) {
	d := New()
	d.PutJob(cluster.JobSnapshot{Name: "job-a", BuildName: "a", Kind: build.JobKindInitialize})

	if err := d.KillJob(context.Background(), "job-a"); err != nil {
		t.Fatal(err)
	}
	if len(d.KilledJobs) != 1 || d.KilledJobs[0] != "job-a" {
		t.Fatalf("expected job-a recorded as killed, got %v", d.KilledJobs)
	}
	if _, ok := d.jobs["job-a"]; ok {
		t.Error("expected job removed after kill")
	}
}

func TestApplyCreatesDeploymentFromTypedObject(t *testing.T) {
	d := New()
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Labels:      map[string]string{build.LabelBuild: "b"},
			Annotations: map[string]string{build.AnnotationInitStatus: string(build.InitStatusTodo)},
		},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{Containers: []corev1.Container{{Image: "odoo:15.0"}}},
			},
		},
	}
	if err := d.Apply(context.Background(), cluster.Manifest{Name: "dep-b", Object: dep}); err != nil {
		t.Fatal(err)
	}
	if _, ok := d.deployments["dep-b"]; !ok {
		t.Fatal("expected deployment dep-b to be created")
	}
}
