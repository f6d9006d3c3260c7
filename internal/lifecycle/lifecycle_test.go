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

package lifecycle_test

import (
	"context"
	"testing"

	"github.com/runboat-sh/runboat/internal/build"
	"github.com/runboat-sh/runboat/internal/cluster/fake"
	"github.com/runboat-sh/runboat/internal/index"
	"github.com/runboat-sh/runboat/internal/lifecycle"
	"github.com/runboat-sh/runboat/internal/manifests"
)

func newController(t *testing.T) (*lifecycle.Controller, *fake.Driver, *index.Index) {
	t.Helper()
	driver := fake.New()
	idx, err := index.Open(context.Background())
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	resolver := func(repo string) (manifests.Template, bool) {
		if repo != "oca/mis-builder" {
			return manifests.Template{}, false
		}
		return manifests.Template{Image: "odoo:15.0", Port: 8069}, true
	}
	c := lifecycle.New(driver, idx, nil, resolver, lifecycle.Ceilings{MaxInitializing: 2, MaxStarted: 6, MaxDeployed: 60}, "runboat.test")
	return c, driver, idx
}

func testCommit() build.CommitInfo {
	pr := 381
	return build.CommitInfo{Repo: "OCA/mis-builder", TargetBranch: "15.0", PR: &pr, GitCommit: "abcdef0123456789"}
}

// TestDeployCommitIsIdempotent: two successive DeployCommit calls with
// the same commit produce exactly one deployment.
func TestDeployCommitIsIdempotent(t *testing.T) {
	c, driver, _ := newController(t)
	ctx := context.Background()
	commit := testCommit()

	first, err := c.DeployCommit(ctx, commit)
	if err != nil {
		t.Fatalf("first DeployCommit: %v", err)
	}
	second, err := c.DeployCommit(ctx, commit)
	if err != nil {
		t.Fatalf("second DeployCommit: %v", err)
	}

	if first.Name != second.Name {
		t.Fatalf("expected idempotent replay to return the same build, got %q and %q", first.Name, second.Name)
	}

	snap, found, err := driver.GetDeployment(ctx, first.DeploymentName)
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if !found {
		t.Fatal("expected exactly one deployment to exist")
	}
	if snap.DesiredReplicas != 0 {
		t.Errorf("expected new deployment to start at zero replicas, got %d", snap.DesiredReplicas)
	}
}

// TestDeployCommitAppliesTodoInitStatus checks that a fresh deployment
// starts with init-status todo and zero replicas.
func TestDeployCommitAppliesTodoInitStatus(t *testing.T) {
	c, driver, _ := newController(t)
	ctx := context.Background()
	commit := testCommit()

	b, err := c.DeployCommit(ctx, commit)
	if err != nil {
		t.Fatalf("DeployCommit: %v", err)
	}

	snap, found, err := driver.GetDeployment(ctx, b.DeploymentName)
	if err != nil || !found {
		t.Fatalf("GetDeployment: found=%v err=%v", found, err)
	}
	if snap.Annotations[build.AnnotationInitStatus] != string(build.InitStatusTodo) {
		t.Errorf("expected todo init-status, got %q", snap.Annotations[build.AnnotationInitStatus])
	}
}

// TestGetBuildFallsBackToClusterAndInserts covers the job-watcher re-entry
// path: a build unknown to the index is found via a direct cluster read
// and then becomes indexed.
func TestGetBuildFallsBackToClusterAndInserts(t *testing.T) {
	c, driver, idx := newController(t)
	ctx := context.Background()

	driver.PutDeployment(build.DeploymentSnapshot{
		Name:   "b-x",
		Labels: map[string]string{build.LabelBuild: "b-x"},
		Annotations: map[string]string{
			build.AnnotationRepo:         "oca/mis-builder",
			build.AnnotationTargetBranch: "15.0",
			build.AnnotationGitCommit:    "deadbeef",
			build.AnnotationInitStatus:   string(build.InitStatusSucceeded),
		},
		DesiredReplicas:   1,
		CurrentReplicas:   1,
		AvailableReplicas: 1,
	})

	if _, found, err := idx.Get(ctx, "b-x"); err != nil {
		t.Fatalf("Get: %v", err)
	} else if found {
		t.Fatal("expected build not yet indexed")
	}

	b, found, err := c.GetBuild(ctx, "b-x", false)
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if !found || b.Name != "b-x" {
		t.Fatalf("expected fallback to find b-x, got found=%v b=%+v", found, b)
	}

	if _, found, err := idx.Get(ctx, "b-x"); err != nil {
		t.Fatalf("Get after fallback: %v", err)
	} else if !found {
		t.Error("expected GetBuild's fallback path to insert the build into the index")
	}
}

// TestGetBuildDBOnlySkipsClusterFallback ensures db_only=true never issues
// a direct cluster read.
func TestGetBuildDBOnlySkipsClusterFallback(t *testing.T) {
	c, driver, _ := newController(t)
	ctx := context.Background()

	driver.PutDeployment(build.DeploymentSnapshot{
		Name:   "b-y",
		Labels: map[string]string{build.LabelBuild: "b-y"},
		Annotations: map[string]string{
			build.AnnotationRepo:         "oca/mis-builder",
			build.AnnotationTargetBranch: "15.0",
			build.AnnotationGitCommit:    "deadbeef",
			build.AnnotationInitStatus:   string(build.InitStatusTodo),
		},
	})

	_, found, err := c.GetBuild(ctx, "b-y", true)
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if found {
		t.Fatal("expected db_only lookup to ignore the cluster entirely")
	}
}

// TestUndeployBuildsMatchesFilterAndDeletes covers undeploy_builds
// iterating search(filter) and requesting deletion for each match.
func TestUndeployBuildsMatchesFilterAndDeletes(t *testing.T) {
	c, driver, idx := newController(t)
	ctx := context.Background()

	seed := func(name, repo, branch string) {
		driver.PutDeployment(build.DeploymentSnapshot{
			Name:   name,
			Labels: map[string]string{build.LabelBuild: name},
			Annotations: map[string]string{
				build.AnnotationRepo:         repo,
				build.AnnotationTargetBranch: branch,
				build.AnnotationGitCommit:    "c0" + name,
				build.AnnotationInitStatus:   string(build.InitStatusSucceeded),
			},
			Finalizers: []string{build.Finalizer},
		})
		b, _, err := c.GetBuild(ctx, name, false)
		if err != nil {
			t.Fatalf("seed GetBuild: %v", err)
		}
		if err := idx.Add(ctx, b); err != nil {
			t.Fatalf("seed Add: %v", err)
		}
	}
	seed("match1", "oca/mis-builder", "15.0")
	seed("match2", "oca/mis-builder", "15.0")
	seed("other", "oca/other-repo", "15.0")

	if err := c.UndeployBuilds(ctx, index.SearchFilter{Repo: "oca/mis-builder"}); err != nil {
		t.Fatalf("UndeployBuilds: %v", err)
	}

	for _, name := range []string{"match1", "match2"} {
		snap, found, err := driver.GetDeployment(ctx, name)
		if err != nil {
			t.Fatalf("GetDeployment %s: %v", name, err)
		}
		if !found || snap.DeletionTimestamp == nil {
			t.Errorf("expected %s to be marked for deletion, found=%v snap=%+v", name, found, snap)
		}
	}
	otherSnap, found, err := driver.GetDeployment(ctx, "other")
	if err != nil || !found {
		t.Fatalf("GetDeployment other: found=%v err=%v", found, err)
	}
	if otherSnap.DeletionTimestamp != nil {
		t.Error("expected builds outside the filter to be left alone")
	}
}

// TestOnInitializeSucceededScalesUp: initialize success is what starts a
// freshly deployed build, flipping the annotation and setting replicas
// to one in a single patch.
func TestOnInitializeSucceededScalesUp(t *testing.T) {
	c, driver, _ := newController(t)
	ctx := context.Background()

	driver.PutDeployment(build.DeploymentSnapshot{
		Name:   "b-init",
		Labels: map[string]string{build.LabelBuild: "b-init"},
		Annotations: map[string]string{
			build.AnnotationRepo:         "oca/mis-builder",
			build.AnnotationTargetBranch: "15.0",
			build.AnnotationGitCommit:    "deadbeef",
			build.AnnotationInitStatus:   string(build.InitStatusStarted),
		},
	})
	b, found, err := c.GetBuild(ctx, "b-init", false)
	if err != nil || !found {
		t.Fatalf("GetBuild: found=%v err=%v", found, err)
	}

	c.OnInitializeSucceeded(ctx, b)

	snap, _, err := driver.GetDeployment(ctx, "b-init")
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if snap.Annotations[build.AnnotationInitStatus] != string(build.InitStatusSucceeded) {
		t.Errorf("expected succeeded init-status, got %q", snap.Annotations[build.AnnotationInitStatus])
	}
	if snap.DesiredReplicas != 1 {
		t.Errorf("expected initialize success to scale to 1, got %d", snap.DesiredReplicas)
	}
	if snap.Annotations[build.AnnotationLastScaled] == "" {
		t.Error("expected last-scaled annotation to be stamped by the replica change")
	}
}

// TestStartAndStopAreNoOpsWithoutMatchingStatus: a guard failure is
// silently ignored, never an error, so retries stay safe.
func TestStartAndStopAreNoOpsWithoutMatchingStatus(t *testing.T) {
	c, driver, _ := newController(t)
	ctx := context.Background()

	driver.PutDeployment(build.DeploymentSnapshot{
		Name:   "b-z",
		Labels: map[string]string{build.LabelBuild: "b-z"},
		Annotations: map[string]string{
			build.AnnotationRepo:         "oca/mis-builder",
			build.AnnotationTargetBranch: "15.0",
			build.AnnotationGitCommit:    "deadbeef",
			build.AnnotationInitStatus:   string(build.InitStatusTodo),
		},
	})
	b, found, err := c.GetBuild(ctx, "b-z", false)
	if err != nil || !found {
		t.Fatalf("GetBuild: found=%v err=%v", found, err)
	}

	// status is "initializing" (init_status=todo); stop's guard requires
	// started, start's guard requires stopped/stopping. Both should no-op.
	if err := c.StopBuild(ctx, b); err != nil {
		t.Fatalf("StopBuild: %v", err)
	}
	if err := c.StartBuild(ctx, b); err != nil {
		t.Fatalf("StartBuild: %v", err)
	}

	snap, _, err := driver.GetDeployment(ctx, b.DeploymentName)
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if snap.DesiredReplicas != 0 {
		t.Errorf("expected no-op guards to leave replicas untouched, got %d", snap.DesiredReplicas)
	}
}
