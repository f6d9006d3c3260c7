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

package lifecycle

import (
	"context"
	"fmt"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/runboat-sh/runboat/internal/build"
	"github.com/runboat-sh/runboat/internal/cluster"
	"github.com/runboat-sh/runboat/internal/manifests"
	"github.com/runboat-sh/runboat/pkg/forge"
)

// patch applies want against b via the driver, returning whether the
// cluster was actually touched. A batch is suppressed entirely when no
// requested change differs from the current snapshot, so idempotent
// replays of a transition never spam the driver or the forge.
func (c *Controller) patch(ctx context.Context, b build.Build, want build.DesiredState) (bool, error) {
	ops := b.PatchBatch(want, c.now())
	if len(ops) == 0 {
		return false, nil
	}
	if err := c.driver.PatchDeployment(ctx, b.DeploymentName, ops); err != nil {
		return false, fmt.Errorf("lifecycle: patch deployment %s: %w", b.DeploymentName, err)
	}
	return true, nil
}

// StartBuild moves a stopped or stopping build towards started. The
// guard failing is a no-op with a log line, never an error, so retries
// from the HTTP layer stay safe.
func (c *Controller) StartBuild(ctx context.Context, b build.Build) error {
	log := ctrl.LoggerFrom(ctx).WithValues("build", b.Name)
	if b.Status != build.StatusStopped && b.Status != build.StatusStopping {
		log.Info("start: guard failed, ignoring", "status", b.Status)
		return nil
	}
	_, err := c.patch(ctx, b, build.DesiredState{InitStatus: b.InitStatus, DesiredReplica: 1})
	return err
}

// StopBuild moves a started build towards stopped.
func (c *Controller) StopBuild(ctx context.Context, b build.Build) error {
	log := ctrl.LoggerFrom(ctx).WithValues("build", b.Name)
	if b.Status != build.StatusStarted {
		log.Info("stop: guard failed, ignoring", "status", b.Status)
		return nil
	}
	_, err := c.patch(ctx, b, build.DesiredState{InitStatus: b.InitStatus, DesiredReplica: 0})
	return err
}

// RedeployBuild kills any in-flight initialize/cleanup jobs and re-applies
// the deployment manifest. The re-applied manifest (manifests.Deployment)
// always carries init-status todo and zero replicas, so the build goes
// back through initialization; this method issues no patch of its own,
// only the kill-then-apply sequence.
func (c *Controller) RedeployBuild(ctx context.Context, b build.Build) error {
	if err := c.driver.KillJob(ctx, manifests.JobName(b.Name, build.JobKindCleanup)); err != nil {
		return fmt.Errorf("lifecycle: redeploy %s: kill cleanup job: %w", b.Name, err)
	}
	if err := c.driver.KillJob(ctx, manifests.JobName(b.Name, build.JobKindInitialize)); err != nil {
		return fmt.Errorf("lifecycle: redeploy %s: kill initialize job: %w", b.Name, err)
	}
	tmpl, ok := c.templates(b.Commit.NormalizedRepo())
	if !ok {
		return fmt.Errorf("lifecycle: redeploy %s: no manifest template configured for repo %q", b.Name, b.Commit.NormalizedRepo())
	}
	dep := manifests.Deployment(b.Name, b.Commit, tmpl)
	if err := c.driver.Apply(ctx, cluster.Manifest{Name: b.DeploymentName, Object: dep}); err != nil {
		return fmt.Errorf("lifecycle: redeploy %s: apply deployment: %w", b.Name, err)
	}
	return nil
}

// UndeployBuild requests deployment deletion. The finalizer holds the
// resource alive until the cleanup job has run to completion.
func (c *Controller) UndeployBuild(ctx context.Context, b build.Build) error {
	if err := c.driver.DeleteDeployment(ctx, b.DeploymentName); err != nil {
		return fmt.Errorf("lifecycle: undeploy %s: delete deployment: %w", b.Name, err)
	}
	return nil
}

// Initialize is the initializer reconciler's action on an
// init_status=todo build: apply the initialize-mode manifest. It carries
// no guard of its own — the reconciler only ever selects todo builds.
func (c *Controller) Initialize(ctx context.Context, b build.Build) error {
	tmpl, ok := c.templates(b.Commit.NormalizedRepo())
	if !ok {
		return fmt.Errorf("lifecycle: initialize %s: no manifest template configured for repo %q", b.Name, b.Commit.NormalizedRepo())
	}
	job := manifests.InitializeJob(b.Name, tmpl)
	if err := c.driver.Apply(ctx, cluster.Manifest{Name: job.Name, Object: job}); err != nil {
		return fmt.Errorf("lifecycle: initialize %s: apply initialize job: %w", b.Name, err)
	}
	return nil
}

// Cleanup is the cleaner reconciler's action on an undeploying build:
// kill any still-running initialize job, scale to zero (not-found-ok,
// since the deployment may already be gone), and apply the cleanup job.
func (c *Controller) Cleanup(ctx context.Context, b build.Build) error {
	if err := c.driver.KillJob(ctx, manifests.JobName(b.Name, build.JobKindInitialize)); err != nil {
		return fmt.Errorf("lifecycle: cleanup %s: kill initialize job: %w", b.Name, err)
	}
	if _, err := c.patch(ctx, b, build.DesiredState{InitStatus: b.InitStatus, DesiredReplica: 0}); err != nil {
		return fmt.Errorf("lifecycle: cleanup %s: scale to zero: %w", b.Name, err)
	}
	tmpl, ok := c.templates(b.Commit.NormalizedRepo())
	if !ok {
		return fmt.Errorf("lifecycle: cleanup %s: no manifest template configured for repo %q", b.Name, b.Commit.NormalizedRepo())
	}
	job := manifests.CleanupJob(b.Name, tmpl)
	if err := c.driver.Apply(ctx, cluster.Manifest{Name: job.Name, Object: job}); err != nil {
		return fmt.Errorf("lifecycle: cleanup %s: apply cleanup job: %w", b.Name, err)
	}
	return nil
}

// OnInitializeStarted marks a build's initialize job as running and
// posts a pending commit status carrying a live link to it.
func (c *Controller) OnInitializeStarted(ctx context.Context, b build.Build) {
	if b.InitStatus == build.InitStatusStarted {
		return
	}
	didPatch, err := c.patch(ctx, b, build.DesiredState{InitStatus: build.InitStatusStarted, DesiredReplica: 0})
	if err != nil {
		ctrl.LoggerFrom(ctx).Error(err, "on_initialize_started: patch failed", "build", b.Name)
		return
	}
	if didPatch {
		c.postStatus(ctx, b.Commit, forge.StatePending, "initializing", c.liveLink(b))
	}
}

// OnInitializeSucceeded marks initialize as succeeded and scales the
// build up, then posts a success commit status. Scaling here is what
// starts a freshly deployed build: the initializer only runs the init
// job, and start() is reserved for user commands on stopped builds.
func (c *Controller) OnInitializeSucceeded(ctx context.Context, b build.Build) {
	if b.InitStatus == build.InitStatusSucceeded {
		return
	}
	didPatch, err := c.patch(ctx, b, build.DesiredState{InitStatus: build.InitStatusSucceeded, DesiredReplica: 1})
	if err != nil {
		ctrl.LoggerFrom(ctx).Error(err, "on_initialize_succeeded: patch failed", "build", b.Name)
		return
	}
	if didPatch {
		c.postStatus(ctx, b.Commit, forge.StateSuccess, "initialized", "")
	}
}

// OnInitializeFailed marks initialize as failed and scales back to zero.
func (c *Controller) OnInitializeFailed(ctx context.Context, b build.Build) {
	if b.InitStatus == build.InitStatusFailed {
		return
	}
	didPatch, err := c.patch(ctx, b, build.DesiredState{InitStatus: build.InitStatusFailed, DesiredReplica: 0})
	if err != nil {
		ctrl.LoggerFrom(ctx).Error(err, "on_initialize_failed: patch failed", "build", b.Name)
		return
	}
	if didPatch {
		c.postStatus(ctx, b.Commit, forge.StateFailure, "initialization failed", "")
	}
}

// OnCleanupStarted logs the cleanup job starting; the state machine has
// no transition to make here, cleanup's authoritative outcome only
// matters on success or failure.
func (c *Controller) OnCleanupStarted(ctx context.Context, b build.Build) {
	ctrl.LoggerFrom(ctx).V(1).Info("cleanup job started", "build", b.Name)
}

// OnCleanupSucceeded deletes every resource labeled with the build and
// removes the finalizer (not-found-ok), letting the pending deployment
// deletion complete and the deployment watcher observe it as removed.
func (c *Controller) OnCleanupSucceeded(ctx context.Context, b build.Build) {
	log := ctrl.LoggerFrom(ctx).WithValues("build", b.Name)
	if err := c.driver.DeleteLabeledResources(ctx, b.Name); err != nil {
		log.Error(err, "on_cleanup_succeeded: delete labeled resources failed")
		return
	}
	if err := c.driver.PatchDeployment(ctx, b.DeploymentName, []build.PatchOp{build.RemoveFinalizerOp()}); err != nil {
		log.Error(err, "on_cleanup_succeeded: remove finalizer failed")
	}
}

// OnCleanupFailed only logs: the controller does not retry automatically,
// to avoid a retry storm against a misconfigured cleanup job. Manual
// intervention is required to unblock the stuck undeploy.
func (c *Controller) OnCleanupFailed(ctx context.Context, b build.Build) {
	ctrl.LoggerFrom(ctx).Error(fmt.Errorf("cleanup job failed"), "manual intervention required", "build", b.Name)
}

func (c *Controller) liveLink(b build.Build) string {
	return fmt.Sprintf("https://%s.%s", b.Commit.Slug(), c.buildDomain)
}
