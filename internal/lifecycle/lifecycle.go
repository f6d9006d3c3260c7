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

// Package lifecycle implements the Build state machine and the public
// operations external collaborators (HTTP API, webhook receiver,
// reconcilers, job watcher) drive a build through: deploy, start, stop,
// redeploy, undeploy, and the job-event-driven init/cleanup transitions.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/runboat-sh/runboat/internal/build"
	"github.com/runboat-sh/runboat/internal/cluster"
	"github.com/runboat-sh/runboat/internal/index"
	"github.com/runboat-sh/runboat/internal/manifests"
	"github.com/runboat-sh/runboat/pkg/forge"
)

// TemplateResolver maps a repo to the manifest template used to deploy
// its commits. A false second return means the repo isn't configured.
type TemplateResolver func(repo string) (manifests.Template, bool)

// Ceilings are the three fleet-wide capacity limits the controller_status
// aggregate reports alongside the live counters; the reconcilers enforce
// the same numbers independently (see package reconciler).
type Ceilings struct {
	MaxInitializing int
	MaxStarted      int
	MaxDeployed     int
}

// Controller is the Lifecycle API: the single entry point every external
// collaborator (HTTP handlers, webhook receiver, job watcher, reconcilers)
// calls into to move builds through their state machine. It holds no
// package-level global state; callers construct one at startup and share
// the pointer.
type Controller struct {
	driver      cluster.Driver
	idx         *index.Index
	forge       forge.Provider // nil is valid: status posting is then skipped
	templates   TemplateResolver
	ceilings    Ceilings
	buildDomain string

	now     func() time.Time
	newName func() string
}

// New builds a Controller. forgeProvider may be nil if no code-forge
// integration is configured; commit-status posting is then a no-op.
// buildDomain is the DNS suffix under which builds are reachable, used
// for the live link attached to pending commit statuses.
func New(driver cluster.Driver, idx *index.Index, forgeProvider forge.Provider, templates TemplateResolver, ceilings Ceilings, buildDomain string) *Controller {
	return &Controller{
		driver:      driver,
		idx:         idx,
		forge:       forgeProvider,
		templates:   templates,
		ceilings:    ceilings,
		buildDomain: buildDomain,
		now:         time.Now,
		newName:     defaultNewName,
	}
}

func defaultNewName() string {
	return fmt.Sprintf("b-%s", uuid.NewString())
}

// DeployCommit is idempotent: if a build already exists for commit, it is
// returned unchanged and no cluster call is made. Otherwise a fresh build
// name is generated, a pending commit status is posted, a deployment
// manifest is applied with init_status=todo and desired_replicas=0, and
// the new deployment is read back into the index (the GetBuild fallback
// path), so a replay that arrives before the deployment watcher has
// observed it still finds it. It never starts the build directly — that
// is the initializer reconciler's job once capacity is available.
func (c *Controller) DeployCommit(ctx context.Context, commit build.CommitInfo) (build.Build, error) {
	log := ctrl.LoggerFrom(ctx).WithValues("repo", commit.NormalizedRepo(), "commit", commit.GitCommit)

	existing, found, err := c.idx.GetForCommit(ctx, commit)
	if err != nil {
		return build.Build{}, fmt.Errorf("lifecycle: deploy_commit: lookup existing build: %w", err)
	}
	if found {
		log.Info("deploy_commit: build already exists for commit, skipping", "build", existing.Name)
		return existing, nil
	}

	tmpl, ok := c.templates(commit.NormalizedRepo())
	if !ok {
		return build.Build{}, fmt.Errorf("lifecycle: deploy_commit: no manifest template configured for repo %q", commit.NormalizedRepo())
	}

	name := c.newName()
	c.postStatus(ctx, commit, forge.StatePending, "queued for initialization", "")

	dep := manifests.Deployment(name, commit, tmpl)
	if err := c.driver.Apply(ctx, cluster.Manifest{Name: name, Object: dep}); err != nil {
		return build.Build{}, fmt.Errorf("lifecycle: deploy_commit: apply deployment %s: %w", name, err)
	}
	log.Info("deploy_commit: applied new deployment", "build", name, "slug", commit.Slug())

	b, found, err := c.GetBuild(ctx, name, false)
	if err != nil {
		return build.Build{}, fmt.Errorf("lifecycle: deploy_commit: index new build %s: %w", name, err)
	}
	if found {
		return b, nil
	}
	return build.Build{
		Name:           name,
		DeploymentName: name,
		Commit:         commit,
		InitStatus:     build.InitStatusTodo,
		Status:         build.StatusInitializing,
	}, nil
}

// UndeployBuilds requests undeployment of every build matching filter.
func (c *Controller) UndeployBuilds(ctx context.Context, filter index.SearchFilter) error {
	matches, err := c.idx.Search(ctx, filter)
	if err != nil {
		return fmt.Errorf("lifecycle: undeploy_builds: search: %w", err)
	}
	for _, b := range matches {
		if err := c.UndeployBuild(ctx, b); err != nil {
			ctrl.LoggerFrom(ctx).Error(err, "undeploy_builds: failed for build", "build", b.Name)
		}
	}
	return nil
}

// GetBuild looks up name in the index. When dbOnly is false and the build
// is not indexed, it falls back to a direct cluster read and, on success,
// inserts the result into the index — the re-entry path job events on an
// unknown build also use.
func (c *Controller) GetBuild(ctx context.Context, name string, dbOnly bool) (build.Build, bool, error) {
	b, found, err := c.idx.Get(ctx, name)
	if err != nil {
		return build.Build{}, false, fmt.Errorf("lifecycle: get_build: index lookup: %w", err)
	}
	if found || dbOnly {
		return b, found, nil
	}

	snap, snapFound, err := c.driver.GetDeployment(ctx, name)
	if err != nil {
		return build.Build{}, false, fmt.Errorf("lifecycle: get_build: direct cluster read: %w", err)
	}
	if !snapFound {
		return build.Build{}, false, nil
	}
	b, err = build.FromDeployment(snap)
	if err != nil {
		return build.Build{}, false, fmt.Errorf("lifecycle: get_build: %w", err)
	}
	if err := c.idx.Add(ctx, b); err != nil {
		return build.Build{}, false, fmt.Errorf("lifecycle: get_build: index insert: %w", err)
	}
	return b, true, nil
}

// Status is the controller_status aggregate exposed to collaborators.
type Status struct {
	Stopped         int
	Failed          int
	Started         int
	MaxStarted      int
	Initializing    int
	MaxInitializing int
	ToInitialize    int
	Undeploying     int
	Deployed        int
	MaxDeployed     int
}

// ControllerStatus computes the fleet-wide counters against the
// configured ceilings.
func (c *Controller) ControllerStatus(ctx context.Context) (Status, error) {
	var s Status
	s.MaxStarted = c.ceilings.MaxStarted
	s.MaxInitializing = c.ceilings.MaxInitializing
	s.MaxDeployed = c.ceilings.MaxDeployed

	var err error
	if s.Stopped, err = c.idx.CountByStatus(ctx, build.StatusStopped); err != nil {
		return Status{}, err
	}
	if s.Failed, err = c.idx.CountByStatus(ctx, build.StatusFailed); err != nil {
		return Status{}, err
	}
	if s.Started, err = c.idx.CountByStatus(ctx, build.StatusStarted); err != nil {
		return Status{}, err
	}
	if s.Undeploying, err = c.idx.CountByStatus(ctx, build.StatusUndeploying); err != nil {
		return Status{}, err
	}
	if s.Initializing, err = c.idx.CountByInitStatus(ctx, build.InitStatusStarted); err != nil {
		return Status{}, err
	}
	if s.ToInitialize, err = c.idx.CountByInitStatus(ctx, build.InitStatusTodo); err != nil {
		return Status{}, err
	}
	if s.Deployed, err = c.idx.CountDeployed(ctx); err != nil {
		return Status{}, err
	}
	return s, nil
}

// InitLog returns the initialize job's pod log.
func (c *Controller) InitLog(ctx context.Context, name string) (string, bool, error) {
	kind := build.JobKindInitialize
	return c.driver.ReadLog(ctx, name, &kind)
}

// Log returns the running application pod's log, with no job-kind filter.
func (c *Controller) Log(ctx context.Context, name string) (string, bool, error) {
	return c.driver.ReadLog(ctx, name, nil)
}

func (c *Controller) postStatus(ctx context.Context, commit build.CommitInfo, state forge.State, description, targetURL string) {
	if c.forge == nil {
		return
	}
	log := ctrl.LoggerFrom(ctx)
	err := c.forge.PostStatus(ctx, forge.StatusUpdate{
		Commit:      commit,
		State:       state,
		Description: description,
		TargetURL:   targetURL,
	})
	if err != nil {
		// Failure to post a commit status is logged but never aborts the
		// transition it is attached to.
		log.Error(err, "failed to post commit status", "state", state, "commit", commit.GitCommit)
	}
}
