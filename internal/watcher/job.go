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

package watcher

import (
	"context"
	"fmt"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/runboat-sh/runboat/internal/build"
	"github.com/runboat-sh/runboat/internal/cluster"
	"github.com/runboat-sh/runboat/internal/index"
)

// Transitions is the subset of the lifecycle controller the job watcher
// dispatches to, keyed by (job_kind, job_phase).
type Transitions interface {
	OnInitializeStarted(ctx context.Context, b build.Build)
	OnInitializeSucceeded(ctx context.Context, b build.Build)
	OnInitializeFailed(ctx context.Context, b build.Build)
	OnCleanupStarted(ctx context.Context, b build.Build)
	OnCleanupSucceeded(ctx context.Context, b build.Build)
	OnCleanupFailed(ctx context.Context, b build.Build)
}

// RunJobs consumes the job watch stream, resolving each job event to a
// build and dispatching the matching transition callback. Jobs whose
// build cannot be found anywhere (index nor direct cluster read) are
// treated as a resource leak and have their labeled resources deleted.
func RunJobs(ctx context.Context, driver cluster.Driver, idx *index.Index, transitions Transitions) error {
	log := ctrl.LoggerFrom(ctx)

	events, err := driver.WatchJobs(ctx)
	if err != nil {
		return fmt.Errorf("watcher: start job watch: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("watcher: job watch stream closed")
			}
			if err := handleJobEvent(ctx, driver, idx, transitions, ev); err != nil {
				log.Error(err, "error handling job event", "job", ev.Snapshot.Name)
			}
		}
	}
}

func handleJobEvent(ctx context.Context, driver cluster.Driver, idx *index.Index, transitions Transitions, ev cluster.JobEvent) error {
	if ev.Kind == cluster.EventSync || ev.Kind == cluster.EventDeleted {
		return nil
	}
	snap := ev.Snapshot
	if snap.BuildName == "" {
		return nil
	}

	b, found, err := idx.Get(ctx, snap.BuildName)
	if err != nil {
		return fmt.Errorf("watcher: index lookup for build %s: %w", snap.BuildName, err)
	}
	if !found {
		depSnap, depFound, err := driver.GetDeployment(ctx, snap.BuildName)
		if err != nil {
			return fmt.Errorf("watcher: direct cluster read for build %s: %w", snap.BuildName, err)
		}
		if depFound {
			b, err = build.FromDeployment(depSnap)
			if err != nil {
				return err
			}
			if err := idx.Add(ctx, b); err != nil {
				return err
			}
			found = true
		}
	}
	if !found {
		if err := driver.DeleteLabeledResources(ctx, snap.BuildName); err != nil {
			return fmt.Errorf("watcher: resource-leak cleanup for orphaned build %s: %w", snap.BuildName, err)
		}
		return nil
	}

	dispatch(ctx, transitions, snap, b)
	return nil
}

func dispatch(ctx context.Context, t Transitions, snap cluster.JobSnapshot, b build.Build) {
	switch snap.Kind {
	case build.JobKindInitialize:
		switch snap.Phase {
		case cluster.JobRunning:
			t.OnInitializeStarted(ctx, b)
		case cluster.JobSucceeded:
			t.OnInitializeSucceeded(ctx, b)
		case cluster.JobFailed:
			t.OnInitializeFailed(ctx, b)
		}
	case build.JobKindCleanup:
		switch snap.Phase {
		case cluster.JobRunning:
			t.OnCleanupStarted(ctx, b)
		case cluster.JobSucceeded:
			t.OnCleanupSucceeded(ctx, b)
		case cluster.JobFailed:
			t.OnCleanupFailed(ctx, b)
		}
	}
}
