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

// Package watcher consumes the cluster's deployment and job watch streams
// and keeps the build index authoritative, dispatching job transitions to
// the lifecycle controller as they arrive.
package watcher

import (
	"context"
	"fmt"

	"github.com/runboat-sh/runboat/internal/build"
	"github.com/runboat-sh/runboat/internal/cluster"
	"github.com/runboat-sh/runboat/internal/index"
)

// RunDeployments consumes the deployment watch stream until ctx is
// cancelled or the stream errors, keeping idx authoritative. The index is
// reset on every Sync boundary (initial list and each in-stream relist)
// so that the full list that follows is authoritative; a deployment
// deleted while the watch was down disappears with the reset.
func RunDeployments(ctx context.Context, driver cluster.Driver, idx *index.Index) error {
	events, err := driver.WatchDeployments(ctx)
	if err != nil {
		return fmt.Errorf("watcher: start deployment watch: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("watcher: deployment watch stream closed")
			}
			// Any failure escapes to the supervisor, whose restart
			// relists and rebuilds the index from scratch.
			if err := handleDeploymentEvent(ctx, idx, ev); err != nil {
				return fmt.Errorf("watcher: handle %s deployment event: %w", ev.Kind, err)
			}
		}
	}
}

func handleDeploymentEvent(ctx context.Context, idx *index.Index, ev cluster.DeploymentEvent) error {
	switch ev.Kind {
	case cluster.EventSync:
		return idx.Reset(ctx)
	case cluster.EventDeleted:
		name, ok := ev.Snapshot.Labels[build.LabelBuild]
		if !ok {
			return nil
		}
		return idx.Remove(ctx, name)
	case cluster.EventAdded, cluster.EventUpdated:
		if _, ok := ev.Snapshot.Labels[build.LabelBuild]; !ok {
			return nil
		}
		b, err := build.FromDeployment(ev.Snapshot)
		if err != nil {
			return err
		}
		return idx.Add(ctx, b)
	default:
		return nil
	}
}
