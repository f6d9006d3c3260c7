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

// Package fake is an in-memory cluster.Driver double for exercising the
// reconcilers and lifecycle controller without a live apiserver.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"

	"github.com/runboat-sh/runboat/internal/build"
	"github.com/runboat-sh/runboat/internal/cluster"
)

// Driver is a Driver backed by plain maps, guarded by a mutex. Every
// mutation is applied synchronously and fanned out to watch subscribers.
type Driver struct {
	mu sync.Mutex

	deployments map[string]build.DeploymentSnapshot
	jobs        map[string]cluster.JobSnapshot
	logs        map[string]string

	deploySubs []chan cluster.DeploymentEvent
	jobSubs    []chan cluster.JobEvent

	// KilledJobs records every job name passed to KillJob, for assertions.
	KilledJobs []string
}

var _ cluster.Driver = (*Driver)(nil)

func New() *Driver {
	return &Driver{
		deployments: map[string]build.DeploymentSnapshot{},
		jobs:        map[string]cluster.JobSnapshot{},
		logs:        map[string]string{},
	}
}

// PutDeployment seeds or replaces a deployment and notifies subscribers.
func (d *Driver) PutDeployment(snap build.DeploymentSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, existed := d.deployments[snap.Name]
	d.deployments[snap.Name] = snap
	kind := cluster.EventUpdated
	if !existed {
		kind = cluster.EventAdded
	}
	d.broadcastDeployment(cluster.DeploymentEvent{Kind: kind, Snapshot: snap})
}

// PutJob seeds or replaces a job and notifies subscribers.
func (d *Driver) PutJob(snap cluster.JobSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, existed := d.jobs[snap.Name]
	d.jobs[snap.Name] = snap
	kind := cluster.EventUpdated
	if !existed {
		kind = cluster.EventAdded
	}
	d.broadcastJob(cluster.JobEvent{Kind: kind, Snapshot: snap})
}

// JobExists reports whether a job with the given resource name is present.
func (d *Driver) JobExists(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.jobs[name]
	return ok
}

// SetLog seeds the log content returned for a build, optionally scoped to
// a specific job kind (nil seeds the running application pod's log).
func (d *Driver) SetLog(buildName string, kind *build.JobKind, content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logs[logKey(buildName, kind)] = content
}

func logKey(buildName string, kind *build.JobKind) string {
	if kind == nil {
		return buildName
	}
	return buildName + "\x00" + string(*kind)
}

func (d *Driver) broadcastDeployment(ev cluster.DeploymentEvent) {
	for _, ch := range d.deploySubs {
		ch <- ev
	}
}

func (d *Driver) broadcastJob(ev cluster.JobEvent) {
	for _, ch := range d.jobSubs {
		ch <- ev
	}
}

func (d *Driver) WatchDeployments(ctx context.Context) (<-chan cluster.DeploymentEvent, error) {
	d.mu.Lock()
	ch := make(chan cluster.DeploymentEvent, 64)
	ch <- cluster.DeploymentEvent{Kind: cluster.EventSync}
	for _, snap := range d.deployments {
		ch <- cluster.DeploymentEvent{Kind: cluster.EventAdded, Snapshot: snap}
	}
	d.deploySubs = append(d.deploySubs, ch)
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, sub := range d.deploySubs {
			if sub == ch {
				d.deploySubs = append(d.deploySubs[:i], d.deploySubs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (d *Driver) WatchJobs(ctx context.Context) (<-chan cluster.JobEvent, error) {
	d.mu.Lock()
	ch := make(chan cluster.JobEvent, 64)
	ch <- cluster.JobEvent{Kind: cluster.EventSync}
	for _, snap := range d.jobs {
		ch <- cluster.JobEvent{Kind: cluster.EventAdded, Snapshot: snap}
	}
	d.jobSubs = append(d.jobSubs, ch)
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, sub := range d.jobSubs {
			if sub == ch {
				d.jobSubs = append(d.jobSubs[:i], d.jobSubs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (d *Driver) GetDeployment(ctx context.Context, name string) (build.DeploymentSnapshot, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap, ok := d.deployments[name]
	return snap, ok, nil
}

func (d *Driver) Apply(ctx context.Context, m cluster.Manifest) error {
	switch obj := m.Object.(type) {
	case *appsv1.Deployment:
		snap := build.FromAppsV1Deployment(obj)
		snap.Name = m.Name
		d.PutDeployment(snap)
		return nil
	case *batchv1.Job:
		d.PutJob(cluster.JobSnapshot{
			Name:      m.Name,
			BuildName: obj.Labels[build.LabelBuild],
			Kind:      build.JobKind(obj.Labels[build.LabelJobKind]),
			Phase:     cluster.JobPending,
		})
		return nil
	default:
		return fmt.Errorf("fake: apply does not support manifest type %T", m.Object)
	}
}

func (d *Driver) PatchDeployment(ctx context.Context, name string, ops []build.PatchOp) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap, ok := d.deployments[name]
	if !ok {
		return nil
	}
	for _, op := range ops {
		applyPatchOp(&snap, op)
	}
	// Mirror the apiserver's finalizer-gated delete: once the last
	// finalizer is removed from a deployment already marked for
	// deletion, it is actually removed and a Deleted event fires.
	if snap.DeletionTimestamp != nil && len(snap.Finalizers) == 0 {
		delete(d.deployments, name)
		d.broadcastDeployment(cluster.DeploymentEvent{Kind: cluster.EventDeleted, Snapshot: snap})
		return nil
	}
	d.deployments[name] = snap
	d.broadcastDeployment(cluster.DeploymentEvent{Kind: cluster.EventUpdated, Snapshot: snap})
	return nil
}

func applyPatchOp(snap *build.DeploymentSnapshot, op build.PatchOp) {
	switch op.Path {
	case "/metadata/annotations/runboat~1init-status":
		if snap.Annotations == nil {
			snap.Annotations = map[string]string{}
		}
		snap.Annotations[build.AnnotationInitStatus] = op.Value
	case "/metadata/annotations/runboat~1last-scaled":
		if snap.Annotations == nil {
			snap.Annotations = map[string]string{}
		}
		snap.Annotations[build.AnnotationLastScaled] = op.Value
	case "/spec/replicas":
		var n int32
		fmt.Sscanf(op.Value, "%d", &n)
		snap.DesiredReplicas = n
		snap.CurrentReplicas = n
		snap.AvailableReplicas = n
	case "/metadata/finalizers":
		if op.Op == "remove" {
			snap.Finalizers = nil
		}
	}
}

// DeleteDeployment requests deletion. With no finalizers present the
// deployment is removed immediately; otherwise it is only marked for
// deletion (deletion timestamp set, Updated event fired) until a later
// patch removes the finalizer, mirroring the apiserver's finalizer gate.
func (d *Driver) DeleteDeployment(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap, ok := d.deployments[name]
	if !ok {
		return nil
	}
	if len(snap.Finalizers) == 0 {
		delete(d.deployments, name)
		d.broadcastDeployment(cluster.DeploymentEvent{Kind: cluster.EventDeleted, Snapshot: snap})
		return nil
	}
	now := time.Now()
	snap.DeletionTimestamp = &now
	d.deployments[name] = snap
	d.broadcastDeployment(cluster.DeploymentEvent{Kind: cluster.EventUpdated, Snapshot: snap})
	return nil
}

func (d *Driver) DeleteLabeledResources(ctx context.Context, buildName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, job := range d.jobs {
		if job.BuildName == buildName {
			delete(d.jobs, name)
			d.broadcastJob(cluster.JobEvent{Kind: cluster.EventDeleted, Snapshot: job})
		}
	}
	for name, snap := range d.deployments {
		if snap.Labels[build.LabelBuild] != buildName {
			continue
		}
		if len(snap.Finalizers) == 0 {
			delete(d.deployments, name)
			d.broadcastDeployment(cluster.DeploymentEvent{Kind: cluster.EventDeleted, Snapshot: snap})
			continue
		}
		if snap.DeletionTimestamp == nil {
			now := time.Now()
			snap.DeletionTimestamp = &now
			d.deployments[name] = snap
			d.broadcastDeployment(cluster.DeploymentEvent{Kind: cluster.EventUpdated, Snapshot: snap})
		}
	}
	return nil
}

func (d *Driver) KillJob(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.KilledJobs = append(d.KilledJobs, name)
	job, ok := d.jobs[name]
	if !ok {
		return nil
	}
	delete(d.jobs, name)
	d.broadcastJob(cluster.JobEvent{Kind: cluster.EventDeleted, Snapshot: job})
	return nil
}

func (d *Driver) ReadLog(ctx context.Context, buildName string, kind *build.JobKind) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	content, ok := d.logs[logKey(buildName, kind)]
	return content, ok, nil
}
