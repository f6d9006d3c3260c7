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

// Package cluster abstracts the subset of a Kubernetes apiserver that the
// lifecycle controller depends on: watching deployments and jobs, patching
// and applying manifests, and deleting owned resources. A real
// client-go-backed implementation and an in-memory fake share this
// interface so the reconcilers and lifecycle controller can be exercised
// without a live apiserver.
package cluster

import (
	"context"
	"time"

	"github.com/runboat-sh/runboat/internal/build"
)

// EventKind distinguishes the three shapes a watch stream delivers.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
	// EventSync marks the start of a full relist, initial or after a broken
	// watch: the cluster's complete state follows as Added events, so
	// consumers that keep a mirrored index must drop what they hold — an
	// object deleted while the watch was down is only observable by its
	// absence from the relist.
	EventSync EventKind = "sync"
)

// DeploymentEvent is a single observation from the managed-deployment
// watch stream.
type DeploymentEvent struct {
	Kind     EventKind
	Snapshot build.DeploymentSnapshot
}

// JobPhase is the coarse outcome of a one-shot initialize/cleanup job.
type JobPhase string

const (
	JobPending   JobPhase = "pending"
	JobRunning   JobPhase = "running"
	JobSucceeded JobPhase = "succeeded"
	JobFailed    JobPhase = "failed"
)

// JobSnapshot is the subset of a batch/v1 Job that the job watcher reads.
type JobSnapshot struct {
	Name       string
	BuildName  string
	Kind       build.JobKind
	Phase      JobPhase
	FinishedAt time.Time
}

// JobEvent is a single observation from the job watch stream.
type JobEvent struct {
	Kind     EventKind
	Snapshot JobSnapshot
}

// Manifest is a ready-to-apply resource: a typed object plus the identity
// used for server-side apply field ownership.
type Manifest struct {
	GroupVersionKind string
	Name             string
	Namespace        string
	Object           interface{}
}

// Driver is every cluster operation the lifecycle controller and
// reconcilers need. Methods that mutate state are idempotent: callers are
// expected to retry on transient failures.
type Driver interface {
	// WatchDeployments streams every deployment carrying the build label,
	// starting with a Sync event followed by the full list (each object
	// delivered as Added), then incremental Added/Updated/Deleted events.
	// The stream re-lists transparently if the underlying watch breaks;
	// callers see a fresh Sync boundary when that happens.
	WatchDeployments(ctx context.Context) (<-chan DeploymentEvent, error)

	// WatchJobs streams every initialize/cleanup job, with the same
	// full-list-then-incremental shape as WatchDeployments.
	WatchJobs(ctx context.Context) (<-chan JobEvent, error)

	// GetDeployment reads a single deployment directly, bypassing the
	// index. Used by the job watcher when a job event arrives for a build
	// the deployment watcher hasn't observed yet.
	GetDeployment(ctx context.Context, name string) (build.DeploymentSnapshot, bool, error)

	// Apply creates or updates a manifest using a dry-run pass followed by
	// the real write, so callers can detect conflicts before mutating.
	Apply(ctx context.Context, m Manifest) error

	// PatchDeployment issues a JSON patch against the named deployment.
	PatchDeployment(ctx context.Context, name string, ops []build.PatchOp) error

	// DeleteDeployment deletes a deployment by name. Not-found is not an error.
	DeleteDeployment(ctx context.Context, name string) error

	// DeleteLabeledResources deletes every resource (deployments,
	// services, jobs, configmaps, secrets, ingresses, persistent volume
	// claims) carrying the given build label value.
	// Not-found is not an error.
	DeleteLabeledResources(ctx context.Context, buildName string) error

	// KillJob deletes a job with zero grace period, per the redeploy and
	// cleanup-supersede paths that must not wait for a running job to
	// finish before starting its replacement.
	KillJob(ctx context.Context, name string) error

	// ReadLog returns the full current log of the first pod's main
	// container matching buildName, optionally filtered to pods of a
	// specific job kind (nil matches the running application pod). The
	// second return is false when no matching pod exists.
	ReadLog(ctx context.Context, buildName string, kind *build.JobKind) (string, bool, error)
}
