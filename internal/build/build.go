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

// Package build defines the Build value object: the read-through
// projection of a managed deployment's identity, commit coordinates and
// derived lifecycle status, plus the patch operations that move it
// through its state machine.
package build

import (
	"fmt"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
)

// Label and annotation keys used on every resource owned by a build.
// These must stay bit-exact with the manifests templates; renaming one
// independently of the other breaks the watcher's build reconstruction.
const (
	LabelBuild   = "runboat/build"
	LabelJobKind = "runboat/job-kind"

	AnnotationRepo         = "runboat/repo"
	AnnotationTargetBranch = "runboat/target-branch"
	AnnotationPR           = "runboat/pr"
	AnnotationGitCommit    = "runboat/git-commit"
	AnnotationInitStatus   = "runboat/init-status"
	AnnotationLastScaled   = "runboat/last-scaled"

	Finalizer = "runboat/cleanup"
)

// JobKind identifies which one-shot job a batch/v1 Job resource represents.
type JobKind string

const (
	JobKindInitialize JobKind = "initialize"
	JobKindCleanup    JobKind = "cleanup"
)

// InitStatus is the authoritative, annotation-backed initialization state.
type InitStatus string

const (
	InitStatusTodo      InitStatus = "todo"
	InitStatusStarted   InitStatus = "started"
	InitStatusSucceeded InitStatus = "succeeded"
	InitStatusFailed    InitStatus = "failed"
)

// ParseInitStatus validates a raw annotation value against the closed enum,
// rejecting anything the cluster driver did not write itself.
func ParseInitStatus(raw string) (InitStatus, error) {
	switch InitStatus(raw) {
	case InitStatusTodo, InitStatusStarted, InitStatusSucceeded, InitStatusFailed:
		return InitStatus(raw), nil
	default:
		return "", fmt.Errorf("build: unknown init-status annotation %q", raw)
	}
}

// Status is the derived, composite lifecycle status computed from a
// deployment's annotations, deletion marker and replica counts.
type Status string

const (
	StatusStopped      Status = "stopped"
	StatusStopping     Status = "stopping"
	StatusInitializing Status = "initializing"
	StatusStarting     Status = "starting"
	StatusStarted      Status = "started"
	StatusFailed       Status = "failed"
	StatusUndeploying  Status = "undeploying"
)

// CommitInfo identifies the code a build runs: a repository, the branch a
// PR targets (or the branch itself for a pure-branch build), an optional
// PR number and the exact commit sha.
type CommitInfo struct {
	Repo         string
	TargetBranch string
	PR           *int
	GitCommit    string
}

// NormalizedRepo returns Repo in lower-cased canonical form, so repository
// names that differ only by case are treated as identical throughout
// lookups and slug generation.
func (c CommitInfo) NormalizedRepo() string {
	return strings.ToLower(c.Repo)
}

// Slug returns the deterministic, DNS-safe hostname prefix for this commit:
// slugify(repo)-slugify(target_branch)[-pr<n>]-<git_commit[:12]>.
func (c CommitInfo) Slug() string {
	s := fmt.Sprintf("%s-%s", slugify(c.NormalizedRepo()), slugify(c.TargetBranch))
	if c.PR != nil {
		s = fmt.Sprintf("%s-pr%d", s, *c.PR)
	}
	commit := c.GitCommit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return fmt.Sprintf("%s-%s", s, commit)
}

// SameCommit reports whether two CommitInfo values identify the same
// (repo, target_branch, pr, git_commit) tuple, matching pr IS NULL
// explicitly when pr is absent on both sides.
func SameCommit(a, b CommitInfo) bool {
	if a.NormalizedRepo() != b.NormalizedRepo() {
		return false
	}
	if a.TargetBranch != b.TargetBranch {
		return false
	}
	if a.GitCommit != b.GitCommit {
		return false
	}
	if (a.PR == nil) != (b.PR == nil) {
		return false
	}
	return a.PR == nil || *a.PR == *b.PR
}

// Build is the central entity: a value object derived from a deployment
// resource in the cluster. It is immutable once returned by FromDeployment
// or the index; all mutation happens by issuing patches against the
// cluster and re-observing the result through the deployment watcher.
type Build struct {
	Name           string
	DeploymentName string
	Commit         CommitInfo

	Status         Status
	InitStatus     InitStatus
	DesiredReplica int32
	LastScaled     time.Time
	Created        time.Time

	Image string

	deletionMarker bool
	currentReplica int32
	availReplica   int32
}

// DeploymentSnapshot is the subset of a cluster Deployment that the build
// state machine reads. It exists so FromDeployment can be exercised without
// depending on a live client-go object when the caller already has one.
type DeploymentSnapshot struct {
	Name              string
	Labels            map[string]string
	Annotations       map[string]string
	Finalizers        []string
	DeletionTimestamp *time.Time
	DesiredReplicas   int32
	CurrentReplicas   int32
	AvailableReplicas int32
	CreationTimestamp time.Time
	Image             string
}

// FromAppsV1Deployment adapts a typed k8s Deployment into a DeploymentSnapshot.
func FromAppsV1Deployment(d *appsv1.Deployment) DeploymentSnapshot {
	snap := DeploymentSnapshot{
		Name:              d.Name,
		Labels:            d.Labels,
		Annotations:       d.Annotations,
		Finalizers:        d.Finalizers,
		CreationTimestamp: d.CreationTimestamp.Time,
	}
	if d.DeletionTimestamp != nil {
		t := d.DeletionTimestamp.Time
		snap.DeletionTimestamp = &t
	}
	if d.Spec.Replicas != nil {
		snap.DesiredReplicas = *d.Spec.Replicas
	}
	snap.CurrentReplicas = d.Status.Replicas
	snap.AvailableReplicas = d.Status.AvailableReplicas
	if len(d.Spec.Template.Spec.Containers) > 0 {
		snap.Image = d.Spec.Template.Spec.Containers[0].Image
	}
	return snap
}

// FromDeployment builds a Build value from a deployment snapshot, deriving
// its status from the annotations table below. It returns an error if the
// deployment does not carry runboat annotations, or if init-status is
// unparseable.
func FromDeployment(snap DeploymentSnapshot) (Build, error) {
	name, ok := snap.Labels[LabelBuild]
	if !ok || name == "" {
		return Build{}, fmt.Errorf("build: deployment %q has no %s label", snap.Name, LabelBuild)
	}

	repo, ok := snap.Annotations[AnnotationRepo]
	if !ok {
		return Build{}, fmt.Errorf("build: deployment %q missing %s annotation", snap.Name, AnnotationRepo)
	}
	targetBranch, ok := snap.Annotations[AnnotationTargetBranch]
	if !ok {
		return Build{}, fmt.Errorf("build: deployment %q missing %s annotation", snap.Name, AnnotationTargetBranch)
	}
	gitCommit, ok := snap.Annotations[AnnotationGitCommit]
	if !ok {
		return Build{}, fmt.Errorf("build: deployment %q missing %s annotation", snap.Name, AnnotationGitCommit)
	}

	var pr *int
	if prRaw := snap.Annotations[AnnotationPR]; prRaw != "" {
		var n int
		if _, err := fmt.Sscanf(prRaw, "%d", &n); err != nil {
			return Build{}, fmt.Errorf("build: deployment %q has unparseable %s annotation %q: %w", snap.Name, AnnotationPR, prRaw, err)
		}
		pr = &n
	}

	initStatusRaw, ok := snap.Annotations[AnnotationInitStatus]
	if !ok {
		return Build{}, fmt.Errorf("build: deployment %q missing %s annotation", snap.Name, AnnotationInitStatus)
	}
	initStatus, err := ParseInitStatus(initStatusRaw)
	if err != nil {
		return Build{}, fmt.Errorf("build: deployment %q: %w", snap.Name, err)
	}

	var lastScaled time.Time
	if raw := snap.Annotations[AnnotationLastScaled]; raw != "" {
		lastScaled, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return Build{}, fmt.Errorf("build: deployment %q has unparseable %s annotation %q: %w", snap.Name, AnnotationLastScaled, raw, err)
		}
	}

	b := Build{
		Name:           name,
		DeploymentName: snap.Name,
		Commit: CommitInfo{
			Repo:         repo,
			TargetBranch: targetBranch,
			PR:           pr,
			GitCommit:    gitCommit,
		},
		InitStatus:     initStatus,
		DesiredReplica: snap.DesiredReplicas,
		LastScaled:     lastScaled,
		Created:        snap.CreationTimestamp,
		Image:          snap.Image,
		deletionMarker: snap.DeletionTimestamp != nil,
		currentReplica: snap.CurrentReplicas,
		availReplica:   snap.AvailableReplicas,
	}
	b.Status = deriveStatus(b.deletionMarker, initStatus, snap.DesiredReplicas, snap.CurrentReplicas, snap.AvailableReplicas)
	return b, nil
}

// deriveStatus computes the composite Status from the authoritative
// init-status annotation, the deletion marker and the replica counts.
func deriveStatus(deletionMarker bool, initStatus InitStatus, desired, current, available int32) Status {
	switch {
	case deletionMarker:
		return StatusUndeploying
	case initStatus == InitStatusTodo || initStatus == InitStatusStarted:
		return StatusInitializing
	case initStatus == InitStatusFailed:
		return StatusFailed
	case initStatus == InitStatusSucceeded && desired == 0 && current > 0:
		return StatusStopping
	case initStatus == InitStatusSucceeded && desired == 0 && current == 0:
		return StatusStopped
	case initStatus == InitStatusSucceeded && desired >= 1 && available == desired:
		return StatusStarted
	case initStatus == InitStatusSucceeded && desired >= 1 && available < desired:
		return StatusStarting
	default:
		// Unreached given the enum's closure, but keep status well defined.
		return StatusStopped
	}
}

// MutableFields is the subset of Build that determines index equality:
// two observations of the same build with identical mutable fields are
// treated as a no-op by the index.
type MutableFields struct {
	Status         Status
	InitStatus     InitStatus
	DesiredReplica int32
	LastScaled     time.Time
}

func (b Build) Mutable() MutableFields {
	return MutableFields{
		Status:         b.Status,
		InitStatus:     b.InitStatus,
		DesiredReplica: b.DesiredReplica,
		LastScaled:     b.LastScaled,
	}
}
