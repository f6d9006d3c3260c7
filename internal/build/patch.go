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

package build

import (
	"strconv"
	"time"
)

// PatchOp is a single JSON-patch-shaped operation against a deployment.
// Path uses RFC 6901 escaping ("/" -> "~1") already applied.
type PatchOp struct {
	Op    string
	Path  string
	Value string
}

const (
	pathInitStatus = "/metadata/annotations/runboat~1init-status"
	pathLastScaled = "/metadata/annotations/runboat~1last-scaled"
	pathReplicas   = "/spec/replicas"
	pathFinalizers = "/metadata/finalizers"
)

func replaceOp(path, value string) PatchOp {
	return PatchOp{Op: "replace", Path: path, Value: value}
}

// DesiredState is the pair of authoritative, patchable fields a transition
// wants to move the deployment towards.
type DesiredState struct {
	InitStatus     InitStatus
	DesiredReplica int32
}

// PatchBatch computes the JSON-patch operations needed to move the current
// build towards want. A batch is suppressed entirely when no requested
// change differs from the current snapshot. now is injected for
// testability; last-scaled is only touched when replicas change.
func (b Build) PatchBatch(want DesiredState, now time.Time) []PatchOp {
	var ops []PatchOp
	if want.InitStatus != b.InitStatus {
		ops = append(ops, replaceOp(pathInitStatus, string(want.InitStatus)))
	}
	if want.DesiredReplica != b.DesiredReplica {
		ops = append(ops, replaceOp(pathReplicas, strconv.Itoa(int(want.DesiredReplica))))
		ops = append(ops, replaceOp(pathLastScaled, now.UTC().Format("2006-01-02T15:04:05Z")))
	}
	return ops
}

// RemoveFinalizerOp returns the single patch operation that removes the
// cleanup finalizer, letting a pending deletion complete once cleanup
// has run.
func RemoveFinalizerOp() PatchOp {
	return PatchOp{Op: "remove", Path: pathFinalizers}
}
