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

// Package forge abstracts the code-forge side of a build's lifecycle: the
// four commit-status notifications (pending, pending-with-link, success,
// failure) posted against the commit a build runs. A Provider is
// constructed once at startup from the configured forge name and
// credentials; GitHub is the only forge implemented.
package forge

import (
	"context"
	"fmt"

	"github.com/runboat-sh/runboat/internal/build"
)

// State is the commit status state posted to the forge.
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
)

// StatusUpdate is a single commit-status notification.
type StatusUpdate struct {
	Commit      build.CommitInfo
	State       State
	Description string
	TargetURL   string
}

// Provider posts commit-status notifications to a code forge.
type Provider interface {
	PostStatus(ctx context.Context, update StatusUpdate) error
}

// NewProvider builds the Provider for the named forge. An unknown name
// is a configuration error, caught at startup rather than on the first
// status post.
func NewProvider(name, token string) (Provider, error) {
	switch name {
	case "github":
		return NewGitHubProvider(token), nil
	default:
		return nil, fmt.Errorf("forge: unknown provider %q", name)
	}
}
