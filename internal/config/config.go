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

// Package config loads the process-wide Settings once at startup and
// carries the settings.py-equivalent repo allow-list: which (repo,
// branch pattern) combinations the webhook layer is allowed to deploy.
// Settings is constructed once in cmd/runboat, which hands the relevant
// fields to each component; nothing here is a package-level global.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/runboat-sh/runboat/internal/manifests"
)

// Settings is the process-wide configuration, populated once from the
// environment at startup.
type Settings struct {
	Namespace   string `envconfig:"NAMESPACE" default:"runboat"`
	BuildDomain string `envconfig:"BUILD_DOMAIN" default:"runboat.example.com"`

	MaxInitializing int `envconfig:"MAX_INITIALIZING" default:"2"`
	MaxStarted      int `envconfig:"MAX_STARTED" default:"15"`
	MaxDeployed     int `envconfig:"MAX_DEPLOYED" default:"60"`

	EventBufferingDelay time.Duration `envconfig:"EVENT_BUFFERING_DELAY" default:"1s"`
	ReconcilerPollFloor time.Duration `envconfig:"RECONCILER_POLL_FLOOR" default:"10s"`
	WatchRequestTimeout time.Duration `envconfig:"WATCH_REQUEST_TIMEOUT" default:"60s"`
	TaskRestartDelay    time.Duration `envconfig:"TASK_RESTART_DELAY" default:"5s"`

	ForgeProvider string `envconfig:"FORGE_PROVIDER" default:"github"`
	GitHubToken   string `envconfig:"GITHUB_TOKEN"`

	// Repos is not populated by envconfig (it cannot bind a flat env var
	// to a slice of structs); callers load it from whatever static
	// configuration source they use (file, ConfigMap) and assign it
	// after Load returns.
	Repos []RepoConfig `envconfig:"-"`
}

// RepoConfig is one entry in the repo allow-list: the branch patterns a
// repo supports, and the manifest template used to deploy its commits.
type RepoConfig struct {
	Repo           string
	BranchPatterns []string
	Template       manifests.Template
}

// Load populates Settings from the environment, with the "RUNBOAT"
// prefix on every variable (e.g. RUNBOAT_MAX_STARTED).
func Load() (*Settings, error) {
	var s Settings
	if err := envconfig.Process("runboat", &s); err != nil {
		return nil, fmt.Errorf("config: process environment: %w", err)
	}
	return &s, nil
}

// Supports reports whether repo is configured and branch matches one of
// its allowed glob patterns. The webhook receiver calls this before
// deploying, so a push for an unconfigured repo or branch never reaches
// the controller.
func (s *Settings) Supports(repo, branch string) bool {
	repo = strings.ToLower(repo)
	for _, rc := range s.Repos {
		if strings.ToLower(rc.Repo) != repo {
			continue
		}
		for _, pattern := range rc.BranchPatterns {
			if ok, _ := filepath.Match(pattern, branch); ok {
				return true
			}
		}
	}
	return false
}

// TemplateFor returns the manifest template configured for repo.
func (s *Settings) TemplateFor(repo string) (manifests.Template, bool) {
	repo = strings.ToLower(repo)
	for _, rc := range s.Repos {
		if strings.ToLower(rc.Repo) == repo {
			return rc.Template, true
		}
	}
	return manifests.Template{}, false
}
