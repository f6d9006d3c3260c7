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

package forge

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v53/github"
	"golang.org/x/oauth2"
)

const contextLabel = "runboat"

// GitHubProvider posts commit statuses through the GitHub REST API.
type GitHubProvider struct {
	client *github.Client
}

var _ Provider = (*GitHubProvider)(nil)

// NewGitHubProvider builds a provider authenticated with a personal
// access token.
func NewGitHubProvider(token string) *GitHubProvider {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	return &GitHubProvider{client: github.NewClient(httpClient)}
}

func (p *GitHubProvider) PostStatus(ctx context.Context, update StatusUpdate) error {
	owner, repo, err := splitRepo(update.Commit.Repo)
	if err != nil {
		return err
	}

	status := &github.RepoStatus{
		State:       githubState(update.State),
		Description: github.String(update.Description),
		Context:     github.String(contextLabel),
	}
	if update.TargetURL != "" {
		status.TargetURL = github.String(update.TargetURL)
	}

	_, _, err = p.client.Repositories.CreateStatus(ctx, owner, repo, update.Commit.GitCommit, status)
	if err != nil {
		return fmt.Errorf("forge: post github status for %s/%s@%s: %w", owner, repo, update.Commit.GitCommit, err)
	}
	return nil
}

func githubState(s State) *string {
	switch s {
	case StateSuccess:
		return github.String("success")
	case StateFailure:
		return github.String("failure")
	default:
		return github.String("pending")
	}
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("forge: repo %q is not in owner/name form", repo)
	}
	return parts[0], parts[1], nil
}
