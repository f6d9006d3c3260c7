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

import "testing"

func TestNewProvider(t *testing.T) {
	p, err := NewProvider("github", "token")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*GitHubProvider); !ok {
		t.Fatalf("expected a GitHubProvider, got %T", p)
	}

	if _, err := NewProvider("sourcehut", "token"); err == nil {
		t.Fatal("expected error for unknown provider name")
	}
}

func TestSplitRepo(t *testing.T) {
	owner, name, err := splitRepo("OCA/mis-builder")
	if err != nil {
		t.Fatal(err)
	}
	if owner != "OCA" || name != "mis-builder" {
		t.Errorf("got (%q, %q)", owner, name)
	}
	if _, _, err := splitRepo("not-a-repo"); err == nil {
		t.Fatal("expected error for malformed repo")
	}
}

func TestGithubStateMapping(t *testing.T) {
	cases := map[State]string{
		StatePending: "pending",
		StateSuccess: "success",
		StateFailure: "failure",
	}
	for in, want := range cases {
		if got := *githubState(in); got != want {
			t.Errorf("githubState(%q) = %q, want %q", in, got, want)
		}
	}
}
