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

package watcher_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/runboat-sh/runboat/internal/build"
	"github.com/runboat-sh/runboat/internal/cluster"
	"github.com/runboat-sh/runboat/internal/cluster/fake"
	"github.com/runboat-sh/runboat/internal/index"
	"github.com/runboat-sh/runboat/internal/lifecycle"
	"github.com/runboat-sh/runboat/internal/manifests"
	"github.com/runboat-sh/runboat/internal/watcher"
)

// recordingTransitions records which transition fired for which build,
// standing in for the lifecycle controller.
type recordingTransitions struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingTransitions) record(what, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, what+":"+name)
}

func (r *recordingTransitions) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recordingTransitions) OnInitializeStarted(ctx context.Context, b build.Build) {
	r.record("init-started", b.Name)
}

func (r *recordingTransitions) OnInitializeSucceeded(ctx context.Context, b build.Build) {
	r.record("init-succeeded", b.Name)
}

func (r *recordingTransitions) OnInitializeFailed(ctx context.Context, b build.Build) {
	r.record("init-failed", b.Name)
}

func (r *recordingTransitions) OnCleanupStarted(ctx context.Context, b build.Build) {
	r.record("cleanup-started", b.Name)
}

func (r *recordingTransitions) OnCleanupSucceeded(ctx context.Context, b build.Build) {
	r.record("cleanup-succeeded", b.Name)
}

func (r *recordingTransitions) OnCleanupFailed(ctx context.Context, b build.Build) {
	r.record("cleanup-failed", b.Name)
}

var _ = Describe("RunJobs", func() {
	var (
		driver      *fake.Driver
		idx         *index.Index
		transitions *recordingTransitions
		ctx         context.Context
		cancel      context.CancelFunc
	)

	BeforeEach(func() {
		driver = fake.New()
		var err error
		idx, err = index.Open(context.Background())
		Expect(err).NotTo(HaveOccurred())
		transitions = &recordingTransitions{}
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		idx.Close()
	})

	It("dispatches job phases to the matching transition callback", func() {
		driver.PutDeployment(deploymentSnapshot("b-a", "b-a", 0, 0, 0))
		b, err := build.FromDeployment(deploymentSnapshot("b-a", "b-a", 0, 0, 0))
		Expect(err).NotTo(HaveOccurred())
		Expect(idx.Add(context.Background(), b)).To(Succeed())

		go func() { _ = watcher.RunJobs(ctx, driver, idx, transitions) }()

		driver.PutJob(cluster.JobSnapshot{
			Name:      "b-a-initialize",
			BuildName: "b-a",
			Kind:      build.JobKindInitialize,
			Phase:     cluster.JobRunning,
		})
		Eventually(transitions.snapshot).Should(ContainElement("init-started:b-a"))

		driver.PutJob(cluster.JobSnapshot{
			Name:      "b-a-initialize",
			BuildName: "b-a",
			Kind:      build.JobKindInitialize,
			Phase:     cluster.JobSucceeded,
		})
		Eventually(transitions.snapshot).Should(ContainElement("init-succeeded:b-a"))
	})

	It("falls back to a direct cluster read when the build is not yet indexed", func() {
		driver.PutDeployment(deploymentSnapshot("b-lag", "b-lag", 0, 0, 0))

		go func() { _ = watcher.RunJobs(ctx, driver, idx, transitions) }()

		driver.PutJob(cluster.JobSnapshot{
			Name:      "b-lag-initialize",
			BuildName: "b-lag",
			Kind:      build.JobKindInitialize,
			Phase:     cluster.JobRunning,
		})

		Eventually(transitions.snapshot).Should(ContainElement("init-started:b-lag"))
		_, found, err := idx.Get(context.Background(), "b-lag")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue(), "expected the fallback read to insert the build")
	})

	It("deletes labeled resources for a job whose build exists nowhere", func() {
		go func() { _ = watcher.RunJobs(ctx, driver, idx, transitions) }()

		driver.PutJob(cluster.JobSnapshot{
			Name:      "ghost-initialize",
			BuildName: "ghost",
			Kind:      build.JobKindInitialize,
			Phase:     cluster.JobRunning,
		})

		Eventually(func() bool {
			return driver.JobExists("ghost-initialize")
		}, time.Second).Should(BeFalse(), "expected the orphaned job to be deleted")
		Consistently(transitions.snapshot, 100*time.Millisecond).Should(BeEmpty())
		_, found, err := idx.Get(context.Background(), "ghost")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())
	})
})

// The undeploy handshake end to end: deletion request, undeploying
// status, cleanup job, labeled-resource deletion, finalizer removal,
// index eviction.
var _ = Describe("cleanup handshake", func() {
	var (
		driver *fake.Driver
		idx    *index.Index
		lc     *lifecycle.Controller
		ctx    context.Context
		cancel context.CancelFunc
	)

	resolver := func(repo string) (manifests.Template, bool) {
		return manifests.Template{Image: "odoo:15.0", Port: 8069, CleanupScript: []string{"cleanup.sh"}}, true
	}

	BeforeEach(func() {
		driver = fake.New()
		var err error
		idx, err = index.Open(context.Background())
		Expect(err).NotTo(HaveOccurred())
		lc = lifecycle.New(driver, idx, nil, resolver, lifecycle.Ceilings{}, "runboat.test")
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		idx.Close()
	})

	It("walks a build from undeploy through cleanup to index eviction", func() {
		snap := deploymentSnapshot("b-gone", "b-gone", 0, 0, 0)
		snap.Finalizers = []string{build.Finalizer}
		driver.PutDeployment(snap)

		go func() { _ = watcher.RunDeployments(ctx, driver, idx) }()
		go func() { _ = watcher.RunJobs(ctx, driver, idx, lc) }()

		Eventually(func() bool {
			_, found, err := idx.Get(context.Background(), "b-gone")
			Expect(err).NotTo(HaveOccurred())
			return found
		}).Should(BeTrue())

		b, _, err := idx.Get(context.Background(), "b-gone")
		Expect(err).NotTo(HaveOccurred())
		Expect(lc.UndeployBuild(context.Background(), b)).To(Succeed())

		// The finalizer holds the deployment; the watcher observes the
		// deletion marker and the build turns undeploying.
		Eventually(func() build.Status {
			b, _, err := idx.Get(context.Background(), "b-gone")
			Expect(err).NotTo(HaveOccurred())
			return b.Status
		}).Should(Equal(build.StatusUndeploying))

		b, _, err = idx.Get(context.Background(), "b-gone")
		Expect(err).NotTo(HaveOccurred())
		Expect(lc.Cleanup(context.Background(), b)).To(Succeed())
		Expect(driver.JobExists("b-gone-cleanup")).To(BeTrue())

		driver.PutJob(cluster.JobSnapshot{
			Name:      "b-gone-cleanup",
			BuildName: "b-gone",
			Kind:      build.JobKindCleanup,
			Phase:     cluster.JobSucceeded,
		})

		// Cleanup success deletes labeled resources and removes the
		// finalizer, letting the deletion complete; the deployment
		// watcher then evicts the build.
		Eventually(func() bool {
			_, found, err := idx.Get(context.Background(), "b-gone")
			Expect(err).NotTo(HaveOccurred())
			return found
		}, 2*time.Second).Should(BeFalse())
	})
})
