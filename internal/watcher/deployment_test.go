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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/runboat-sh/runboat/internal/build"
	"github.com/runboat-sh/runboat/internal/cluster/fake"
	"github.com/runboat-sh/runboat/internal/index"
	"github.com/runboat-sh/runboat/internal/watcher"
)

func deploymentSnapshot(name, buildName string, desired, current, available int32) build.DeploymentSnapshot {
	return build.DeploymentSnapshot{
		Name:   name,
		Labels: map[string]string{build.LabelBuild: buildName},
		Annotations: map[string]string{
			build.AnnotationRepo:         "acme/widgets",
			build.AnnotationTargetBranch: "main",
			build.AnnotationGitCommit:    "deadbeefcafe0123456789",
			build.AnnotationInitStatus:   string(build.InitStatusSucceeded),
		},
		DesiredReplicas:   desired,
		CurrentReplicas:   current,
		AvailableReplicas: available,
	}
}

var _ = Describe("RunDeployments", func() {
	var (
		driver *fake.Driver
		idx    *index.Index
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		driver = fake.New()
		var err error
		idx, err = index.Open(context.Background())
		Expect(err).NotTo(HaveOccurred())
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		idx.Close()
	})

	It("indexes a pre-existing deployment on the initial relist", func() {
		driver.PutDeployment(deploymentSnapshot("dep-a", "b-a", 1, 1, 1))

		go func() { _ = watcher.RunDeployments(ctx, driver, idx) }()

		Eventually(func() build.Status {
			b, _, err := idx.Get(context.Background(), "b-a")
			Expect(err).NotTo(HaveOccurred())
			return b.Status
		}).Should(Equal(build.StatusStarted))
	})

	It("removes a build from the index when its deployment is deleted", func() {
		driver.PutDeployment(deploymentSnapshot("dep-b", "b-b", 0, 0, 0))
		go func() { _ = watcher.RunDeployments(ctx, driver, idx) }()

		Eventually(func() bool {
			_, found, err := idx.Get(context.Background(), "b-b")
			Expect(err).NotTo(HaveOccurred())
			return found
		}).Should(BeTrue())

		Expect(driver.DeleteDeployment(context.Background(), "dep-b")).To(Succeed())

		Eventually(func() bool {
			_, found, err := idx.Get(context.Background(), "b-b")
			Expect(err).NotTo(HaveOccurred())
			return found
		}, time.Second).Should(BeFalse())
	})
})
