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

package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/runboat-sh/runboat/internal/build"
)

// K8sDriver is the production Driver implementation, backed by a
// client-go clientset. Watch reconnects are guarded by a circuit breaker
// so a flapping apiserver degrades to relist-on-a-timer instead of a
// tight reconnect loop.
type K8sDriver struct {
	client       kubernetes.Interface
	namespace    string
	watchTimeout time.Duration
	breaker      *gobreaker.CircuitBreaker
}

var _ Driver = (*K8sDriver)(nil)

// NewK8sDriver builds a driver scoped to namespace, using client to reach
// the apiserver. Individual watch connections are bounded by watchTimeout
// and recycled on expiry.
func NewK8sDriver(client kubernetes.Interface, namespace string, watchTimeout time.Duration) *K8sDriver {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cluster-watch",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &K8sDriver{client: client, namespace: namespace, watchTimeout: watchTimeout, breaker: breaker}
}

func (d *K8sDriver) watchTimeoutSeconds() *int64 {
	if d.watchTimeout <= 0 {
		return nil
	}
	s := int64(d.watchTimeout.Seconds())
	return &s
}

const buildLabelSelector = build.LabelBuild

func (d *K8sDriver) WatchDeployments(ctx context.Context) (<-chan DeploymentEvent, error) {
	out := make(chan DeploymentEvent, 64)
	go d.runDeploymentWatch(ctx, out)
	return out, nil
}

func (d *K8sDriver) runDeploymentWatch(ctx context.Context, out chan<- DeploymentEvent) {
	defer close(out)
	log := ctrl.LoggerFrom(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := d.relistAndWatchDeployments(ctx, out); err != nil {
			log.Error(err, "deployment watch broken, relisting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (d *K8sDriver) relistAndWatchDeployments(ctx context.Context, out chan<- DeploymentEvent) error {
	listOpts := metav1.ListOptions{LabelSelector: buildLabelSelector}
	list, err := d.client.AppsV1().Deployments(d.namespace).List(ctx, listOpts)
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}
	out <- DeploymentEvent{Kind: EventSync}
	for i := range list.Items {
		out <- DeploymentEvent{Kind: EventAdded, Snapshot: build.FromAppsV1Deployment(&list.Items[i])}
	}

	watchOpts := metav1.ListOptions{
		LabelSelector:   buildLabelSelector,
		ResourceVersion: list.ResourceVersion,
		TimeoutSeconds:  d.watchTimeoutSeconds(),
	}
	w, err := d.breakerWatch(ctx, func() (watch.Interface, error) {
		return d.client.AppsV1().Deployments(d.namespace).Watch(ctx, watchOpts)
	})
	if err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.ResultChan():
			if !ok {
				// Request timeout expired; ordinary connection
				// recycling, relist and resume.
				return nil
			}
			dep, ok := ev.Object.(*appsv1.Deployment)
			if !ok {
				continue
			}
			kind, ok := translateWatchEvent(ev.Type)
			if !ok {
				continue
			}
			out <- DeploymentEvent{Kind: kind, Snapshot: build.FromAppsV1Deployment(dep)}
		}
	}
}

func (d *K8sDriver) WatchJobs(ctx context.Context) (<-chan JobEvent, error) {
	out := make(chan JobEvent, 64)
	go d.runJobWatch(ctx, out)
	return out, nil
}

func (d *K8sDriver) runJobWatch(ctx context.Context, out chan<- JobEvent) {
	defer close(out)
	log := ctrl.LoggerFrom(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := d.relistAndWatchJobs(ctx, out); err != nil {
			log.Error(err, "job watch broken, relisting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (d *K8sDriver) relistAndWatchJobs(ctx context.Context, out chan<- JobEvent) error {
	listOpts := metav1.ListOptions{LabelSelector: buildLabelSelector}
	list, err := d.client.BatchV1().Jobs(d.namespace).List(ctx, listOpts)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	out <- JobEvent{Kind: EventSync}
	for i := range list.Items {
		out <- JobEvent{Kind: EventAdded, Snapshot: jobSnapshot(&list.Items[i])}
	}

	watchOpts := metav1.ListOptions{
		LabelSelector:   buildLabelSelector,
		ResourceVersion: list.ResourceVersion,
		TimeoutSeconds:  d.watchTimeoutSeconds(),
	}
	w, err := d.breakerWatch(ctx, func() (watch.Interface, error) {
		return d.client.BatchV1().Jobs(d.namespace).Watch(ctx, watchOpts)
	})
	if err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.ResultChan():
			if !ok {
				return nil
			}
			job, ok := ev.Object.(*batchv1.Job)
			if !ok {
				continue
			}
			kind, ok := translateWatchEvent(ev.Type)
			if !ok {
				continue
			}
			out <- JobEvent{Kind: kind, Snapshot: jobSnapshot(job)}
		}
	}
}

func (d *K8sDriver) breakerWatch(ctx context.Context, start func() (watch.Interface, error)) (watch.Interface, error) {
	result, err := d.breaker.Execute(func() (interface{}, error) {
		return start()
	})
	if err != nil {
		return nil, err
	}
	return result.(watch.Interface), nil
}

func translateWatchEvent(t watch.EventType) (EventKind, bool) {
	switch t {
	case watch.Added:
		return EventAdded, true
	case watch.Modified:
		return EventUpdated, true
	case watch.Deleted:
		return EventDeleted, true
	default:
		return "", false
	}
}

func jobSnapshot(j *batchv1.Job) JobSnapshot {
	snap := JobSnapshot{
		Name:      j.Name,
		BuildName: j.Labels[build.LabelBuild],
		Kind:      build.JobKind(j.Labels[build.LabelJobKind]),
	}
	switch {
	case j.Status.Succeeded > 0:
		snap.Phase = JobSucceeded
	case j.Status.Failed > 0:
		snap.Phase = JobFailed
	case j.Status.Active > 0:
		snap.Phase = JobRunning
	default:
		snap.Phase = JobPending
	}
	for _, c := range j.Status.Conditions {
		if (c.Type == batchv1.JobComplete || c.Type == batchv1.JobFailed) && c.Status == corev1.ConditionTrue {
			snap.FinishedAt = c.LastTransitionTime.Time
		}
	}
	return snap
}

func (d *K8sDriver) GetDeployment(ctx context.Context, name string) (build.DeploymentSnapshot, bool, error) {
	dep, err := d.client.AppsV1().Deployments(d.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return build.DeploymentSnapshot{}, false, nil
	}
	if err != nil {
		return build.DeploymentSnapshot{}, false, fmt.Errorf("get deployment %s: %w", name, err)
	}
	return build.FromAppsV1Deployment(dep), true, nil
}

// Apply creates or updates a rendered manifest with plain Create/Update
// calls, each preceded by a dry-run Create: a Deployment goes through the
// mandatory dry-run-then-real two-step (it is the sole anchor the
// controller uses to remember a build, so a rejected deployment must
// never leave partial state behind) and is updated in place if it
// already exists; a Job is only ever created, an existing one is left
// as it is, since redeploy/cleanup callers are expected to KillJob any
// predecessor before applying its replacement.
func (d *K8sDriver) Apply(ctx context.Context, m Manifest) error {
	switch obj := m.Object.(type) {
	case *appsv1.Deployment:
		return d.applyDeployment(ctx, m.Name, obj)
	case *batchv1.Job:
		return d.applyJob(ctx, m.Name, obj)
	default:
		return fmt.Errorf("cluster: apply does not support manifest type %T", m.Object)
	}
}

func (d *K8sDriver) applyDeployment(ctx context.Context, name string, dep *appsv1.Deployment) error {
	client := d.client.AppsV1().Deployments(d.namespace)

	dryRun := *dep
	dryRun.Name = name
	if _, err := client.Create(ctx, &dryRun, metav1.CreateOptions{DryRun: []string{metav1.DryRunAll}}); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("dry-run apply deployment %s: %w", name, err)
	}

	existing, err := client.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		dep.Name = name
		_, err = client.Create(ctx, dep, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return fmt.Errorf("get deployment %s: %w", name, err)
	}
	dep.Name = name
	dep.ResourceVersion = existing.ResourceVersion
	_, err = client.Update(ctx, dep, metav1.UpdateOptions{})
	return err
}

func (d *K8sDriver) applyJob(ctx context.Context, name string, job *batchv1.Job) error {
	client := d.client.BatchV1().Jobs(d.namespace)

	dryRun := *job
	dryRun.Name = name
	if _, err := client.Create(ctx, &dryRun, metav1.CreateOptions{DryRun: []string{metav1.DryRunAll}}); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("dry-run apply job %s: %w", name, err)
	}

	job.Name = name
	_, err := client.Create(ctx, job, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (d *K8sDriver) PatchDeployment(ctx context.Context, name string, ops []build.PatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	payload, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("marshal patch for deployment %s: %w", name, err)
	}
	_, err = d.client.AppsV1().Deployments(d.namespace).Patch(ctx, name, types.JSONPatchType, payload, metav1.PatchOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (d *K8sDriver) DeleteDeployment(ctx context.Context, name string) error {
	err := d.client.AppsV1().Deployments(d.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (d *K8sDriver) DeleteLabeledResources(ctx context.Context, buildName string) error {
	selector := fmt.Sprintf("%s=%s", build.LabelBuild, buildName)
	opts := metav1.ListOptions{LabelSelector: selector}
	deleteOpts := metav1.DeleteOptions{}

	if err := d.client.AppsV1().Deployments(d.namespace).DeleteCollection(ctx, deleteOpts, opts); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete deployments for build %s: %w", buildName, err)
	}
	services, err := d.client.CoreV1().Services(d.namespace).List(ctx, opts)
	if err != nil {
		return fmt.Errorf("list services for build %s: %w", buildName, err)
	}
	for i := range services.Items {
		if err := d.client.CoreV1().Services(d.namespace).Delete(ctx, services.Items[i].Name, deleteOpts); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("delete services for build %s: %w", buildName, err)
		}
	}
	zero := int64(0)
	background := metav1.DeletePropagationBackground
	jobDeleteOpts := metav1.DeleteOptions{GracePeriodSeconds: &zero, PropagationPolicy: &background}
	if err := d.client.BatchV1().Jobs(d.namespace).DeleteCollection(ctx, jobDeleteOpts, opts); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete jobs for build %s: %w", buildName, err)
	}
	if err := d.client.CoreV1().ConfigMaps(d.namespace).DeleteCollection(ctx, deleteOpts, opts); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete configmaps for build %s: %w", buildName, err)
	}
	if err := d.client.CoreV1().Secrets(d.namespace).DeleteCollection(ctx, deleteOpts, opts); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete secrets for build %s: %w", buildName, err)
	}
	if err := d.client.NetworkingV1().Ingresses(d.namespace).DeleteCollection(ctx, deleteOpts, opts); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete ingresses for build %s: %w", buildName, err)
	}
	if err := d.client.CoreV1().PersistentVolumeClaims(d.namespace).DeleteCollection(ctx, deleteOpts, opts); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete persistent volume claims for build %s: %w", buildName, err)
	}
	return nil
}

func (d *K8sDriver) KillJob(ctx context.Context, name string) error {
	zero := int64(0)
	background := metav1.DeletePropagationBackground
	err := d.client.BatchV1().Jobs(d.namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &zero,
		PropagationPolicy:  &background,
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (d *K8sDriver) ReadLog(ctx context.Context, buildName string, kind *build.JobKind) (string, bool, error) {
	selector := fmt.Sprintf("%s=%s", build.LabelBuild, buildName)
	if kind != nil {
		selector = fmt.Sprintf("%s,%s=%s", selector, build.LabelJobKind, string(*kind))
	}
	pods, err := d.client.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return "", false, fmt.Errorf("list pods for build %s: %w", buildName, err)
	}
	if len(pods.Items) == 0 {
		return "", false, nil
	}
	podName := pods.Items[0].Name

	req := d.client.CoreV1().Pods(d.namespace).GetLogs(podName, &corev1.PodLogOptions{})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", false, fmt.Errorf("open log stream for pod %s: %w", podName, err)
	}
	defer stream.Close()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return string(buf), true, nil
}
