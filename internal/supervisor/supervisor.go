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

// Package supervisor runs the two watchers and four reconcilers as
// independent long-running tasks, restarting any task that returns an
// error after a fixed delay, and tearing every task down together on
// shutdown.
package supervisor

import (
	"context"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"
	"golang.org/x/sync/errgroup"
)

// Task is a long-running unit of work that returns when ctx is cancelled,
// or returns an error if it fails early and should be restarted.
type Task func(ctx context.Context) error

// Supervisor owns a named set of tasks and restarts any that exit with an
// error, the way a watch-reconnect loop keeps a controller's informers
// alive across transient apiserver disruptions.
type Supervisor struct {
	restartDelay time.Duration
	tasks        map[string]Task
}

// New returns a Supervisor that restarts a failed task after restartDelay.
func New(restartDelay time.Duration) *Supervisor {
	return &Supervisor{restartDelay: restartDelay, tasks: map[string]Task{}}
}

// Add registers a named task. Add must not be called after Run starts.
func (s *Supervisor) Add(name string, t Task) {
	s.tasks[name] = t
}

// Run starts every registered task and blocks until every task has
// stopped: on ctx cancellation it waits for all tasks to drain before
// returning. A task returning nil (a clean, voluntary exit) is not
// restarted, so Run also returns once all tasks have exited that way;
// only an error return triggers a restart after the configured delay.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, task := range s.tasks {
		name, task := name, task
		g.Go(func() error {
			s.runWithRestart(ctx, name, task)
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) runWithRestart(ctx context.Context, name string, task Task) {
	log := ctrl.LoggerFrom(ctx).WithValues("task", name)
	for {
		err := task(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			log.Info("task exited cleanly, not restarting")
			return
		}
		log.Error(err, "task failed, restarting after delay", "delay", s.restartDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.restartDelay):
		}
	}
}
