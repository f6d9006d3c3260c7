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

// Package reconciler implements the four single-threaded cooperative
// reconcile loops — initializer, stopper, undeployer, cleaner — each
// woken by its own debounced wake signal, each computing headroom against
// a capacity ceiling (cleaner has none) and dispatching an action on the
// oldest eligible builds returned by the matching index selector.
package reconciler

import (
	"context"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/runboat-sh/runboat/internal/build"
	"github.com/runboat-sh/runboat/internal/index"
)

// Actor is the subset of the lifecycle controller a reconciler dispatches
// actions to. lifecycle.Controller satisfies this implicitly.
type Actor interface {
	Initialize(ctx context.Context, b build.Build) error
	StopBuild(ctx context.Context, b build.Build) error
	UndeployBuild(ctx context.Context, b build.Build) error
	Cleanup(ctx context.Context, b build.Build) error
}

// Wake is an edge-triggered, coalescing wake-up signal: any number of
// Signal calls between two receives collapse into a single wake-up.
type Wake struct {
	ch chan struct{}
}

// NewWake returns a ready-to-use Wake.
func NewWake() *Wake {
	return &Wake{ch: make(chan struct{}, 1)}
}

// Signal wakes the reconciler. Never blocks.
func (w *Wake) Signal() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C returns the channel a reconciler loop selects on.
func (w *Wake) C() <-chan struct{} {
	return w.ch
}

// Signals bundles one Wake per reconciler. index.Listener registrations
// call SignalAll unconditionally on every build index change; each
// reconciler decides for itself whether the change was relevant.
type Signals struct {
	Initializer *Wake
	Stopper     *Wake
	Undeployer  *Wake
	Cleaner     *Wake
}

// NewSignals returns a fresh Signals bundle.
func NewSignals() *Signals {
	return &Signals{
		Initializer: NewWake(),
		Stopper:     NewWake(),
		Undeployer:  NewWake(),
		Cleaner:     NewWake(),
	}
}

// SignalAll wakes every reconciler. Intended to be registered as an
// index.Listener: func(event index.Event, b build.Build) { signals.SignalAll() }.
func (s *Signals) SignalAll() {
	s.Initializer.Signal()
	s.Stopper.Signal()
	s.Undeployer.Signal()
	s.Cleaner.Signal()
}

// Timing bundles the two durations every reconciler loop needs: the
// debounce that coalesces a burst of wake-ups into one pass, and the
// periodic floor that protects against a missed signal if a watcher
// momentarily stalls.
type Timing struct {
	Debounce  time.Duration
	PollFloor time.Duration
}

// sleep waits for d or ctx cancellation, reporting false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// CappedConfig configures a ceiling-enforcing reconciler: initializer,
// stopper or undeployer. Limit and Current are re-evaluated on every
// pass, since capacity and the live count both move over time.
type CappedConfig struct {
	Name    string
	Wake    *Wake
	Timing  Timing
	Limit   func(ctx context.Context) (int, error)
	Current func(ctx context.Context) (int, error)
	Select  func(ctx context.Context, headroom int) ([]build.Build, error)
	Act     func(ctx context.Context, b build.Build) error
}

// RunCapped runs a ceiling-enforcing reconciler loop until ctx is
// cancelled. Each pass computes headroom = limit - current; if headroom
// is at or below zero, or no candidates are returned, the pass is a
// no-op. Candidates are dispatched in the order Select returns them
// (oldest first), sequentially — each dispatch only requests a cluster
// mutation, the actual state transition arrives later through the
// deployment watcher.
func RunCapped(ctx context.Context, cfg CappedConfig) error {
	log := ctrl.LoggerFrom(ctx).WithName(cfg.Name)
	floor := time.NewTimer(cfg.Timing.PollFloor)
	defer floor.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cfg.Wake.C():
		case <-floor.C:
		}

		if !sleep(ctx, cfg.Timing.Debounce) {
			return nil
		}
		resetTimer(floor, cfg.Timing.PollFloor)

		limit, err := cfg.Limit(ctx)
		if err != nil {
			log.Error(err, "limit lookup failed")
			continue
		}
		current, err := cfg.Current(ctx)
		if err != nil {
			log.Error(err, "current count lookup failed")
			continue
		}
		headroom := limit - current
		if headroom <= 0 {
			continue
		}

		candidates, err := cfg.Select(ctx, headroom)
		if err != nil {
			log.Error(err, "candidate selection failed")
			continue
		}
		for _, b := range candidates {
			if err := cfg.Act(ctx, b); err != nil {
				log.Error(err, "action failed, will be reconsidered next pass", "build", b.Name)
			}
		}
	}
}

// CleanerConfig configures the uncapped cleaner reconciler: it reacts to
// every undeploying build on each pass, with no ceiling.
type CleanerConfig struct {
	Wake      *Wake
	Timing    Timing
	ToCleanup func(ctx context.Context) ([]build.Build, error)
	Act       func(ctx context.Context, b build.Build) error
}

// RunCleaner runs the cleaner reconciler loop until ctx is cancelled.
func RunCleaner(ctx context.Context, cfg CleanerConfig) error {
	log := ctrl.LoggerFrom(ctx).WithName("cleaner")
	floor := time.NewTimer(cfg.Timing.PollFloor)
	defer floor.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cfg.Wake.C():
		case <-floor.C:
		}

		if !sleep(ctx, cfg.Timing.Debounce) {
			return nil
		}
		resetTimer(floor, cfg.Timing.PollFloor)

		candidates, err := cfg.ToCleanup(ctx)
		if err != nil {
			log.Error(err, "to_cleanup lookup failed")
			continue
		}
		for _, b := range candidates {
			if err := cfg.Act(ctx, b); err != nil {
				log.Error(err, "action failed, will be reconsidered next pass", "build", b.Name)
			}
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// Initializer builds the CappedConfig for the initializer reconciler:
// headroom against max_initializing, candidates from ToInitialize.
func Initializer(idx *index.Index, actor Actor, maxInitializing int, timing Timing, wake *Wake) CappedConfig {
	return CappedConfig{
		Name:   "initializer",
		Wake:   wake,
		Timing: timing,
		Limit:  func(ctx context.Context) (int, error) { return maxInitializing, nil },
		Current: func(ctx context.Context) (int, error) {
			return idx.CountByInitStatus(ctx, build.InitStatusStarted)
		},
		Select: func(ctx context.Context, headroom int) ([]build.Build, error) {
			return idx.ToInitialize(ctx, headroom)
		},
		Act: actor.Initialize,
	}
}

// Stopper builds the CappedConfig for the stopper reconciler: headroom
// against max_started, candidates from OldestStarted.
func Stopper(idx *index.Index, actor Actor, maxStarted int, timing Timing, wake *Wake) CappedConfig {
	return CappedConfig{
		Name:   "stopper",
		Wake:   wake,
		Timing: timing,
		Limit:  func(ctx context.Context) (int, error) { return maxStarted, nil },
		Current: func(ctx context.Context) (int, error) {
			return idx.CountByStatus(ctx, build.StatusStarted)
		},
		Select: func(ctx context.Context, headroom int) ([]build.Build, error) {
			return idx.OldestStarted(ctx, headroom)
		},
		Act: actor.StopBuild,
	}
}

// Undeployer builds the CappedConfig for the undeployer reconciler:
// headroom against max_deployed, candidates from OldestStopped (which
// already excludes the newest build per branch group; PR builds are never
// excluded).
func Undeployer(idx *index.Index, actor Actor, maxDeployed int, timing Timing, wake *Wake) CappedConfig {
	return CappedConfig{
		Name:    "undeployer",
		Wake:    wake,
		Timing:  timing,
		Limit:   func(ctx context.Context) (int, error) { return maxDeployed, nil },
		Current: idx.CountDeployed,
		Select: func(ctx context.Context, headroom int) ([]build.Build, error) {
			return idx.OldestStopped(ctx, headroom)
		},
		Act: actor.UndeployBuild,
	}
}

// Cleaner builds the CleanerConfig for the cleaner reconciler.
func Cleaner(idx *index.Index, actor Actor, timing Timing, wake *Wake) CleanerConfig {
	return CleanerConfig{
		Wake:      wake,
		Timing:    timing,
		ToCleanup: idx.ToCleanup,
		Act:       actor.Cleanup,
	}
}
