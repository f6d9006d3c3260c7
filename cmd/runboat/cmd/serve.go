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

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/runboat-sh/runboat/internal/build"
	"github.com/runboat-sh/runboat/internal/cluster"
	"github.com/runboat-sh/runboat/internal/config"
	"github.com/runboat-sh/runboat/internal/index"
	"github.com/runboat-sh/runboat/internal/lifecycle"
	"github.com/runboat-sh/runboat/internal/reconciler"
	"github.com/runboat-sh/runboat/internal/supervisor"
	"github.com/runboat-sh/runboat/internal/watcher"
	"github.com/runboat-sh/runboat/pkg/forge"
)

var reposFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the watchers and reconcilers against a live cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&reposFile, "repos-file", "", "path to a YAML file listing the repo allow-list ([]config.RepoConfig)")
	rootCmd.AddCommand(serveCmd)
}

func loadRepos(path string) ([]config.RepoConfig, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read repos file: %w", err)
	}
	var repos []config.RepoConfig
	if err := sigsyaml.Unmarshal(raw, &repos); err != nil {
		return nil, fmt.Errorf("parse repos file: %w", err)
	}
	return repos, nil
}

func buildK8sClient(kubeconfigPath string) (kubernetes.Interface, error) {
	var cfg *rest.Config
	var err error
	if kubeconfigPath != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("build kubernetes client config: %w", err)
	}
	return kubernetes.NewForConfig(cfg)
}

func runServe(parentCtx context.Context) error {
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := ctrl.LoggerFrom(ctx)

	settings, err := config.Load()
	if err != nil {
		return err
	}
	settings.Repos, err = loadRepos(reposFile)
	if err != nil {
		return err
	}

	client, err := buildK8sClient(kubeconfig)
	if err != nil {
		return err
	}
	driver := cluster.NewK8sDriver(client, settings.Namespace, settings.WatchRequestTimeout)

	idx, err := index.Open(ctx)
	if err != nil {
		return fmt.Errorf("open build index: %w", err)
	}
	defer idx.Close()

	var forgeProvider forge.Provider
	if settings.GitHubToken != "" {
		forgeProvider, err = forge.NewProvider(settings.ForgeProvider, settings.GitHubToken)
		if err != nil {
			return err
		}
	} else {
		log.Info("no forge token configured, commit-status posting disabled")
	}

	ceilings := lifecycle.Ceilings{
		MaxInitializing: settings.MaxInitializing,
		MaxStarted:      settings.MaxStarted,
		MaxDeployed:     settings.MaxDeployed,
	}
	lc := lifecycle.New(driver, idx, forgeProvider, settings.TemplateFor, ceilings, settings.BuildDomain)

	// Every index mutation wakes all four reconcilers unconditionally; each
	// reconciler decides for itself whether the event was relevant.
	signals := reconciler.NewSignals()
	idx.RegisterListener(func(index.Event, build.Build) { signals.SignalAll() })

	timing := reconciler.Timing{Debounce: settings.EventBufferingDelay, PollFloor: settings.ReconcilerPollFloor}

	sup := supervisor.New(settings.TaskRestartDelay)
	sup.Add("deployment-watcher", func(ctx context.Context) error {
		return watcher.RunDeployments(ctx, driver, idx)
	})
	sup.Add("job-watcher", func(ctx context.Context) error {
		return watcher.RunJobs(ctx, driver, idx, lc)
	})
	sup.Add("initializer", func(ctx context.Context) error {
		return reconciler.RunCapped(ctx, reconciler.Initializer(idx, lc, settings.MaxInitializing, timing, signals.Initializer))
	})
	sup.Add("stopper", func(ctx context.Context) error {
		return reconciler.RunCapped(ctx, reconciler.Stopper(idx, lc, settings.MaxStarted, timing, signals.Stopper))
	})
	sup.Add("undeployer", func(ctx context.Context) error {
		return reconciler.RunCapped(ctx, reconciler.Undeployer(idx, lc, settings.MaxDeployed, timing, signals.Undeployer))
	})
	sup.Add("cleaner", func(ctx context.Context) error {
		return reconciler.RunCleaner(ctx, reconciler.Cleaner(idx, lc, timing, signals.Cleaner))
	})

	log.Info("runboat starting", "namespace", settings.Namespace)
	return sup.Run(ctx)
}
