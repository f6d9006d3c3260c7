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

// Package cmd holds the runboat operator's cobra command tree.
package cmd

import (
	goflag "flag"
	"fmt"

	"github.com/spf13/cobra"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

var (
	kubeconfig string
	zapOpts    = zap.Options{}
)

var rootCmd = &cobra.Command{
	Use:   "runboat",
	Short: "runboat — ephemeral per-commit deployments driven by a build index",
	Long: `runboat watches a namespace's build deployments and jobs, keeps an
in-memory index of every build's state, and reconciles that index
against the configured capacity ceilings: how many builds may initialize,
run, and stay deployed at once.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&kubeconfig, "kubeconfig", "", "path to a kubeconfig file (defaults to in-cluster config)")

	goFlags := goflag.NewFlagSet("zap", goflag.ExitOnError)
	zapOpts.BindFlags(goFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(goFlags)
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("runboat: %w", err)
	}
	return nil
}
