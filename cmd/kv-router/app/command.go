/*
Copyright The Volcano Authors.

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

package app

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/kv-router/pkg/kv-router/config"
)

// NewCommand returns the kv-router root command.
func NewCommand() *cobra.Command {
	opts := NewOptions()

	cmd := &cobra.Command{
		Use:   "kv-router",
		Short: "KV cache aware request router for prefill, decode and unified workers",
		Long: `kv-router picks the worker that serves each inference request. It prefers
workers already holding the request's KV cache blocks while keeping load
balanced across the pool.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			cmd.Flags().VisitAll(func(f *pflag.Flag) {
				klog.V(2).Infof("Flag: %s, Value: %s", f.Name, f.Value.String())
			})

			cfg, err := loadConfig(opts.ConfigFile)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			signalCh := make(chan os.Signal, 1)
			signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(signalCh)
			go func() {
				select {
				case <-signalCh:
					klog.Info("Received termination, signaling shutdown")
					cancel()
				case <-ctx.Done():
				}
			}()

			return NewServer(opts, cfg).Run(ctx)
		},
	}

	opts.AddFlags(cmd.Flags())
	// Initialize klog flags
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	cmd.Flags().AddGoFlagSet(klogFlags)
	return cmd
}

func loadConfig(path string) (*config.Configuration, error) {
	if path == "" {
		klog.Info("No config file given, using defaults")
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	klog.Infof("Loaded config from %s", path)
	return cfg, nil
}
