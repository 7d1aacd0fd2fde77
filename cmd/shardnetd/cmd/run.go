// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"shardnet/internal/wiring"
	"shardnet/pkg/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load the config and run shardnetd in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func runDaemon() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sys, err := wiring.Build(cfg)
	if err != nil {
		return fmt.Errorf("building system: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sys.Log.Infof("shardnetd running with %d core(s)", sys.Manager.NumCores())
	if err := sys.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("running: %w", err)
	}
	return nil
}
