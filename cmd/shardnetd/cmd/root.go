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

// Package cmd implements shardnetd's CLI commands using cobra.
package cmd

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "shardnetd",
	Short: "shardnetd runs a shard-per-core userspace IPv4 stack",
	Long: `shardnetd binds one reactor core to each configured network
interface and runs a shared-nothing IPv4 stack over it: header
validation, fragment reassembly, ARP resolution, an optional packet
filter, and ICMP/UDP echo, all without locks between cores.`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It is called by main.main and only needs to run once.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/shardnetd/config.yaml",
		"config file path")
	rootCmd.AddCommand(runCmd)
}
