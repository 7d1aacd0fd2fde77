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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validYAML = `
interfaces:
  - device: eth0
    host_addr: "10.0.0.1"
    netmask: "255.255.255.0"
    gateway: "10.0.0.1"
    fanout_group: 7
    offload:
      rx_csum_offload: true
log:
  level: debug
  format: json
`

func writeTemp(t *testing.T, contents string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "shardnetd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Interfaces, 1)
	iface := cfg.Interfaces[0]
	require.Equal(t, "eth0", iface.Device)
	require.Equal(t, "10.0.0.1", iface.HostAddr)
	require.True(t, iface.Offload.RXChecksum)
	require.EqualValues(t, 7, iface.FanoutGroup)

	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.False(t, cfg.Filter.Enabled)
	require.Equal(t, "drop", cfg.Filter.Action)
}

func TestLoadRejectsMissingInterfaces(t *testing.T) {
	path := writeTemp(t, "log:\n  level: info\n  format: text\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsEnabledFilterWithNoRules(t *testing.T) {
	path := writeTemp(t, validYAML+"filter:\n  enabled: true\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadDefaultsLogLevelAndFormat(t *testing.T) {
	path := writeTemp(t, `
interfaces:
  - device: eth0
    host_addr: "10.0.0.1"
    netmask: "255.255.255.0"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
}
