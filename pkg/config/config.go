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

// Package config loads shardnetd's static startup configuration with
// viper: one core per configured interface entry, each core's address
// and NIC settings, log output, and an optional packet filter.
// Interface state is treated as startup-only, never mutated once
// loaded — there is no reload path, matching this system's per-core
// ownership model where handing a live Config to another core would
// itself be a concurrency violation.
package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/viper"

	"shardnet/pkg/tcpip"
)

// OffloadConfig mirrors nic.OffloadCapabilities in config terms.
type OffloadConfig struct {
	RXChecksum bool `mapstructure:"rx_csum_offload"`
	TXIPCksum  bool `mapstructure:"tx_csum_ip_offload"`
	TXTCPCksum bool `mapstructure:"tx_csum_tcp_offload"`
	TXUDPCksum bool `mapstructure:"tx_csum_udp_offload"`
	TXTSO      bool `mapstructure:"tx_tso"`
	TXUFO      bool `mapstructure:"tx_ufo"`
}

// FilterRuleConfig is one pkg/filter.Rule in config terms.
type FilterRuleConfig struct {
	Protocol uint8  `mapstructure:"protocol"`
	Net      string `mapstructure:"net"`
	Mask     string `mapstructure:"mask"`
}

// FilterConfig configures the optional packet filter hook.
type FilterConfig struct {
	Enabled bool               `mapstructure:"enabled"`
	Action  string             `mapstructure:"action"` // "drop" | "accept"
	Rules   []FilterRuleConfig `mapstructure:"rules"`
}

// InterfaceConfig is one core's worth of interface state: one shardnetd
// core owns exactly one InterfaceConfig, and one Linux network interface
// may be shared by several cores via PACKET_FANOUT when FanoutGroup is
// set the same across them.
type InterfaceConfig struct {
	Device      string        `mapstructure:"device"`
	HostAddr    string        `mapstructure:"host_addr"`
	Netmask     string        `mapstructure:"netmask"`
	Gateway     string        `mapstructure:"gateway"`
	MTU         uint32        `mapstructure:"mtu"` // 0 = query the device
	RingSize    int           `mapstructure:"ring_size"`
	TXRateHz    float64       `mapstructure:"tx_rate_hz"` // 0 = unlimited
	TXBurstCap  int           `mapstructure:"tx_burst_cap"`
	FanoutGroup uint16        `mapstructure:"fanout_group"`
	Offload     OffloadConfig `mapstructure:"offload"`
}

// LogConfig controls logrus's output.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // text | json
}

// Config is shardnetd's full startup configuration.
type Config struct {
	Interfaces []InterfaceConfig `mapstructure:"interfaces"`
	Log        LogConfig         `mapstructure:"log"`
	Filter     FilterConfig      `mapstructure:"filter"`
}

// Load reads path (any format viper supports — YAML, JSON, TOML) and
// environment overrides prefixed SHARDNETD_ (nested keys separated by
// underscore, e.g. SHARDNETD_LOG_LEVEL), applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}

	v.SetEnvPrefix("shardnetd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("filter.action", "drop")
	v.SetDefault("filter.enabled", false)
}

func (c *Config) validate() error {
	if len(c.Interfaces) == 0 {
		return fmt.Errorf("at least one interfaces entry is required")
	}
	for i, iface := range c.Interfaces {
		if iface.Device == "" {
			return fmt.Errorf("interfaces[%d]: device is required", i)
		}
		if iface.HostAddr == "" {
			return fmt.Errorf("interfaces[%d]: host_addr is required", i)
		}
		if iface.Netmask == "" {
			return fmt.Errorf("interfaces[%d]: netmask is required", i)
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q", c.Log.Format)
	}
	if c.Filter.Enabled {
		switch c.Filter.Action {
		case "drop", "accept":
		default:
			return fmt.Errorf("invalid filter.action %q", c.Filter.Action)
		}
		if len(c.Filter.Rules) == 0 {
			return fmt.Errorf("filter.enabled is true but filter.rules is empty")
		}
	}
	return nil
}

// ParseAddress parses a dotted-decimal IPv4 address into a tcpip.Address.
func ParseAddress(s string) (tcpip.Address, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return "", fmt.Errorf("config: %q is not a valid IP address", s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return "", fmt.Errorf("config: %q is not an IPv4 address", s)
	}
	return tcpip.Address(ip4), nil
}
