// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package config loads and validates the daemon's TOML configuration:
// host network ranges, store/hypercall device paths, and reconcile
// tuning, following the shape of the teacher's runtime TOML config.
package config

import (
	"net"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pkg/errors"
)

// DefaultConfigPaths are probed in order when no explicit path is given,
// mirroring the teacher's well-known-path list for its own TOML config.
var DefaultConfigPaths = []string{
	"/etc/zoned/config.toml",
	"/usr/share/defaults/zoned/config.toml",
}

const (
	defaultStoreSocketPath    = "/var/run/xenstored/socket"
	defaultHypercallDevice    = "/dev/xen/privcmd"
	defaultGrantDevice        = "/dev/xen/gntdev"
	defaultStateDir           = "/var/lib/zoned"
	defaultReconcileInterval  = 15 * time.Second
	defaultParallelLimit      = 5
	defaultHostMemoryOverhead = "256MB"
)

// HostConfig holds the TOML-level settings for the daemon's host identity
// and I/O surfaces.
type HostConfig struct {
	// UUID is the daemon's own host identity, stamped on the status of
	// every zone it reconciles. Gateway addresses are reserved against
	// ipam.HostUUID instead, not against this value.
	UUID string `toml:"uuid"`

	StoreSocketPath string `toml:"store_socket_path"`
	HypercallDevice string `toml:"hypercall_device"`
	GrantDevice     string `toml:"grant_device"`

	// StateDir roots the zone store's on-disk records, one directory
	// per zone UUID.
	StateDir string `toml:"state_dir"`

	IPv4CIDR string `toml:"ipv4_cidr"`
	IPv6CIDR string `toml:"ipv6_cidr"`

	// MemoryOverhead is a go-units byte size (e.g. "256MB"). Validate
	// checks that it parses; no other code reads it.
	MemoryOverhead string `toml:"memory_overhead"`
}

// ReconcileConfig tunes the Zone Reconciler's loop.
type ReconcileConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
	ParallelLimit   int `toml:"parallel_limit"`
}

// Config is the daemon's full parsed configuration.
type Config struct {
	Host      HostConfig       `toml:"host"`
	Reconcile ReconcileConfig  `toml:"reconcile"`
	LogLevel  string           `toml:"log_level"`
}

// Default returns a Config with every field defaulted, the same base a
// loaded file is merged against.
func Default() *Config {
	return &Config{
		Host: HostConfig{
			StoreSocketPath: defaultStoreSocketPath,
			HypercallDevice: defaultHypercallDevice,
			GrantDevice:     defaultGrantDevice,
			StateDir:        defaultStateDir,
			MemoryOverhead:  defaultHostMemoryOverhead,
		},
		Reconcile: ReconcileConfig{
			IntervalSeconds: int(defaultReconcileInterval / time.Second),
			ParallelLimit:   defaultParallelLimit,
		},
		LogLevel: "warn",
	}
}

// Load reads and validates a TOML config file at path, defaulting any
// field the file leaves zero.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "decoding config %s", path)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFirst tries paths in order (DefaultConfigPaths when none are given),
// returning the first that loads successfully.
func LoadFirst(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = DefaultConfigPaths
	}
	var lastErr error
	for _, p := range paths {
		cfg, err := Load(p)
		if err == nil {
			return cfg, nil
		}
		lastErr = err
	}
	return nil, errors.Wrap(lastErr, "no usable config file found")
}

func (c *Config) normalize() error {
	if c.Reconcile.IntervalSeconds == 0 {
		c.Reconcile.IntervalSeconds = int(defaultReconcileInterval / time.Second)
	}
	if c.Reconcile.ParallelLimit == 0 {
		c.Reconcile.ParallelLimit = defaultParallelLimit
	}
	if c.Host.MemoryOverhead == "" {
		c.Host.MemoryOverhead = defaultHostMemoryOverhead
	}
	if c.Host.StateDir == "" {
		c.Host.StateDir = defaultStateDir
	}
	return nil
}

// Validate checks parseable fields (CIDRs, byte sizes) without touching
// the filesystem or network.
func (c *Config) Validate() error {
	if c.Host.IPv4CIDR != "" {
		if _, _, err := net.ParseCIDR(c.Host.IPv4CIDR); err != nil {
			return errors.Wrap(err, "host.ipv4_cidr")
		}
	}
	if c.Host.IPv6CIDR != "" {
		if _, _, err := net.ParseCIDR(c.Host.IPv6CIDR); err != nil {
			return errors.Wrap(err, "host.ipv6_cidr")
		}
	}
	if _, err := units.RAMInBytes(c.Host.MemoryOverhead); err != nil {
		return errors.Wrap(err, "host.memory_overhead")
	}
	if c.Reconcile.ParallelLimit <= 0 {
		return errors.New("reconcile.parallel_limit must be positive")
	}
	return nil
}

// ReconcileInterval is IntervalSeconds as a time.Duration.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalSeconds) * time.Second
}
