// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, defaultStateDir, cfg.Host.StateDir)
	assert.Equal(t, defaultParallelLimit, cfg.Reconcile.ParallelLimit)
}

func TestLoadMergesDefaultsOverUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[host]
uuid = "11111111-1111-1111-1111-111111111111"
ipv4_cidr = "10.2.0.0/24"
ipv6_cidr = "fd01::/112"

[reconcile]
interval_seconds = 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.2.0.0/24", cfg.Host.IPv4CIDR)
	// unset fields keep the values Load seeds from Default.
	assert.Equal(t, defaultHypercallDevice, cfg.Host.HypercallDevice)
	assert.Equal(t, defaultStateDir, cfg.Host.StateDir)
	assert.Equal(t, 5, cfg.Reconcile.IntervalSeconds)
	assert.Equal(t, defaultParallelLimit, cfg.Reconcile.ParallelLimit)
}

func TestLoadRejectsMalformedCIDR(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := "[host]\nipv4_cidr = \"not-a-cidr\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMalformedMemoryOverhead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := "[host]\nmemory_overhead = \"not-a-size\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadFirstFallsThroughToFirstReadablePath(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.toml")
	present := filepath.Join(dir, "present.toml")
	require.NoError(t, os.WriteFile(present, []byte("log_level = \"debug\"\n"), 0600))

	cfg, err := LoadFirst(missing, present)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFirstFailsWhenNoPathIsUsable(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadFirst(filepath.Join(dir, "a.toml"), filepath.Join(dir, "b.toml"))
	assert.Error(t, err)
}

func TestReconcileIntervalConvertsSecondsToDuration(t *testing.T) {
	cfg := Default()
	cfg.Reconcile.IntervalSeconds = 30
	assert.Equal(t, 30e9, float64(cfg.ReconcileInterval()))
}
