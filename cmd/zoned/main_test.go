// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoneforge/zoned/pkg/config"
)

func TestLoadConfigFallsBackToDefaultWhenNoPathGiven(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestLoadConfigPropagatesErrorForExplicitBadPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_level = 5\n"), 0600))

	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestHostIdentityMintsEphemeralWhenUnset(t *testing.T) {
	log := logrus.WithField("test", true)
	id, err := hostIdentity("", log)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
}

func TestHostIdentityParsesConfiguredUUID(t *testing.T) {
	log := logrus.WithField("test", true)
	want := uuid.New()
	id, err := hostIdentity(want.String(), log)
	require.NoError(t, err)
	assert.Equal(t, want, id)
}

func TestHostIdentityRejectsMalformedUUID(t *testing.T) {
	log := logrus.WithField("test", true)
	_, err := hostIdentity("not-a-uuid", log)
	assert.Error(t, err)
}

func TestHostNetworksRequiresBothCIDRs(t *testing.T) {
	_, _, err := hostNetworks(config.HostConfig{IPv4CIDR: "10.0.0.0/24"})
	assert.Error(t, err)
}

func TestHostNetworksParsesBothCIDRs(t *testing.T) {
	ipv4, ipv6, err := hostNetworks(config.HostConfig{IPv4CIDR: "10.0.0.0/24", IPv6CIDR: "fd00::/112"})
	require.NoError(t, err)
	assert.Equal(t, &net.IPNet{IP: net.IPv4(10, 0, 0, 0).To4(), Mask: net.CIDRMask(24, 32)}, ipv4)
	assert.NotNil(t, ipv6)
}
