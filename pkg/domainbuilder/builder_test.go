// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package domainbuilder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zoneforge/zoned/pkg/zone"
)

func TestDefaultConfigUsesPVH(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, BackendPVH, cfg.Backend)
	require.NotZero(t, cfg.VirtBase)
	require.NotZero(t, cfg.P2mBase)
}

func TestNewBackendSelectsPVHFlags(t *testing.T) {
	b := &Builder{cfg: Config{Backend: BackendPVH}}
	arch, flags, emuFlags := b.newBackend(2)

	_, ok := arch.(*PVHBackend)
	require.True(t, ok)
	require.Equal(t, PVHDomainCreateFlags(), flags)
	require.Equal(t, PVHEmulationFlags(), emuFlags)
}

func TestNewBackendSelectsPVWithNoFlags(t *testing.T) {
	b := &Builder{cfg: Config{Backend: BackendPV}}
	arch, flags, emuFlags := b.newBackend(2)

	_, ok := arch.(*PVBackend)
	require.True(t, ok)
	require.Zero(t, flags)
	require.Zero(t, emuFlags)
}

func TestAssignPassthroughDevicesSkipsNonPCIKinds(t *testing.T) {
	b := &Builder{}
	err := b.assignPassthroughDevices(context.Background(), 7, []zone.DeviceSpec{
		{ID: "rootfs", Kind: "block", Path: "/dev/loop0"},
		{ID: "share", Kind: "9pfs", Path: "/srv/share"},
	})
	require.NoError(t, err)
}

func TestAssignPassthroughDevicesRejectsMalformedBDF(t *testing.T) {
	b := &Builder{}
	err := b.assignPassthroughDevices(context.Background(), 7, []zone.DeviceSpec{
		{ID: "nic0", Kind: "pci", Path: "not-a-bdf"},
	})
	require.Error(t, err)
}
