// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package acpi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func sum8(b []byte) byte {
	var s byte
	for _, v := range b {
		s += v
	}
	return s
}

func TestBuildRsdpChecksums(t *testing.T) {
	tables := Build(0xFC000000, 2)
	rsdp := tables.Blob[:36]

	require.Equal(t, byte(0), sum8(rsdp[0:20]))
	require.Equal(t, byte(0), sum8(rsdp))
	require.Equal(t, "RSD PTR ", string(rsdp[0:8]))
	require.Equal(t, byte(2), rsdp[15])
}

func TestBuildXsdtPointsAtFadtAndMadt(t *testing.T) {
	guestBase := uint64(0xFC000000)
	tables := Build(guestBase, 1)

	rsdp := tables.Blob[:36]
	xsdtAddr := binary.LittleEndian.Uint64(rsdp[24:32]) - guestBase
	xsdt := tables.Blob[xsdtAddr:]
	xsdtLen := binary.LittleEndian.Uint32(xsdt[4:8])
	require.Equal(t, byte(0), sum8(xsdt[:xsdtLen]))

	fadtPtr := binary.LittleEndian.Uint64(xsdt[36:44])
	madtPtr := binary.LittleEndian.Uint64(xsdt[44:52])
	require.Greater(t, fadtPtr, guestBase)
	require.Greater(t, madtPtr, guestBase)

	fadt := tables.Blob[fadtPtr-guestBase:]
	require.Equal(t, "FACP", string(fadt[0:4]))
	fadtLen := binary.LittleEndian.Uint32(fadt[4:8])
	require.Equal(t, byte(0), sum8(fadt[:fadtLen]))

	madt := tables.Blob[madtPtr-guestBase:]
	require.Equal(t, "APIC", string(madt[0:4]))
	madtLen := binary.LittleEndian.Uint32(madt[4:8])
	require.Equal(t, byte(0), sum8(madt[:madtLen]))
}

func TestBuildMadtHasOneEntryPerVcpu(t *testing.T) {
	guestBase := uint64(0xFC000000)
	maxVcpus := uint32(4)
	tables := Build(guestBase, maxVcpus)

	rsdp := tables.Blob[:36]
	xsdtAddr := binary.LittleEndian.Uint64(rsdp[24:32]) - guestBase
	xsdt := tables.Blob[xsdtAddr:]
	madtPtr := binary.LittleEndian.Uint64(xsdt[44:52])
	madt := tables.Blob[madtPtr-guestBase:]
	madtLen := binary.LittleEndian.Uint32(madt[4:8])

	// header(36) + local apic address/flags(8) + maxVcpus * 8-byte entries
	require.Equal(t, uint32(36+8)+8*maxVcpus, madtLen)

	entriesStart := headerLen + 8
	for i := uint32(0); i < maxVcpus; i++ {
		entry := madt[entriesStart+int(i)*8:]
		require.Equal(t, byte(0), entry[0], "entry type is Processor Local APIC")
		require.Equal(t, byte(8), entry[1], "entry length")
		require.Equal(t, byte(i), entry[2])
		require.Equal(t, uint32(1), binary.LittleEndian.Uint32(entry[4:8]), "enabled flag")
	}
}

func TestBuildDsdtChecksum(t *testing.T) {
	tables := Build(0xFC000000, 1)
	// DSDT immediately follows the 36-byte RSDP
	dsdt := tables.Blob[36:]
	dsdtLen := binary.LittleEndian.Uint32(dsdt[4:8])
	require.Equal(t, "DSDT", string(dsdt[0:4]))
	require.Equal(t, byte(0), sum8(dsdt[:dsdtLen]))
}
