// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package domainbuilder

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpecialPfnLayout(t *testing.T) {
	require.Equal(t, uint64(hvmEndSpecialRegion-nrSpecialPages), specialPfn(specialPaging))
	require.Equal(t, uint64(hvmEndSpecialRegion-nrSpecialPages+7), specialPfn(specialConsole))
	require.Equal(t, specialPfn(specialXenstore)+1, specialPfn(specialIoreq))
}

func TestBuildIdentityPageTableEntries(t *testing.T) {
	buf := make([]byte, pageSize)
	ptr := uintptr(unsafePointerOf(buf))

	for i := uint64(0); i < pageSize/4; i++ {
		entry := uint32(i<<22) | pagePresent | pageRW | pageUser | pageAccessed | pageDirty | pagePSE
		*uint32At(ptr, int(i)) = entry
	}

	got0 := binary.LittleEndian.Uint32(buf[0:4])
	require.Equal(t, uint32(pagePresent|pageRW|pageUser|pageAccessed|pageDirty|pagePSE), got0)

	got1 := binary.LittleEndian.Uint32(buf[4:8])
	require.Equal(t, uint32(1<<22)|uint32(pagePresent|pageRW|pageUser|pageAccessed|pageDirty|pagePSE), got1)
}

func TestConstructMemmapOrdersRamReservedAcpi(t *testing.T) {
	b := &PVHBackend{
		lowmemEnd: 256 << 20,
	}
	b.acpiTables.Blob = make([]byte, pageSize)

	memmap := b.constructMemmap()
	require.Len(t, memmap, 3)
	require.Equal(t, uint32(E820RAM), memmap[0].Type)
	require.Equal(t, uint64(0), memmap[0].Addr)
	require.Equal(t, b.lowmemEnd, memmap[0].Size)

	require.Equal(t, uint32(E820Reserved), memmap[1].Type)
	require.Equal(t, uint64(nrSpecialPages)<<pageShift, memmap[1].Size)

	require.Equal(t, uint32(E820ACPI), memmap[2].Type)
	require.Equal(t, uint64(acpiInfoPhysicalAddress), memmap[2].Addr)
}

func TestFindSaveRecordWalksChain(t *testing.T) {
	var buf []byte
	appendRecord := func(typecode, instance uint16, body []byte) {
		head := make([]byte, hvmSaveDescriptorSize)
		binary.LittleEndian.PutUint16(head[0:], typecode)
		binary.LittleEndian.PutUint16(head[2:], instance)
		binary.LittleEndian.PutUint32(head[4:], uint32(len(body)))
		buf = append(buf, head...)
		buf = append(buf, body...)
	}

	cpuBody := make([]byte, 16)
	cpuBody[0] = 0xAB
	appendRecord(1, 0, []byte{0x01, 0x02})
	appendRecord(hvmCpuRecordType, 0, cpuBody)
	appendRecord(hvmMtrrRecordType, 0, make([]byte, hvmMtrrSize))
	// terminator
	term := make([]byte, hvmSaveDescriptorSize)
	buf = append(buf, term...)

	rec := findSaveRecord(buf, hvmCpuRecordType, 0)
	require.NotNil(t, rec)
	require.Len(t, rec, 16)
	require.Equal(t, byte(0xAB), rec[0])

	mtrr := findSaveRecord(buf, hvmMtrrRecordType, 0)
	require.NotNil(t, mtrr)
	require.Len(t, mtrr, hvmMtrrSize)

	require.Nil(t, findSaveRecord(buf, 99, 0))
}

func TestFindSaveRecordLocatesEveryVcpuMtrrInstance(t *testing.T) {
	var buf []byte
	appendRecord := func(typecode, instance uint16, body []byte) {
		head := make([]byte, hvmSaveDescriptorSize)
		binary.LittleEndian.PutUint16(head[0:], typecode)
		binary.LittleEndian.PutUint16(head[2:], instance)
		binary.LittleEndian.PutUint32(head[4:], uint32(len(body)))
		buf = append(buf, head...)
		buf = append(buf, body...)
	}

	const maxVcpus = 3
	for i := uint16(0); i < maxVcpus; i++ {
		appendRecord(hvmMtrrRecordType, i, make([]byte, hvmMtrrSize))
	}
	term := make([]byte, hvmSaveDescriptorSize)
	buf = append(buf, term...)

	defTypeOff := hvmMtrrSize - 8
	for i := uint16(0); i < maxVcpus; i++ {
		rec := findSaveRecord(buf, hvmMtrrRecordType, i)
		require.NotNil(t, rec, "instance %d", i)
		binary.LittleEndian.PutUint64(rec[defTypeOff:], 6|(1<<11))
	}

	for i := uint16(0); i < maxVcpus; i++ {
		rec := findSaveRecord(buf, hvmMtrrRecordType, i)
		require.Equal(t, uint64(6|(1<<11)), binary.LittleEndian.Uint64(rec[defTypeOff:]), "instance %d", i)
	}

	require.Nil(t, findSaveRecord(buf, hvmMtrrRecordType, maxVcpus))
}

func TestWriteHvmCpuBootFieldOffsets(t *testing.T) {
	cpu := make([]byte, hwCpuOffArbytes+4*8)
	rip := uint64(0x300000)
	rbx := uint64(0x400000)

	writeHvmCpuBoot(cpu, rip, rbx)

	require.Equal(t, rbx, binary.LittleEndian.Uint64(cpu[hwCpuOffRbx:]))
	require.Equal(t, rip, binary.LittleEndian.Uint64(cpu[hwCpuOffRip:]))
	require.Equal(t, uint64(1<<1), binary.LittleEndian.Uint64(cpu[hwCpuOffRflags:]))
	require.Equal(t, uint64(0x11), binary.LittleEndian.Uint64(cpu[hwCpuOffCr0:]))
	require.Equal(t, uint32(0xffffffff), binary.LittleEndian.Uint32(cpu[hwCpuOffCsLimit:]))
	require.Equal(t, uint32(0x67), binary.LittleEndian.Uint32(cpu[hwCpuOffTrLimit:]))
	require.Equal(t, uint32(0xc9b), binary.LittleEndian.Uint32(cpu[hwCpuOffCsArbytes:]))
	require.Equal(t, uint32(0x8b), binary.LittleEndian.Uint32(cpu[hwCpuOffTrArbytes:]))
}

func TestWriteHvmStartInfoRoundtrip(t *testing.T) {
	buf := make([]byte, hvmStartInfoSize)
	ptr := uintptr(unsafePointerOf(buf))

	info := hvmStartInfo{
		Magic:         xenHvmStartMagicValue,
		Version:       1,
		CmdlinePaddr:  0x1000,
		MemmapPaddr:   0x2000,
		MemmapEntries: 3,
		RsdpPaddr:     0x3000,
	}
	writeHvmStartInfo(ptr, info)

	require.Equal(t, info.Magic, binary.LittleEndian.Uint32(buf[0:]))
	require.Equal(t, info.Version, binary.LittleEndian.Uint32(buf[4:]))
	require.Equal(t, info.CmdlinePaddr, binary.LittleEndian.Uint64(buf[24:]))
	require.Equal(t, info.RsdpPaddr, binary.LittleEndian.Uint64(buf[32:]))
	require.Equal(t, info.MemmapPaddr, binary.LittleEndian.Uint64(buf[40:]))
	require.Equal(t, info.MemmapEntries, binary.LittleEndian.Uint32(buf[48:]))
}
