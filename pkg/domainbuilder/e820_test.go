// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package domainbuilder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zoneforge/zoned/pkg/hypercall"
)

func TestSanitizeE820DropsSubMegabyteEntry(t *testing.T) {
	entries := []hypercall.E820Entry{
		{Addr: 0, Size: 0x80000, Type: E820RAM},
	}
	got := SanitizeE820(entries, 2048, 0)
	require.Len(t, got, 1)
	require.Equal(t, uint64(0), got[0].Addr)
	require.Equal(t, 2048*uint64(1024), got[0].Size)
}

func TestSanitizeE820LeavesBoundaryCrossingReservedEntryUntouched(t *testing.T) {
	entries := []hypercall.E820Entry{
		{Addr: 0x90000, Size: 0x80000, Type: E820Reserved},
	}
	got := SanitizeE820(entries, 2048, 0)
	// the reserved entry starts below 1MiB and crosses it: the 1MiB filter
	// only applies to RAM, so it keeps its original start
	var reserved *hypercall.E820Entry
	for i := range got {
		if got[i].Type == E820Reserved {
			reserved = &got[i]
		}
	}
	require.NotNil(t, reserved)
	require.Equal(t, uint64(0x90000), reserved.Addr)
}

func TestSanitizeE820LowRamTruncatedAgainstReserved(t *testing.T) {
	// reserved region starts at 256MiB, below the 2GiB map limit
	reservedBase := uint64(256) << 20
	entries := []hypercall.E820Entry{
		{Addr: reservedBase, Size: 0x1000, Type: E820Reserved},
	}
	got := SanitizeE820(entries, 2048*1024, 0)
	require.Equal(t, uint64(0), got[0].Addr)
	require.Equal(t, uint32(E820RAM), got[0].Type)
	require.Equal(t, reservedBase, got[0].Size)
}

func TestSanitizeE820FoldsStraddlingReservedEntryAfterTruncatedLowRam(t *testing.T) {
	mapLimitKB := uint64(2048) * 1024
	reservedBase := mapLimitKB << 10 // the map limit itself
	entries := []hypercall.E820Entry{
		{Addr: reservedBase - 0x1000, Size: 0x2000, Type: E820Reserved}, // straddles the boundary
	}
	got := SanitizeE820(entries, 2048*1024, 0)
	// the entry starts below the limit, so low RAM ends where it begins
	// and the entry itself is folded through unclipped
	require.Equal(t, uint64(0), got[0].Addr)
	require.Equal(t, reservedBase-0x1000, got[0].Size)

	var reserved *hypercall.E820Entry
	for i := range got {
		if got[i].Type == E820Reserved {
			reserved = &got[i]
		}
	}
	require.NotNil(t, reserved)
	require.Equal(t, reservedBase-0x1000, reserved.Addr)
	require.Equal(t, uint64(0x2000), reserved.Size)
}

func TestSanitizeE820AppendsHighRamWhenBalloonedOrTruncated(t *testing.T) {
	reservedBase := uint64(256) << 20
	entries := []hypercall.E820Entry{
		{Addr: reservedBase, Size: 0x1000, Type: E820Reserved},
	}
	got := SanitizeE820(entries, 2048*1024, 1024*1024)

	var high *hypercall.E820Entry
	for i := range got {
		if got[i].Type == E820RAM && got[i].Addr >= uint64(1)<<32 {
			high = &got[i]
		}
	}
	require.NotNil(t, high)
	require.Equal(t, uint64(1)<<32, high.Addr)
	lost := (2048 * uint64(1024) << 10) - reservedBase
	require.Equal(t, lost+(1024*1024<<10), high.Size)
}

func TestSanitizeE820PreservesReservedEntryEndingAtOneMebibyte(t *testing.T) {
	entries := []hypercall.E820Entry{
		{Addr: 0, Size: uint64(4) << 30, Type: E820RAM},
		{Addr: 0xE0000, Size: oneMiB - 0xE0000, Type: E820Reserved},
	}
	got := SanitizeE820(entries, 2048*1024, 0)

	var reserved *hypercall.E820Entry
	for i := range got {
		if got[i].Type == E820Reserved {
			reserved = &got[i]
		}
	}
	require.NotNil(t, reserved)
	require.Equal(t, uint64(0xE0000), reserved.Addr)
	require.Equal(t, uint64(oneMiB), reserved.Addr+reserved.Size)
}

func TestSanitizeE820NoHighRamWhenNothingLostOrBalloonedIn(t *testing.T) {
	entries := []hypercall.E820Entry{
		{Addr: uint64(2048) << 20, Size: 0x1000, Type: E820Reserved},
	}
	got := SanitizeE820(entries, 2048*1024, 0)
	for _, e := range got {
		require.Less(t, e.Addr, uint64(1)<<32)
	}
}
