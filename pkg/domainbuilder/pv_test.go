// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package domainbuilder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zoneforge/zoned/pkg/p2m"
)

func newTestBootSetup(p2mSize uint64) *BootSetup {
	return &BootSetup{
		Phys:       p2m.New(nil, 1, p2mSize),
		domid:      1,
		totalPages: p2mSize,
	}
}

func TestCountPageTablesSingleRegion(t *testing.T) {
	b := NewPVBackend()
	setup := newTestBootSetup(1 << 20)

	from := uint64(0x200000)
	to := from + 16*pageSize
	m, err := b.countPageTables(setup, from, to-1, 0)
	require.NoError(t, err)
	require.Equal(t, 0, m)
	require.Equal(t, from, b.table.mappings[m].area.from)

	// the top level (L3) spans the whole address space on the first region
	top := b.table.mappings[m].levels[x86PgtableLevels-1]
	require.Equal(t, uint64(0), top.from)
	require.Equal(t, x86VirtMask, top.to)
	require.Equal(t, uint64(1), top.pgtables)
}

func TestCountPageTablesRejectsOverlap(t *testing.T) {
	b := NewPVBackend()
	setup := newTestBootSetup(1 << 20)

	from := uint64(0x200000)
	to := from + 16*pageSize
	_, err := b.countPageTables(setup, from, to-1, 0)
	require.NoError(t, err)
	b.table.count++

	_, err = b.countPageTables(setup, from, to-1, 0)
	require.ErrorIs(t, err, ErrMemorySetup)
}

func TestCountPageTablesRejectsBeyondP2mSize(t *testing.T) {
	b := NewPVBackend()
	setup := newTestBootSetup(4)

	from := uint64(0x200000)
	to := from + 16*pageSize
	_, err := b.countPageTables(setup, from, to-1, 0)
	require.ErrorIs(t, err, ErrMemorySetup)
}

func TestCountPageTablesRejectsTooManyMappings(t *testing.T) {
	b := NewPVBackend()
	setup := newTestBootSetup(1 << 20)

	from1 := uint64(0x200000)
	_, err := b.countPageTables(setup, from1, from1+16*pageSize-1, 0)
	require.NoError(t, err)
	b.table.count++

	from2 := from1 + 32*pageSize
	_, err = b.countPageTables(setup, from2, from2+16*pageSize-1, 16)
	require.NoError(t, err)
	b.table.count++

	from3 := from2 + 64*pageSize
	_, err = b.countPageTables(setup, from3, from3+16*pageSize-1, 32)
	require.ErrorIs(t, err, ErrMemorySetup)
}

func TestGetPgProtStripsRWForPageTableRegion(t *testing.T) {
	b := NewPVBackend()
	setup := newTestBootSetup(1 << 20)

	from := uint64(0x200000)
	to := from + 16*pageSize
	m, err := b.countPageTables(setup, from, to-1, 0)
	require.NoError(t, err)
	b.table.mappings[m].area.pgtables = 4
	b.table.mappings[m].levels[x86PgtableLevels-1].pfn = 0
	b.table.count++

	prot := b.getPgProt(0, 1)
	require.Zero(t, prot&pageRW)

	prot = b.getPgProt(0, 100)
	require.NotZero(t, prot&pageRW)
}
