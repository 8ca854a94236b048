// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package p2m

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTableAllUnmapped(t *testing.T) {
	m := New(nil, 1, 16)
	assert.Equal(t, uint64(16), m.Size())
	for pfn := uint64(0); pfn < 16; pfn++ {
		assert.Equal(t, UnmappedSentinel, m.Get(pfn))
	}
}

func TestSetGetTable(t *testing.T) {
	m := New(nil, 1, 4)
	m.Set(2, 0xabc)
	assert.Equal(t, uint64(0xabc), m.Get(2))

	table := m.Table()
	require.Len(t, table, 4)
	assert.Equal(t, uint64(0xabc), table[2])

	// Table() returns a copy; mutating it must not affect the map.
	table[2] = 0
	assert.Equal(t, uint64(0xabc), m.Get(2))
}

func TestLoadReplacesTable(t *testing.T) {
	m := New(nil, 1, 2)
	m.Load([]uint64{10, 20, 30})
	assert.Equal(t, uint64(3), m.Size())
	assert.Equal(t, uint64(20), m.Get(1))
}

func TestRangesOverlap(t *testing.T) {
	assert.True(t, rangesOverlap(0, 4, 2, 4))
	assert.True(t, rangesOverlap(2, 4, 0, 4))
	assert.False(t, rangesOverlap(0, 4, 4, 4))
	assert.False(t, rangesOverlap(4, 4, 0, 4))
}

func TestPfnToPtrCountZeroWithoutRangeErrors(t *testing.T) {
	m := New(nil, 1, 16)
	_, err := m.PfnToPtr(context.Background(), 0, 0)
	assert.Error(t, err)
}

func TestPfnToPtrRejectsOutOfBoundsRange(t *testing.T) {
	m := New(nil, 1, 4)
	_, err := m.PfnToPtr(context.Background(), 2, 4)
	assert.Error(t, err)
}
