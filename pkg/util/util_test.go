// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package util

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemUnitAlignMem(t *testing.T) {
	assert.Equal(t, 2*GiB, (1*GiB + 1).AlignMem(GiB))
	assert.Equal(t, 1*GiB, MemUnit(1*GiB).AlignMem(GiB))
	assert.Equal(t, uint64(1), MemUnit(MiB).ToMiB())
}

func TestMkdirAllWithInheritedOwnerCreatesNestedDirs(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a", "b", "c")

	require.NoError(t, MkdirAllWithInheritedOwner(target, 0o755))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	}, Attempts(5), Delay(0))

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnUnrecoverable(t *testing.T) {
	attempts := 0
	err := Do(func() error {
		attempts++
		return Unrecoverable(errors.New("fatal"))
	}, Attempts(5), Delay(0))

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDeepCompareStructsAndMaps(t *testing.T) {
	type inner struct {
		Values map[string]int
	}
	a := inner{Values: map[string]int{"x": 1}}
	b := inner{Values: map[string]int{"x": 1}}
	c := inner{Values: map[string]int{"x": 2}}

	assert.True(t, DeepCompare(a, b))
	assert.False(t, DeepCompare(a, c))
}
