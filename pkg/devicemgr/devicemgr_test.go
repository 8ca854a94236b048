// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package devicemgr

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimRejectsCrossZoneCollision(t *testing.T) {
	m := New()
	a, b := uuid.New(), uuid.New()

	require.NoError(t, m.Claim(a, "/dev/vfio/12"))
	err := m.Claim(b, "/dev/vfio/12")
	require.ErrorIs(t, err, ErrAlreadyClaimed)

	owner, ok := m.Owner("/dev/vfio/12")
	require.True(t, ok)
	assert.Equal(t, a, owner)
}

func TestReconcileAddsAndDropsClaims(t *testing.T) {
	m := New()
	id := uuid.New()

	require.NoError(t, m.Reconcile(id, []string{"/dev/vfio/1", "/dev/vfio/2"}))
	require.NoError(t, m.Reconcile(id, []string{"/dev/vfio/2"}))

	_, ok := m.Owner("/dev/vfio/1")
	assert.False(t, ok)
	owner, ok := m.Owner("/dev/vfio/2")
	require.True(t, ok)
	assert.Equal(t, id, owner)
}

func TestReleaseAllClearsZone(t *testing.T) {
	m := New()
	id := uuid.New()
	require.NoError(t, m.Claim(id, "/dev/vfio/1"))

	m.ReleaseAll(id)

	_, ok := m.Owner("/dev/vfio/1")
	assert.False(t, ok)
}

func TestIsVFIODeviceExcludesControlDevice(t *testing.T) {
	assert.True(t, IsVFIODevice("/dev/vfio/12"))
	assert.False(t, IsVFIODevice("/dev/vfio/vfio"))
	assert.True(t, IsVFIOControlDevice("/dev/vfio/vfio"))
}
