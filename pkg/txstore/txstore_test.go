// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package txstore

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoneforge/zoned/pkg/xenstore"
)

func TestDeviceIDConventions(t *testing.T) {
	assert.Equal(t, uint64(202<<8), vbdID(0))
	assert.Equal(t, uint64(202<<8)+16, vbdID(1))

	assert.Equal(t, uint64(20), vifID(0))
	assert.Equal(t, uint64(21), vifID(1))

	assert.Equal(t, uint64(90), fsID(0))
	assert.Equal(t, uint64(91), fsID(1))
}

func TestVifIDMatchesUnexportedConvention(t *testing.T) {
	assert.Equal(t, vifID(0), VifID(0))
	assert.Equal(t, vifID(3), VifID(3))
}

func TestFrontendDevicePathConsoleZeroIsSpecialCased(t *testing.T) {
	assert.Equal(t, "/local/domain/7/console", frontendDevicePath("/local/domain/7", "console", 0))
	assert.Equal(t, "/local/domain/7/device/console/1", frontendDevicePath("/local/domain/7", "console", 1))
	assert.Equal(t, "/local/domain/7/device/vbd/51712", frontendDevicePath("/local/domain/7", "vbd", vbdID(0)))
}

func TestBackendDevicePathIsRootedUnderBackendDomain(t *testing.T) {
	got := backendDevicePath("/local/domain/0", "vif", 7, vifID(0))
	assert.Equal(t, "/local/domain/0/backend/vif/7/20", got)
}

func TestRoPermGrantsReadOnly(t *testing.T) {
	perms := roPerm(7)
	require.Len(t, perms, 2)
	assert.Equal(t, uint32(permNone), perms[0].Perms)
	assert.Equal(t, uint32(0), perms[0].Domid)
	assert.Equal(t, uint32(7), perms[1].Domid)
	assert.Equal(t, uint32(permRead), perms[1].Perms)
}

func TestRwPermGrantsReadWrite(t *testing.T) {
	perms := rwPerm(7)
	require.Len(t, perms, 1)
	assert.Equal(t, uint32(7), perms[0].Domid)
	assert.Equal(t, uint32(permReadWrite), perms[0].Perms)
}

func TestIsConflictMatchesEAGAINOnly(t *testing.T) {
	assert.True(t, isConflict(&xenstore.StoreError{Message: "EAGAIN"}))
	assert.False(t, isConflict(&xenstore.StoreError{Message: "ENOENT"}))
	assert.False(t, isConflict(errors.New("boom")))

	wrapped := errors.Wrap(&xenstore.StoreError{Message: "EAGAIN"}, "begin compose transaction")
	assert.True(t, isConflict(wrapped))
}
