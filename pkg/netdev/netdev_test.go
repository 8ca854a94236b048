// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package netdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vishvananda/netlink"
)

func TestVifNameConvention(t *testing.T) {
	assert.Equal(t, "vif7.20", VifName(7, 20))
	assert.Equal(t, "vif1.0", VifName(1, 0))
}

func TestIsNotFoundMatchesLinkNotFoundErrorOnly(t *testing.T) {
	assert.True(t, isNotFound(netlink.LinkNotFoundError{}))
	assert.False(t, isNotFound(assertErr{}))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
