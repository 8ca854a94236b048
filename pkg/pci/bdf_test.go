// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package pci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBDFRoundTrip(t *testing.T) {
	bdf, err := ParseBDF("0000:03:00.1")
	require.NoError(t, err)
	assert.Equal(t, BDF{Domain: 0, Bus: 3, Device: 0, Function: 1}, bdf)
	assert.Equal(t, "0000:03:00.1", bdf.String())
}

func TestParseBDFInvalid(t *testing.T) {
	_, err := ParseBDF("not-a-bdf")
	assert.Error(t, err)
}

func TestSBDFEncoding(t *testing.T) {
	bdf, err := ParseBDF("0000:03:00.1")
	require.NoError(t, err)
	sbdf, err := bdf.SBDF()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x03)<<8|uint32(0)<<3|uint32(1), sbdf)
}

func TestSBDFRejectsNonZeroDomain(t *testing.T) {
	bdf, err := ParseBDF("0001:03:00.1")
	require.NoError(t, err)
	_, err = bdf.SBDF()
	assert.Error(t, err)
}
