// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hypercall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestErrnoFromResult(t *testing.T) {
	errno, ok := errnoFromResult(-int64(unix.ENOENT))
	assert.True(t, ok)
	assert.Equal(t, unix.ENOENT, errno)

	_, ok = errnoFromResult(0)
	assert.False(t, ok)

	_, ok = errnoFromResult(4096)
	assert.False(t, ok)

	// A hypervisor-internal negative value used as real data rather than an
	// errno (outside the reserved low range) must not be misread as one.
	_, ok = errnoFromResult(-5000)
	assert.False(t, ok)
}

func TestDomctlPayloadRoundTrip(t *testing.T) {
	want := maxVcpusPayload{MaxVcpus: 4}
	encoded := encodeDomctlPayload(want)
	got := decodeDomctlPayload[maxVcpusPayload](encoded)
	assert.Equal(t, want, got)
}

func TestBoolToUint8(t *testing.T) {
	assert.Equal(t, uint8(1), boolToUint8(true))
	assert.Equal(t, uint8(0), boolToUint8(false))
}

func TestErrorUnwrap(t *testing.T) {
	e := &Error{Op: "test", Opcode: 36, Errno: unix.EINVAL}
	assert.ErrorIs(t, e, unix.EINVAL)
	assert.Contains(t, e.Error(), "hypercall test")
}
