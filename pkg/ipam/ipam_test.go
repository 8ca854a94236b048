// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package ipam

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoneforge/zoned/pkg/xenstore"
)

// The wire helpers below reimplement just enough of pkg/xenstore's framing
// to answer every request with XSD_ERROR/ENOENT, which List (and thus
// fetchStoredState) treats as "nothing there" rather than a failure —
// enough to exercise a Vendor against an empty store.
const (
	wireHeaderSize = 16
	wireTypeError  = 16
)

func emptyStoreClient(t *testing.T) *xenstore.Client {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		for {
			hdr := make([]byte, wireHeaderSize)
			if _, err := io.ReadFull(server, hdr); err != nil {
				return
			}
			length := binary.LittleEndian.Uint32(hdr[12:16])
			if length > 0 {
				if _, err := io.ReadFull(server, make([]byte, length)); err != nil {
					return
				}
			}

			payload := []byte("ENOENT\x00")
			out := make([]byte, wireHeaderSize+len(payload))
			binary.LittleEndian.PutUint32(out[0:4], wireTypeError)
			copy(out[4:8], hdr[4:8])
			copy(out[8:12], hdr[8:12])
			binary.LittleEndian.PutUint32(out[12:16], uint32(len(payload)))
			copy(out[wireHeaderSize:], payload)
			if _, err := server.Write(out); err != nil {
				return
			}
		}
	}()
	c := xenstore.FromConn(client)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testVendor(t *testing.T) *Vendor {
	t.Helper()
	_, ipv4Net, err := net.ParseCIDR("10.1.0.0/24")
	require.NoError(t, err)
	_, ipv6Net, err := net.ParseCIDR("fd00::/120")
	require.NoError(t, err)

	store := emptyStoreClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	v, err := New(ctx, store, HostUUID, ipv4Net, ipv6Net)
	require.NoError(t, err)
	return v
}

func TestAssignCommitRecall(t *testing.T) {
	v := testVendor(t)

	id := uuid.New()
	a, err := v.Assign(id)
	require.NoError(t, err)
	assert.NotNil(t, a.IPv4)
	assert.NotNil(t, a.IPv6)
	assert.False(t, a.Committed)

	require.NoError(t, v.Commit(a))
	assert.True(t, a.Committed)

	// a second assign for a different uuid must not collide
	other, err := v.Assign(uuid.New())
	require.NoError(t, err)
	assert.NotEqual(t, a.IPv4.String(), other.IPv4.String())
}

func TestAssignWithoutCommitCanBeRecalled(t *testing.T) {
	v := testVendor(t)

	id := uuid.New()
	a, err := v.Assign(id)
	require.NoError(t, err)

	require.NoError(t, v.Recall(a))

	// recalled address is free again
	b, err := v.Assign(uuid.New())
	require.NoError(t, err)
	assert.Equal(t, a.IPv4.String(), b.IPv4.String())
}

func TestStatsReflectsAllocatedAndCapacity(t *testing.T) {
	v := testVendor(t)

	ipv4, ipv6 := v.Stats()
	// the host gateway address is allocated by New before any zone Assign
	assert.Equal(t, 1, ipv4.Allocated)
	assert.Equal(t, 254, ipv4.Capacity) // 10.1.0.0/24: 2^8 - 2
	assert.Equal(t, 1, ipv6.Allocated)
	assert.Equal(t, 254, ipv6.Capacity) // fd00::/120: 2^8 - 2

	a, err := v.Assign(uuid.New())
	require.NoError(t, err)
	require.NoError(t, v.Commit(a))

	ipv4, _ = v.Stats()
	assert.Equal(t, 2, ipv4.Allocated)
}

func TestAssignableIPv4ExcludesReservedSuffixes(t *testing.T) {
	assert.False(t, assignableIPv4(net.ParseIP("10.1.0.0")))
	assert.False(t, assignableIPv4(net.ParseIP("10.1.0.255")))
	assert.True(t, assignableIPv4(net.ParseIP("10.1.0.5")))
	assert.False(t, assignableIPv4(net.ParseIP("8.8.8.8")))
}
