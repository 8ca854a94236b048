// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package channel

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoneforge/zoned/pkg/xenstore"
)

func TestRingWriteReadRoundTrip(t *testing.T) {
	var l layout
	r := &Ring{l: &l}

	notifications := 0
	notify := func() error { notifications++; return nil }

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, r.WriteInput(ctx, []byte("hello"), notify))
	assert.Equal(t, 1, notifications)
	assert.Equal(t, uint32(5), l.InProd)

	l.OutProd = 3
	copy(l.Output[:], "abc")
	assert.Equal(t, []byte("abc"), r.ReadOutput())
	assert.Equal(t, uint32(3), l.OutCons)
}

func TestRingReadOutputEmpty(t *testing.T) {
	var l layout
	r := &Ring{l: &l}
	assert.Nil(t, r.ReadOutput())
}

func TestRingWriteInputWraps(t *testing.T) {
	var l layout
	r := &Ring{l: &l}
	l.InProd = InputSize - 2
	l.InCons = InputSize - 2

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, r.WriteInput(ctx, []byte("abcd"), func() error { return nil }))
	assert.Equal(t, byte('a'), l.Input[InputSize-2])
	assert.Equal(t, byte('b'), l.Input[InputSize-1])
	assert.Equal(t, byte('c'), l.Input[0])
	assert.Equal(t, byte('d'), l.Input[1])
}

func TestRingWriteInputBlocksUntilContextCanceled(t *testing.T) {
	var l layout
	r := &Ring{l: &l}
	l.InProd = InputSize
	l.InCons = 0

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := r.WriteInput(ctx, []byte("x"), func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// The constants and helpers below reimplement just enough of the store's
// wire framing to drive a Backend from the far end of a pipe, without a
// real hypervisor: a length-prefixed {type, req, tx, len} header exactly
// as pkg/xenstore encodes it, matching its type tags for write/read/
// watch/error.
const (
	wireHeaderSize = 16
	wireTypeRead   = 2
	wireTypeWatch  = 4
	wireTypeWrite  = 11
	wireTypeEvent  = 15
	wireTypeError  = 16
)

type wireMsg struct {
	typ, req, tx, length uint32
	payload              []byte
}

func readWire(r io.Reader) (*wireMsg, bool) {
	hdr := make([]byte, wireHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, false
	}
	m := &wireMsg{
		typ:    binary.LittleEndian.Uint32(hdr[0:4]),
		req:    binary.LittleEndian.Uint32(hdr[4:8]),
		tx:     binary.LittleEndian.Uint32(hdr[8:12]),
		length: binary.LittleEndian.Uint32(hdr[12:16]),
	}
	m.payload = make([]byte, m.length)
	if m.length > 0 {
		if _, err := io.ReadFull(r, m.payload); err != nil {
			return nil, false
		}
	}
	return m, true
}

func writeWire(w io.Writer, typ, req, tx uint32, payload []byte) {
	hdr := make([]byte, wireHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], typ)
	binary.LittleEndian.PutUint32(hdr[4:8], req)
	binary.LittleEndian.PutUint32(hdr[8:12], tx)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(payload)))
	_, _ = w.Write(hdr)
	if len(payload) > 0 {
		_, _ = w.Write(payload)
	}
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// storeFixture serves just enough of the wire protocol for a Backend to
// complete its Init write and block waiting on a frontend state watch
// that this fixture never satisfies; it is used to exercise the backend
// state machine's entry path without a running hypervisor.
func storeFixture(conn net.Conn) {
	data := map[string][]byte{}
	for {
		msg, ok := readWire(conn)
		if !ok {
			return
		}
		switch msg.typ {
		case wireTypeWrite:
			path := cstring(msg.payload)
			data[path] = msg.payload[len(path)+1:]
			writeWire(conn, wireTypeWrite, msg.req, msg.tx, nil)
		case wireTypeRead:
			path := cstring(msg.payload)
			if v, ok := data[path]; ok {
				writeWire(conn, wireTypeRead, msg.req, msg.tx, v)
			} else {
				writeWire(conn, wireTypeError, msg.req, msg.tx, []byte("ENOENT\x00"))
			}
		case wireTypeWatch:
			writeWire(conn, wireTypeWatch, msg.req, msg.tx, nil)
		default:
			writeWire(conn, msg.typ, msg.req, msg.tx, nil)
		}
	}
}

func TestBackendWritesInitStateThenWaitsForFrontend(t *testing.T) {
	client, server := net.Pipe()
	go storeFixture(server)
	store := xenstore.FromConn(client)
	t.Cleanup(func() { _ = store.Close() })

	inbound := make(chan []byte)
	outbound := make(chan outboundMessage, 1)

	backend := NewBackend(store, nil, nil, 7, 0, "/local/domain/0/backend/console/7/0", "/local/domain/7/device/console/0", inbound, outbound)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	events := NewPollEventSource(time.Millisecond)
	defer events.Close()

	err := backend.Run(ctx, events, func(context.Context, uint32) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	state, ok, rerr := store.ReadString(context.Background(), backend.statePath())
	require.NoError(t, rerr)
	require.True(t, ok)
	assert.Equal(t, stateClosed, state)
}
