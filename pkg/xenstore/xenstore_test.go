// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package xenstore

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := header{Type: typeWrite, ReqID: 7, TxID: 3, Length: 12}
	decoded, err := decodeHeader(h.encode())
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestJoinSplitStringsRoundTrip(t *testing.T) {
	buf := joinArgs("a", "bc", "")
	assert.Equal(t, []string{"a", "bc", ""}, splitStrings(buf))
}

func TestPermSpecEncode(t *testing.T) {
	enc, err := PermSpec{Domid: 7, Perms: PermReadWrite}.encode()
	require.NoError(t, err)
	assert.Equal(t, "b7", enc)

	_, err = PermSpec{Domid: 7, Perms: 0xff}.encode()
	assert.Error(t, err)
}

// fakeStore is a minimal store server for exercising Client end to end: it
// echoes WRITE as success, READ from an in-memory map, and MKDIR/RM as
// success, matching just enough of the wire protocol to validate framing
// and request/reply routing.
func fakeStore(t *testing.T, conn net.Conn) {
	t.Helper()
	data := map[string][]byte{}
	for {
		msg, err := readMessage(conn)
		if err != nil {
			return
		}
		switch msg.header.Type {
		case typeWrite:
			path := parseCString(msg.payload)
			data[path] = msg.payload[len(path)+1:]
			reply(t, conn, msg.header, typeWrite, nil)
		case typeRead:
			path := parseCString(msg.payload)
			if v, ok := data[path]; ok {
				reply(t, conn, msg.header, typeRead, v)
			} else {
				reply(t, conn, msg.header, typeError, []byte("ENOENT\x00"))
			}
		case typeMkdir:
			reply(t, conn, msg.header, typeMkdir, nil)
		case typeWatch:
			reply(t, conn, msg.header, typeWatch, nil)
			strs := splitStrings(msg.payload)
			event := &message{header: header{Type: typeWatchEvent}, payload: joinArgs(strs[0], strs[1])}
			event.header.Length = uint32(len(event.payload))
			_ = event.writeTo(conn)
		default:
			reply(t, conn, msg.header, msg.header.Type, nil)
		}
	}
}

func reply(t *testing.T, conn net.Conn, reqHdr header, typ uint32, payload []byte) {
	t.Helper()
	out := &message{header: header{Type: typ, ReqID: reqHdr.ReqID, TxID: reqHdr.TxID, Length: uint32(len(payload))}, payload: payload}
	_ = out.writeTo(conn)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, server := net.Pipe()
	go fakeStore(t, server)
	c := FromConn(client)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientWriteThenRead(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.Write(ctx, "/local/domain/7/name", []byte("zone-a")))

	data, ok, err := c.Read(ctx, "/local/domain/7/name")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "zone-a", string(data))
}

func TestClientReadMissingIsNotFound(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, ok, err := c.Read(ctx, "/local/domain/7/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWatchDeliversEvent(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h, err := c.Watch(ctx, "/local/domain/7/state")
	require.NoError(t, err)
	defer h.Close()

	select {
	case path := <-h.Events:
		assert.Equal(t, "/local/domain/7/state", path)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")
	}
}

func TestOpenAtSkipsMissingPathsAndDialsFirstExisting(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "store.sock")

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	c, err := OpenAt(filepath.Join(dir, "missing.sock"), sockPath)
	require.NoError(t, err)
	defer c.Close()
}

func TestOpenAtFailsWhenNoPathExists(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenAt(filepath.Join(dir, "a"), filepath.Join(dir, "b"))
	assert.Error(t, err)
}

func TestOpenAtOpensNonSocketPathDirectly(t *testing.T) {
	dir := t.TempDir()
	regular := filepath.Join(dir, "notasocket")
	require.NoError(t, os.WriteFile(regular, []byte("x"), 0600))

	// A regular file is opened directly (the xenbus character device
	// path), so this should succeed rather than error.
	c, err := OpenAt(regular)
	require.NoError(t, err)
	defer c.Close()
}
