// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package xenstore is a long-lived async client for the hypervisor's shared
// configuration store: transactional directory/read/write/mkdir/rm/perms
// operations plus bounded-channel watches.
package xenstore

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Message type tags (xs_wire.h's xsd_sockmsg_type).
const (
	typeDebug              = 0
	typeDirectory          = 1
	typeRead               = 2
	typeGetPerms           = 3
	typeWatch              = 4
	typeUnwatch            = 5
	typeTransactionStart   = 6
	typeTransactionEnd     = 7
	typeIntroduce          = 8
	typeRelease            = 9
	typeGetDomainPath      = 10
	typeWrite              = 11
	typeMkdir              = 12
	typeRm                 = 13
	typeSetPerms           = 14
	typeWatchEvent         = 15
	typeError              = 16
)

// headerSize is the wire size of the fixed {type, req, tx, len} header.
const headerSize = 16

// maxPayloadSize bounds a single framed message's payload.
const maxPayloadSize = 4096

// header is the framed message header: {type, request_id, transaction_id,
// length}.
type header struct {
	Type   uint32
	ReqID  uint32
	TxID   uint32
	Length uint32
}

func (h header) encode() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Type)
	binary.LittleEndian.PutUint32(buf[4:8], h.ReqID)
	binary.LittleEndian.PutUint32(buf[8:12], h.TxID)
	binary.LittleEndian.PutUint32(buf[12:16], h.Length)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, errors.New("xenstore: short header")
	}
	return header{
		Type:   binary.LittleEndian.Uint32(buf[0:4]),
		ReqID:  binary.LittleEndian.Uint32(buf[4:8]),
		TxID:   binary.LittleEndian.Uint32(buf[8:12]),
		Length: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// message is a fully framed request or reply.
type message struct {
	header  header
	payload []byte
}

func readMessage(r io.Reader) (*message, error) {
	hdrBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		return nil, err
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	if hdr.Length > maxPayloadSize {
		return nil, errors.Errorf("xenstore: payload length %d exceeds max %d", hdr.Length, maxPayloadSize)
	}
	payload := make([]byte, hdr.Length)
	if hdr.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return &message{header: hdr, payload: payload}, nil
}

func (m *message) writeTo(w io.Writer) error {
	if _, err := w.Write(m.header.encode()); err != nil {
		return err
	}
	if len(m.payload) > 0 {
		if _, err := w.Write(m.payload); err != nil {
			return err
		}
	}
	return nil
}

// joinArgs encodes a sequence of NUL-terminated string arguments, the wire
// form every non-payload request (list/mkdir/rm/watch/...) uses.
func joinArgs(args ...string) []byte {
	var buf []byte
	for _, a := range args {
		buf = append(buf, a...)
		buf = append(buf, 0)
	}
	return buf
}

// splitStrings splits a NUL-delimited payload into strings, used to parse
// XSD_DIRECTORY replies and watch events.
func splitStrings(payload []byte) []string {
	var out []string
	start := 0
	for i, b := range payload {
		if b == 0 {
			out = append(out, string(payload[start:i]))
			start = i + 1
		}
	}
	if start < len(payload) {
		out = append(out, string(payload[start:]))
	}
	return out
}

func parseCString(payload []byte) string {
	for i, b := range payload {
		if b == 0 {
			return string(payload[:i])
		}
	}
	return string(payload)
}

func isENOENT(msg *message) bool {
	return msg.header.Type == typeError && parseCString(msg.payload) == "ENOENT"
}
