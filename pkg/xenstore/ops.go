// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package xenstore

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
)

// Permission bits, ORed into a PermSpec's Perms field.
const (
	PermNone      = 0x00
	PermRead      = 0x01
	PermWrite     = 0x02
	PermReadWrite = PermRead | PermWrite
)

// PermSpec is one entry of a set_perms request: the owning domid and its
// access bits.
type PermSpec struct {
	Domid uint32
	Perms uint32
}

func (p PermSpec) encode() (string, error) {
	var c byte
	switch p.Perms {
	case PermReadWrite:
		c = 'b'
	case PermWrite:
		c = 'w'
	case PermRead:
		c = 'r'
	case PermNone:
		c = 'n'
	default:
		return "", errors.Errorf("xenstore: invalid permission bits %#x", p.Perms)
	}
	return string(c) + strconv.FormatUint(uint64(p.Domid), 10), nil
}

// Interface is the directory/read/write/mkdir/rm/perms surface shared by
// Client (operating outside any transaction) and Transaction (operating
// within one).
type Interface interface {
	List(ctx context.Context, path string) ([]string, error)
	Read(ctx context.Context, path string) ([]byte, bool, error)
	ReadString(ctx context.Context, path string) (string, bool, error)
	Write(ctx context.Context, path string, data []byte) error
	WriteString(ctx context.Context, path string, data string) error
	Mkdir(ctx context.Context, path string) error
	Rm(ctx context.Context, path string) error
	SetPerms(ctx context.Context, path string, perms []PermSpec) error
	Mknod(ctx context.Context, path string, perms []PermSpec) error
}

// handle is the shared implementation, parameterized by which transaction
// id its requests carry.
type handle struct {
	client *Client
	tx     uint32
}

var _ Interface = (*handle)(nil)

func (h *handle) List(ctx context.Context, path string) ([]string, error) {
	reply, err := h.client.sendArgs(ctx, h.tx, typeDirectory, path)
	if err != nil {
		if IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return splitStrings(reply.payload), nil
}

func (h *handle) Read(ctx context.Context, path string) ([]byte, bool, error) {
	reply, err := h.client.sendArgs(ctx, h.tx, typeRead, path)
	if err != nil {
		if IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return reply.payload, true, nil
}

func (h *handle) ReadString(ctx context.Context, path string) (string, bool, error) {
	data, ok, err := h.Read(ctx, path)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(data), true, nil
}

func (h *handle) Write(ctx context.Context, path string, data []byte) error {
	buf := append([]byte(path), 0)
	buf = append(buf, data...)
	_, err := h.client.send(ctx, h.tx, typeWrite, buf)
	return err
}

func (h *handle) WriteString(ctx context.Context, path string, data string) error {
	return h.Write(ctx, path, []byte(data))
}

func (h *handle) Mkdir(ctx context.Context, path string) error {
	_, err := h.client.sendArgs(ctx, h.tx, typeMkdir, path)
	return err
}

func (h *handle) Rm(ctx context.Context, path string) error {
	_, err := h.client.sendArgs(ctx, h.tx, typeRm, path)
	if err != nil && IsNotExist(err) {
		return nil
	}
	return err
}

func (h *handle) SetPerms(ctx context.Context, path string, perms []PermSpec) error {
	args := make([]string, 0, len(perms)+1)
	args = append(args, path)
	for _, p := range perms {
		encoded, err := p.encode()
		if err != nil {
			return err
		}
		args = append(args, encoded)
	}
	_, err := h.client.sendArgs(ctx, h.tx, typeSetPerms, args...)
	return err
}

// Mknod creates an empty node and immediately sets its permissions, the
// idiom the Transaction Composer uses to create a device subtree entry
// owned by the frontend/backend domain rather than the toolstack.
func (h *handle) Mknod(ctx context.Context, path string, perms []PermSpec) error {
	if err := h.WriteString(ctx, path, ""); err != nil {
		return err
	}
	return h.SetPerms(ctx, path, perms)
}

// GetDomainPath resolves a domain's store subtree root, e.g.
// "/local/domain/7".
func (c *Client) GetDomainPath(ctx context.Context, domid uint32) (string, error) {
	reply, err := c.sendArgs(ctx, 0, typeGetDomainPath, strconv.FormatUint(uint64(domid), 10))
	if err != nil {
		return "", err
	}
	return parseCString(reply.payload), nil
}

// IntroduceDomain registers a newly created domain's xenstore ring (the
// page mfn and bound event channel) with the store daemon so it starts
// serving that domain's subtree.
func (c *Client) IntroduceDomain(ctx context.Context, domid uint32, mfn uint64, evtchn uint32) error {
	_, err := c.sendArgs(ctx, 0, typeIntroduce,
		strconv.FormatUint(uint64(domid), 10),
		strconv.FormatUint(mfn, 10),
		strconv.FormatUint(uint64(evtchn), 10),
	)
	return err
}

func parseWatchToken(token string) (uint32, error) {
	id, err := strconv.ParseUint(token, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

func formatWatchToken(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
