// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package gnttab maps grant table references shared by a guest into this
// process's address space, via the kernel's /dev/xen/gntdev device. The
// Grant/Event Channel Backend uses it once, to map a frontend's published
// ring-ref ahead of binding the paired event channel.
package gnttab

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultDevicePath is the Linux grant-mapping device.
const DefaultDevicePath = "/dev/xen/gntdev"

const ioctlGntdevMapGrantRef = 0x474e00
const ioctlGntdevUnmapGrantRef = 0x474e01

// gntdevMapGrantRef mirrors ioctl_gntdev_map_grant_ref: a single-reference
// request, since the channel backend only ever maps one ring page at a
// time.
type gntdevMapGrantRef struct {
	Index  uint64
	Count  uint32
	_      uint32
	Domid  uint16
	_      [2]byte
	RefID  uint32
}

type gntdevUnmapGrantRef struct {
	Index uint64
	Count uint32
	_     uint32
}

// Table is a handle to the grant-mapping device, opened once per process.
type Table struct {
	file *os.File
	fd   uintptr
}

// Open opens the grant-mapping device at path.
func Open(path string) (*Table, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening grant device %s", path)
	}
	return &Table{file: f, fd: f.Fd()}, nil
}

func (t *Table) Close() error { return t.file.Close() }

// MappedRef is a single mapped grant reference: the host virtual address
// it was mapped at, and the offset token needed to unmap it.
type MappedRef struct {
	Addr  uintptr
	index uint64
}

// MapRef maps one grant reference published by domid, returning the host
// virtual address of the mapped page.
func (t *Table) MapRef(domid uint32, ref uint32) (*MappedRef, error) {
	req := gntdevMapGrantRef{Count: 1, Domid: uint16(domid), RefID: ref}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, t.fd, uintptr(ioctlGntdevMapGrantRef), uintptr(unsafe.Pointer(&req))); errno != 0 {
		return nil, errors.Wrap(errno, "map grant ref ioctl")
	}

	const pageSize = 4096
	data, err := unix.Mmap(int(t.fd), int64(req.Index), pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap grant ref")
	}
	return &MappedRef{Addr: uintptr(unsafe.Pointer(&data[0])), index: req.Index}, nil
}

// Unmap releases a previously mapped reference.
func (t *Table) Unmap(m *MappedRef) error {
	const pageSize = 4096
	data := unsafe.Slice((*byte)(unsafe.Pointer(m.Addr)), pageSize)
	if err := unix.Munmap(data); err != nil {
		return errors.Wrap(err, "munmap grant ref")
	}
	req := gntdevUnmapGrantRef{Index: m.index, Count: 1}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, t.fd, uintptr(ioctlGntdevUnmapGrantRef), uintptr(unsafe.Pointer(&req))); errno != 0 {
		return errors.Wrap(errno, "unmap grant ref ioctl")
	}
	return nil
}
