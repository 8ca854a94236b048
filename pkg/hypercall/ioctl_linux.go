// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hypercall

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers for the privileged device (linux/xen/privcmd.h).
const (
	ioctlPrivcmdHypercall  = 0x305000
	ioctlPrivcmdMmap       = 0x305001
	ioctlPrivcmdMmapBatch  = 0x305002
	ioctlPrivcmdMmapBatchV2 = 0x305008
	ioctlPrivcmdMmapResource = 0x305009
)

func (g *Gate) ioctl(req uint, arg uintptr) (uintptr, error) {
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, g.fd, uintptr(req), arg)
	if errno != 0 {
		return r1, errno
	}
	return r1, nil
}

// mmapEntry mirrors privcmd_mmap_entry.
type mmapEntry struct {
	Va  uint64
	Mfn uint64
	Npages uint64
}

// mmapStruct mirrors privcmd_mmap.
type mmapStruct struct {
	Domid   uint16
	NumEntries uint32
	Entry   unsafe.Pointer
}

// mmapBatchStruct mirrors privcmd_mmapbatch_v2.
type mmapBatchStruct struct {
	Num    uint32
	Domid  uint16
	Addr   uint64
	Mfns   unsafe.Pointer
	Errors unsafe.Pointer
}

// mmapResourceStruct mirrors privcmd_mmap_resource.
type mmapResourceStruct struct {
	Dom  uint16
	Type uint32
	ID   uint32
	Idx  uint32
	Num  uint64
	Addr uint64
}

// multicallEntry mirrors multicall_entry_t.
type multicallEntry struct {
	Op     uint64
	Result int64
	Args   [6]uint64
}
