// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hypercall

import "unsafe"

// Hypercall opcodes (spec §6 "selected" list, numbered per the hypervisor's
// public ABI).
const (
	hvMemoryOp       = 12
	hvMulticall      = 13
	hvEventChannelOp = 32
	hvPhysdevOp      = 33
	hvHvmOp          = 34
	hvDomctl         = 36
	hvXenVersion     = 17
	hvMmuextOp       = 26
)

// DOMCTL subcommands used by this repo (spec §6).
const (
	domctlCreateDomain     = 1
	domctlDestroyDomain    = 2
	domctlPauseDomain      = 3
	domctlUnpauseDomain    = 4
	domctlGetDomainInfo    = 5
	domctlMaxMem           = 11
	domctlSetVcpuContext   = 12
	domctlMaxVcpus         = 15
	domctlIrqPermission    = 19
	domctlIomemPermission  = 20
	domctlIoportPermission = 21
	domctlHypercallInit    = 22
	domctlGetHvmContext    = 33
	domctlSetHvmContext    = 34
	domctlSetAddressSize   = 35
	domctlAssignDevice     = 37
	domctlGetPageFrameInfo3 = 44
	domctlSetPagingMempoolSize = 86
)

// MEMORY_OP subcommands.
const (
	memPopulatePhysmap = 6
	memClaimPages       = 24
	memMemoryMap        = 10
	memSetMemoryMap     = 13
)

// hypercallStruct mirrors the privcmd_hypercall ioctl argument.
type hypercallStruct struct {
	op  uint64
	arg [5]uint64
}

// domctlStruct mirrors struct xen_domctl's common header; GetDomainInfo is
// the only payload variant the gate needs at open time, so the union is
// represented narrowly rather than with every domctl payload.
type domctlStruct struct {
	Cmd          uint32
	InterfaceVer uint32
	Domid        uint32
	GetDomainInfo getDomainInfo
}

type getDomainInfo struct {
	Domid       uint16
	Flags       uint32
	TotPages    uint64
	MaxPages    uint64
	OutstandingPages uint64
	SharedPages uint64
	PagedPages  uint64
	SharedInfoFrame uint64
	CpuTime     uint64
	NrOnlineVcpus uint32
	MaxVcpuID   uint32
	SsidRef     uint32
	Handle      [16]uint8
	CpuPool     uint32
}

// ptrOf converts a pointer to any struct into the uintptr form the
// hypercall argument words and ioctl buffers expect.
func ptrOf(p unsafe.Pointer) uintptr { return uintptr(p) }
