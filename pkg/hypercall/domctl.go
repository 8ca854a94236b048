// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hypercall

import (
	"context"
	"unsafe"

	"github.com/pkg/errors"
)

// domctlPayloadSize bounds the union region of the wire domctl struct.
// Every payload defined in this file fits comfortably inside it; a payload
// that does not is a programming error caught at call time, not at runtime
// in the field.
const domctlPayloadSize = 256

type domctlRequest struct {
	Cmd          uint32
	InterfaceVer uint32
	Domid        uint32
	_            uint32
	Payload      [domctlPayloadSize]byte
}

func encodeDomctlPayload[T any](v T) [domctlPayloadSize]byte {
	if int(unsafe.Sizeof(v)) > domctlPayloadSize {
		panic("hypercall: domctl payload exceeds reserved union size")
	}
	var buf [domctlPayloadSize]byte
	*(*T)(unsafe.Pointer(&buf[0])) = v
	return buf
}

func decodeDomctlPayload[T any](buf [domctlPayloadSize]byte) T {
	return *(*T)(unsafe.Pointer(&buf[0]))
}

// domctl issues a DOMCTL hypercall carrying payload in the struct's union
// region and returns the (possibly mutated) payload bytes for subcommands
// that fill in an output, e.g. GETDOMAININFO.
func (g *Gate) domctl(ctx context.Context, cmd uint32, domid uint32, payload [domctlPayloadSize]byte) ([domctlPayloadSize]byte, error) {
	req := domctlRequest{
		Cmd:          cmd,
		InterfaceVer: g.domctlVersion,
		Domid:        domid,
		Payload:      payload,
	}

	if _, err := g.Do(ctx, hvDomctl, [5]uintptr{ptrOf(unsafe.Pointer(&req)), 0, 0, 0, 0}); err != nil {
		return [domctlPayloadSize]byte{}, err
	}
	return req.Payload, nil
}

// createDomainPayload mirrors xen_domctl_createdomain's fields this repo
// needs; fields the Domain Builder never sets are omitted.
type createDomainPayload struct {
	SsidRef      uint32
	Handle       [16]uint8
	Flags        uint32
	IOMMUOpts    uint32
	EmulationFlags uint32
	MaxVcpus     uint32
	MaxEvtchns   uint32
	MaxGrantFrames int32
	MaxMaptrackFrames int32
}

// CreateDomain issues DOMCTL_createdomain and returns the allocated domid.
// The hypervisor chooses the domid when domid is 0 on entry; the Domain
// Builder reads it back out of req.Domid after the call. flags carries the
// XEN_DOMCTL_CDF_* bits (HVM_GUEST/HAP/IOMMU for PVH, 0 for PV); emuFlags
// carries the arch_domain_config.emulation_flags a PVH guest needs
// (XEN_X86_EMU_LAPIC), 0 for PV.
func (g *Gate) CreateDomain(ctx context.Context, domid uint32, ssidref uint32, maxVcpus uint32, flags uint32, emuFlags uint32) (uint32, error) {
	payload := createDomainPayload{
		SsidRef:  ssidref,
		Flags:    flags,
		EmulationFlags: emuFlags,
		MaxVcpus: maxVcpus,
		MaxEvtchns: 1023,
		MaxGrantFrames: 64,
		MaxMaptrackFrames: 1024,
	}

	req := domctlRequest{
		Cmd:          domctlCreateDomain,
		InterfaceVer: g.domctlVersion,
		Domid:        domid,
		Payload:      encodeDomctlPayload(payload),
	}
	if _, err := g.Do(ctx, hvDomctl, [5]uintptr{ptrOf(unsafe.Pointer(&req)), 0, 0, 0, 0}); err != nil {
		return 0, errors.Wrap(err, "create domain")
	}
	return req.Domid, nil
}

// DestroyDomain issues DOMCTL_destroydomain.
func (g *Gate) DestroyDomain(ctx context.Context, domid uint32) error {
	_, err := g.domctl(ctx, domctlDestroyDomain, domid, [domctlPayloadSize]byte{})
	return errors.Wrap(err, "destroy domain")
}

// PauseDomain issues DOMCTL_pausedomain.
func (g *Gate) PauseDomain(ctx context.Context, domid uint32) error {
	_, err := g.domctl(ctx, domctlPauseDomain, domid, [domctlPayloadSize]byte{})
	return errors.Wrap(err, "pause domain")
}

// UnpauseDomain issues DOMCTL_unpausedomain.
func (g *Gate) UnpauseDomain(ctx context.Context, domid uint32) error {
	_, err := g.domctl(ctx, domctlUnpauseDomain, domid, [domctlPayloadSize]byte{})
	return errors.Wrap(err, "unpause domain")
}

// GetDomainInfo issues DOMCTL_getdomaininfo and returns the hypervisor's
// view of the domain's page accounting and run state.
func (g *Gate) GetDomainInfo(ctx context.Context, domid uint32) (getDomainInfo, error) {
	out, err := g.domctl(ctx, domctlGetDomainInfo, domid, [domctlPayloadSize]byte{})
	if err != nil {
		return getDomainInfo{}, errors.Wrap(err, "get domain info")
	}
	return decodeDomctlPayload[getDomainInfo](out), nil
}

type maxMemPayload struct {
	MaxMemkb uint64
}

// SetMaxMem issues DOMCTL_max_mem with the domain's memory ceiling in KiB.
func (g *Gate) SetMaxMem(ctx context.Context, domid uint32, maxMemKB uint64) error {
	_, err := g.domctl(ctx, domctlMaxMem, domid, encodeDomctlPayload(maxMemPayload{MaxMemkb: maxMemKB}))
	return errors.Wrap(err, "set max mem")
}

type maxVcpusPayload struct {
	MaxVcpus uint32
}

// SetMaxVcpus issues DOMCTL_max_vcpus.
func (g *Gate) SetMaxVcpus(ctx context.Context, domid uint32, maxVcpus uint32) error {
	_, err := g.domctl(ctx, domctlMaxVcpus, domid, encodeDomctlPayload(maxVcpusPayload{MaxVcpus: maxVcpus}))
	return errors.Wrap(err, "set max vcpus")
}

// VcpuContextX86 mirrors the subset of vcpu_guest_context_x86_64 the Domain
// Builder populates at boot: instruction/stack/argument registers, flags,
// debug registers, the initial GDT/segment selectors, and the page-table
// root.
type VcpuContextX86 struct {
	Flags      uint32
	UserRegsRIP uint64
	UserRegsRSP uint64
	UserRegsRSI uint64
	UserRegsRBX uint64
	UserRegsRFlags uint64
	UserRegsCS uint64
	UserRegsSS uint64
	UserRegsDS uint64
	UserRegsES uint64
	UserRegsFS uint64
	UserRegsGS uint64
	Debugreg   [8]uint64
	CtrlregCR0 uint64
	CtrlregCR3 uint64
	GdtFrames  [16]uint64
	GdtEnt     uint16
	LdtBase    uint64
	LdtEnt     uint16
	KernelSS   uint64
	KernelSP   uint64
	EventCallbackEIP uint64
	FailsafeCallbackEIP uint64
}

// SetVcpuContext issues DOMCTL_setvcpucontext for the given vcpu.
func (g *Gate) SetVcpuContext(ctx context.Context, domid uint32, vcpu uint32, vctx VcpuContextX86) error {
	type payload struct {
		Vcpu uint32
		Ctx  VcpuContextX86
	}
	_, err := g.domctl(ctx, domctlSetVcpuContext, domid, encodeDomctlPayload(payload{Vcpu: vcpu, Ctx: vctx}))
	return errors.Wrapf(err, "set vcpu %d context", vcpu)
}

type hypercallInitPayload struct {
	Gmfn uint64
}

// HypercallInit issues DOMCTL_hypercall_init, populating the hypercall page
// at the given guest frame so the kernel's PV entry points resolve.
func (g *Gate) HypercallInit(ctx context.Context, domid uint32, gmfn uint64) error {
	_, err := g.domctl(ctx, domctlHypercallInit, domid, encodeDomctlPayload(hypercallInitPayload{Gmfn: gmfn}))
	return errors.Wrap(err, "hypercall init")
}

type getPageFrameInfoPayload struct {
	NumPages uint64
	PfnArray uint64
}

// GetPageFrameInfo3 issues DOMCTL_getpageframeinfo3 over the numPages pfns
// at pfnArray, returning the hypervisor's type/pinned-count bits in place.
func (g *Gate) GetPageFrameInfo3(ctx context.Context, domid uint32, pfnArray unsafe.Pointer, numPages uint64) error {
	payload := getPageFrameInfoPayload{NumPages: numPages, PfnArray: uint64(ptrOf(pfnArray))}
	_, err := g.domctl(ctx, domctlGetPageFrameInfo3, domid, encodeDomctlPayload(payload))
	return errors.Wrap(err, "get page frame info")
}

type hvmContextPayload struct {
	Size uint32
	Buffer uint64
}

// GetHvmContext issues DOMCTL_gethvmcontext, filling buf with the PVH
// domain's HVM save-record blob and returning the bytes the hypervisor
// actually wrote.
func (g *Gate) GetHvmContext(ctx context.Context, domid uint32, buf []byte) (int, error) {
	payload := hvmContextPayload{Size: uint32(len(buf)), Buffer: uint64(ptrOf(unsafe.Pointer(&buf[0])))}
	out, err := g.domctl(ctx, domctlGetHvmContext, domid, encodeDomctlPayload(payload))
	if err != nil {
		return 0, errors.Wrap(err, "get hvm context")
	}
	return int(decodeDomctlPayload[hvmContextPayload](out).Size), nil
}

// SetHvmContext issues DOMCTL_sethvmcontext with a previously retrieved or
// synthesized HVM save-record blob.
func (g *Gate) SetHvmContext(ctx context.Context, domid uint32, buf []byte) error {
	payload := hvmContextPayload{Size: uint32(len(buf)), Buffer: uint64(ptrOf(unsafe.Pointer(&buf[0])))}
	_, err := g.domctl(ctx, domctlSetHvmContext, domid, encodeDomctlPayload(payload))
	return errors.Wrap(err, "set hvm context")
}

type pagingMempoolSizePayload struct {
	SizeMB uint64
}

// SetPagingMempoolSize issues DOMCTL_set_paging_mempool_size, sizing the
// domain's shadow/HAP paging pool. The Domain Builder does not call it.
func (g *Gate) SetPagingMempoolSize(ctx context.Context, domid uint32, sizeMB uint64) error {
	_, err := g.domctl(ctx, domctlSetPagingMempoolSize, domid, encodeDomctlPayload(pagingMempoolSizePayload{SizeMB: sizeMB}))
	return errors.Wrap(err, "set paging mempool size")
}

type addressSizePayload struct {
	SizeBits uint32
}

// SetAddressSize issues DOMCTL_set_address_size, normally 64 for both PV
// and PVH guests this repo builds.
func (g *Gate) SetAddressSize(ctx context.Context, domid uint32, sizeBits uint32) error {
	_, err := g.domctl(ctx, domctlSetAddressSize, domid, encodeDomctlPayload(addressSizePayload{SizeBits: sizeBits}))
	return errors.Wrap(err, "set address size")
}

type irqPermissionPayload struct {
	Pirq   uint32
	Allow  uint8
}

// IrqPermission issues DOMCTL_irq_permission, granting or revoking the
// unprivileged domain's access to a physical IRQ ahead of PCI passthrough.
func (g *Gate) IrqPermission(ctx context.Context, domid uint32, pirq uint32, allow bool) error {
	_, err := g.domctl(ctx, domctlIrqPermission, domid, encodeDomctlPayload(irqPermissionPayload{Pirq: pirq, Allow: boolToUint8(allow)}))
	return errors.Wrap(err, "irq permission")
}

type iomemPermissionPayload struct {
	FirstMfn uint64
	NrMfns   uint64
	Allow    uint8
}

// IomemPermission issues DOMCTL_iomem_permission over an MMIO MFN range.
func (g *Gate) IomemPermission(ctx context.Context, domid uint32, firstMfn, nrMfns uint64, allow bool) error {
	payload := iomemPermissionPayload{FirstMfn: firstMfn, NrMfns: nrMfns, Allow: boolToUint8(allow)}
	_, err := g.domctl(ctx, domctlIomemPermission, domid, encodeDomctlPayload(payload))
	return errors.Wrap(err, "iomem permission")
}

type ioportPermissionPayload struct {
	FirstPort uint32
	NrPorts   uint32
	Allow     uint8
}

// IoportPermission issues DOMCTL_ioport_permission over a legacy I/O port
// range.
func (g *Gate) IoportPermission(ctx context.Context, domid uint32, firstPort, nrPorts uint32, allow bool) error {
	payload := ioportPermissionPayload{FirstPort: firstPort, NrPorts: nrPorts, Allow: boolToUint8(allow)}
	_, err := g.domctl(ctx, domctlIoportPermission, domid, encodeDomctlPayload(payload))
	return errors.Wrap(err, "ioport permission")
}

type assignDevicePayload struct {
	DevType uint32
	Sbdf    uint32
}

// AssignDevice issues DOMCTL_assign_device, completing PCI passthrough
// after the IOMMU permission calls above.
func (g *Gate) AssignDevice(ctx context.Context, domid uint32, sbdf uint32) error {
	_, err := g.domctl(ctx, domctlAssignDevice, domid, encodeDomctlPayload(assignDevicePayload{DevType: 0, Sbdf: sbdf}))
	return errors.Wrap(err, "assign device")
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
