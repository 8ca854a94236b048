// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package domainbuilder turns a freshly created, paused domid plus a
// kernel/initrd pair into a bootable guest: it populates the domain's
// physical memory, lays down the kernel image and the magic pages
// (start-info, console, xenstore), seeds the grant table, and hands the
// hypervisor a VCPU boot context. Two backends, PV and PVH, share this
// file's allocation skeleton and differ in page-table and boot-state
// construction (pv.go, pvh.go).
package domainbuilder

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zoneforge/zoned/pkg/hypercall"
	"github.com/zoneforge/zoned/pkg/p2m"
)

var buildLog = logrus.WithField("source", "domainbuilder")

const (
	pageShift = 12
	pageSize  = 1 << pageShift

	// xenUnsetAddr marks a BootImageInfo field the image loader left unused.
	xenUnsetAddr = ^uint64(0)
)

// ErrMemorySetup is returned for any arithmetic inconsistency while
// planning or populating guest memory — an overflowing allocation, an
// unaligned padding boundary, an overlapping page-table region.
var ErrMemorySetup = errors.New("domainbuilder: memory setup failed")

// BootImageInfo is what an ImageLoader reports about a parsed kernel: the
// guest-virtual layout it expects and the entry point to boot into.
type BootImageInfo struct {
	VirtBase      uint64
	VirtKstart    uint64
	VirtKend      uint64
	VirtHypercall uint64
	VirtEntry     uint64
	VirtP2mBase   uint64
	UnmappedInitrd bool
}

// ImageLoader parses a kernel image into a BootImageInfo and copies its
// pages into an already-sized destination buffer. A concrete loader is
// chosen per guest image format; RawImageLoader below handles the flat,
// pre-relocated images this repo's own guest images ship as.
type ImageLoader interface {
	Parse() (BootImageInfo, error)
	Load(info BootImageInfo, dst []byte) error
}

// DomainSegment is a contiguous run of guest PFNs, recorded by both its
// guest-virtual range and its position in the p2m table.
type DomainSegment struct {
	Vstart uint64
	Vend   uint64
	Pfn    uint64
	Addr   uintptr
	Size   uint64
	Pages  uint64
}

// BootState accumulates everything allocated across Initialize and
// consumed by Boot; it is the Go analogue of the original builder's
// single mutable "state" value threaded through every setup step.
type BootState struct {
	KernelSegment    DomainSegment
	StartInfoSegment DomainSegment
	XenstoreSegment  DomainSegment
	ConsoleSegment   DomainSegment
	BootStackSegment DomainSegment
	P2mSegment       DomainSegment
	PageTableSegment DomainSegment
	InitrdSegment    DomainSegment
	ImageInfo        BootImageInfo
	SharedInfoFrame  uint64
	StoreEvtchn      uint32
	ConsoleEvtchn    uint32
}

// ArchBackend supplies the page-table/identity-map and VCPU-boot-state
// steps that differ between PV and PVH; BootSetup drives both through the
// same Initialize/Boot skeleton.
type ArchBackend interface {
	PageSize() uint64
	PageShift() uint64

	AllocP2mSegment(setup *BootSetup, info BootImageInfo) (DomainSegment, error)
	AllocPageTables(setup *BootSetup, info BootImageInfo) (DomainSegment, error)
	SetupPageTables(setup *BootSetup, state *BootState) error
	SetupStartInfo(setup *BootSetup, state *BootState, cmdline string) error
	SetupSharedInfo(setup *BootSetup, sharedInfoFrame uint64) error
	SetupHypercallPage(setup *BootSetup, info BootImageInfo) error
	Meminit(setup *BootSetup, totalPages uint64) error
	Bootlate(setup *BootSetup, state *BootState) error
	Vcpu(setup *BootSetup, state *BootState) error
}

// BootSetup is the per-domain allocation cursor: it owns the Physical Page
// Map and tracks how much of the guest's virtual and physical address
// space has been claimed so far.
type BootSetup struct {
	gate  *hypercall.Gate
	Phys  *p2m.Map
	domid uint32

	virtAllocEnd uint64
	pfnAllocEnd  uint64
	virtPgtabEnd uint64
	totalPages   uint64
}

// NewBootSetup creates a cursor for domid backed by an empty Physical Page
// Map of p2mSize PFN slots.
func NewBootSetup(gate *hypercall.Gate, domid uint32, p2mSize uint64) *BootSetup {
	return &BootSetup{
		gate: gate,
		Phys: p2m.New(gate, domid, p2mSize),
		domid: domid,
	}
}

// Initialize populates the domain's physical memory, loads the kernel
// image, and allocates every magic page the guest needs before the
// hypervisor builds its page tables and VCPU context.
func (s *BootSetup) Initialize(ctx context.Context, arch ArchBackend, loader ImageLoader, initrd []byte, memMB uint64) (*BootState, error) {
	totalPages := (memMB << 20) >> arch.PageShift()
	if err := s.initializeMemory(ctx, arch, totalPages); err != nil {
		return nil, err
	}

	info, err := loader.Parse()
	if err != nil {
		return nil, errors.Wrap(err, "domainbuilder: parse kernel image")
	}
	buildLog.WithField("domid", s.domid).Debugf("initialize image info: %+v", info)

	s.virtAllocEnd = info.VirtBase
	kernelSegment, err := s.loadKernelSegment(arch, loader, info)
	if err != nil {
		return nil, err
	}

	var p2mSegment *DomainSegment
	if info.VirtP2mBase >= info.VirtBase || (info.VirtP2mBase&(arch.PageSize()-1)) != 0 {
		seg, err := arch.AllocP2mSegment(s, info)
		if err != nil {
			return nil, err
		}
		p2mSegment = &seg
	}

	startInfoSegment, err := s.allocPage(arch)
	if err != nil {
		return nil, err
	}
	xenstoreSegment, err := s.allocPage(arch)
	if err != nil {
		return nil, err
	}
	consoleSegment, err := s.allocPage(arch)
	if err != nil {
		return nil, err
	}
	pageTableSegment, err := arch.AllocPageTables(s, info)
	if err != nil {
		return nil, err
	}
	bootStackSegment, err := s.allocPage(arch)
	if err != nil {
		return nil, err
	}

	if s.virtPgtabEnd > 0 {
		if err := s.allocPaddingPages(arch, s.virtPgtabEnd); err != nil {
			return nil, err
		}
	}

	var initrdSegment *DomainSegment
	if !info.UnmappedInitrd && len(initrd) > 0 {
		seg, err := s.allocModule(arch, initrd)
		if err != nil {
			return nil, err
		}
		initrdSegment = &seg
	}

	if p2mSegment == nil {
		seg, err := arch.AllocP2mSegment(s, info)
		if err != nil {
			return nil, err
		}
		seg.Vstart = info.VirtP2mBase
		p2mSegment = &seg
	}

	if info.UnmappedInitrd && len(initrd) > 0 {
		seg, err := s.allocModule(arch, initrd)
		if err != nil {
			return nil, err
		}
		initrdSegment = &seg
	}

	storeEvtchn, err := s.gate.AllocUnboundEventChannel(ctx, s.domid, 0)
	if err != nil {
		return nil, errors.Wrap(err, "domainbuilder: alloc store event channel")
	}
	consoleEvtchn, err := s.gate.AllocUnboundEventChannel(ctx, s.domid, 0)
	if err != nil {
		return nil, errors.Wrap(err, "domainbuilder: alloc console event channel")
	}

	state := &BootState{
		KernelSegment:    kernelSegment,
		StartInfoSegment: startInfoSegment,
		XenstoreSegment:  xenstoreSegment,
		ConsoleSegment:   consoleSegment,
		BootStackSegment: bootStackSegment,
		P2mSegment:       *p2mSegment,
		PageTableSegment: pageTableSegment,
		ImageInfo:        info,
		StoreEvtchn:      storeEvtchn,
		ConsoleEvtchn:    consoleEvtchn,
	}
	if initrdSegment != nil {
		state.InitrdSegment = *initrdSegment
	}
	buildLog.WithField("domid", s.domid).Debug("boot state allocated")
	return state, nil
}

// Boot drives the hypervisor-facing half of the build: page tables,
// start-info, the hypercall page, the final memory-map/pinning step,
// shared-info, the VCPU context, and the grant-table seed. It unmaps
// every host mapping it created before returning, success or not.
func (s *BootSetup) Boot(ctx context.Context, arch ArchBackend, state *BootState, cmdline string) error {
	info, err := s.gate.GetDomainInfo(ctx, s.domid)
	if err != nil {
		_ = s.Phys.UnmapAll()
		return errors.Wrap(err, "domainbuilder: get domain info")
	}
	state.SharedInfoFrame = info.SharedInfoFrame

	steps := []struct {
		name string
		run  func() error
	}{
		{"setup page tables", func() error { return arch.SetupPageTables(s, state) }},
		{"setup start info", func() error { return arch.SetupStartInfo(s, state, cmdline) }},
		{"setup hypercall page", func() error { return arch.SetupHypercallPage(s, state.ImageInfo) }},
		{"bootlate", func() error { return arch.Bootlate(s, state) }},
		{"setup shared info", func() error { return arch.SetupSharedInfo(s, state.SharedInfoFrame) }},
		{"vcpu", func() error { return arch.Vcpu(s, state) }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			_ = s.Phys.UnmapAll()
			return errors.Wrapf(err, "domainbuilder: %s", step.name)
		}
	}

	if err := s.Phys.UnmapAll(); err != nil {
		return errors.Wrap(err, "domainbuilder: unmap all")
	}
	if err := s.gnttabSeed(ctx, state); err != nil {
		return errors.Wrap(err, "domainbuilder: gnttab seed")
	}
	return nil
}

func (s *BootSetup) initializeMemory(ctx context.Context, arch ArchBackend, totalPages uint64) error {
	if err := s.gate.SetAddressSize(ctx, s.domid, 64); err != nil {
		return errors.Wrap(err, "domainbuilder: set address size")
	}
	return arch.Meminit(s, totalPages)
}

func (s *BootSetup) loadKernelSegment(arch ArchBackend, loader ImageLoader, info BootImageInfo) (DomainSegment, error) {
	seg, err := s.allocSegment(arch, info.VirtKstart, info.VirtKend-info.VirtKstart)
	if err != nil {
		return DomainSegment{}, err
	}
	dst := bytesAt(seg.Addr, int(seg.Size))
	if err := loader.Load(info, dst); err != nil {
		return DomainSegment{}, errors.Wrap(err, "domainbuilder: load kernel image")
	}
	return seg, nil
}

func roundUp(addr, mask uint64) uint64 { return addr | mask }

func bitsToMask(bits uint64) uint64 { return (uint64(1) << bits) - 1 }

func (s *BootSetup) allocSegment(arch ArchBackend, start, size uint64) (DomainSegment, error) {
	if start > 0 {
		if err := s.allocPaddingPages(arch, start); err != nil {
			return DomainSegment{}, err
		}
	}

	pages := (size + pageSize - 1) / pageSize
	vstart := s.virtAllocEnd
	seg := DomainSegment{
		Vstart: vstart,
		Pfn:    s.pfnAllocEnd,
		Size:   size,
		Pages:  pages,
	}

	if err := s.chkAllocPages(arch, pages); err != nil {
		return DomainSegment{}, err
	}

	ptr, err := s.Phys.PfnToPtr(context.Background(), seg.Pfn, pages)
	if err != nil {
		return DomainSegment{}, errors.Wrap(err, "domainbuilder: map segment")
	}
	seg.Addr = ptr
	clearBytes(ptr, int(pages*pageSize))
	seg.Vend = s.virtAllocEnd
	return seg, nil
}

func (s *BootSetup) allocPage(arch ArchBackend) (DomainSegment, error) {
	vstart := s.virtAllocEnd
	pfn := s.pfnAllocEnd
	if err := s.chkAllocPages(arch, 1); err != nil {
		return DomainSegment{}, err
	}
	return DomainSegment{
		Vstart: vstart,
		Vend:   vstart + arch.PageSize() - 1,
		Pfn:    pfn,
		Pages:  1,
	}, nil
}

func (s *BootSetup) allocModule(arch ArchBackend, buf []byte) (DomainSegment, error) {
	seg, err := s.allocSegment(arch, 0, uint64(len(buf)))
	if err != nil {
		return DomainSegment{}, err
	}
	copy(bytesAt(seg.Addr, len(buf)), buf)
	return seg, nil
}

func (s *BootSetup) allocPaddingPages(arch ArchBackend, boundary uint64) error {
	if boundary&(arch.PageSize()-1) != 0 {
		return ErrMemorySetup
	}
	if boundary < s.virtAllocEnd {
		return ErrMemorySetup
	}
	pages := (boundary - s.virtAllocEnd) / arch.PageSize()
	return s.chkAllocPages(arch, pages)
}

func (s *BootSetup) chkAllocPages(arch ArchBackend, pages uint64) error {
	if pages > s.totalPages || s.pfnAllocEnd > s.totalPages || pages > s.totalPages-s.pfnAllocEnd {
		return ErrMemorySetup
	}
	s.pfnAllocEnd += pages
	s.virtAllocEnd += pages * arch.PageSize()
	return nil
}
