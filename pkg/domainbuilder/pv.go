// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package domainbuilder

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zoneforge/zoned/pkg/hypercall"
)

const (
	x86VirtBits        = 48
	x86VirtMask        = (uint64(1) << x86VirtBits) - 1
	x86PgtableLevels    = 4
	x86PgtableLevelShift = 9
	x86MaxMappings      = 2

	pagePresent  = 0x001
	pageRW       = 0x002
	pageUser     = 0x004
	pageAccessed = 0x020
	pageDirty    = 0x040
)

// pageTableMappingLevel is one page-table level's planned virtual range
// within a region, and the guest PFN its table occupies.
type pageTableMappingLevel struct {
	from     uint64
	to       uint64
	pfn      uint64
	pgtables uint64
}

// pageTableMapping is one planned region (the kernel image or the P2M
// window): its own virtual extent plus one pageTableMappingLevel per
// page-table level.
type pageTableMapping struct {
	area   pageTableMappingLevel
	levels [x86PgtableLevels]pageTableMappingLevel
}

// pvPageTable holds the (at most two) planned regions count_page_tables
// builds up before setup_page_tables writes any PTEs.
type pvPageTable struct {
	count    int
	mappings [x86MaxMappings]pageTableMapping
}

// PVBackend is the ArchBackend for a paravirtualized x86_64 guest: it
// plans and populates a 4-level page table, writes the start-info and
// shared-info pages, and boots with a kernel-supplied entry point.
type PVBackend struct {
	table pvPageTable
}

// NewPVBackend returns a fresh PV backend, its page-table plan empty.
func NewPVBackend() *PVBackend { return &PVBackend{} }

func (b *PVBackend) PageSize() uint64  { return pageSize }
func (b *PVBackend) PageShift() uint64 { return pageShift }

// getPgProt returns the protection bits for a PTE at level l covering
// pfn. L0 entries belonging to the page-table region itself are stripped
// of PAGE_RW so the guest cannot reparent its own page tables.
func (b *PVBackend) getPgProt(l int, pfn uint64) uint64 {
	prot := [x86PgtableLevels]uint64{
		pagePresent | pageRW | pageAccessed,
		pagePresent | pageRW | pageAccessed | pageDirty | pageUser,
		pagePresent | pageRW | pageAccessed | pageDirty | pageUser,
		pagePresent | pageRW | pageAccessed | pageDirty | pageUser,
	}[l]
	if l > 0 {
		return prot
	}

	for m := 0; m < b.table.count; m++ {
		mapping := &b.table.mappings[m]
		pfnS := mapping.levels[x86PgtableLevels-1].pfn
		pfnE := mapping.area.pgtables + pfnS
		if pfn >= pfnS && pfn < pfnE {
			return prot &^ pageRW
		}
	}
	return prot
}

// countPageTables plans a new region spanning [from, to) starting at pfn:
// it walks levels top (L3) down to bottom (L0), carving each level's
// virtual range out of whatever a prior region's same level already
// covers, and tallies how many page-table pages the region needs.
func (b *PVBackend) countPageTables(setup *BootSetup, from, to, pfn uint64) (int, error) {
	if b.table.count == x86MaxMappings {
		return 0, ErrMemorySetup
	}
	m := b.table.count

	pfnEnd := pfn + ((to - from) >> pageShift)
	if pfnEnd >= setup.Phys.Size() {
		return 0, ErrMemorySetup
	}

	for idx := 0; idx < b.table.count; idx++ {
		if from < b.table.mappings[idx].area.to && to > b.table.mappings[idx].area.from {
			return 0, ErrMemorySetup
		}
	}

	var mapping pageTableMapping
	mapping.area.from = from & x86VirtMask
	mapping.area.to = to & x86VirtMask

	for l := x86PgtableLevels - 1; l >= 0; l-- {
		mapping.levels[l].pfn = setup.pfnAllocEnd + mapping.area.pgtables
		if l == x86PgtableLevels-1 {
			if b.table.count == 0 {
				mapping.levels[l].from = 0
				mapping.levels[l].to = x86VirtMask
				mapping.levels[l].pgtables = 1
				mapping.area.pgtables++
			}
			continue
		}

		bits := uint64(pageShift) + uint64(l+1)*x86PgtableLevelShift
		mask := bitsToMask(bits)
		mapping.levels[l].from = mapping.area.from &^ mask
		mapping.levels[l].to = mapping.area.to | mask

		for cmp := 0; cmp < b.table.count; cmp++ {
			lvl := &b.table.mappings[cmp].levels[l]
			if lvl.from == lvl.to {
				continue
			}
			if mapping.levels[l].from >= lvl.from && mapping.levels[l].to <= lvl.to {
				mapping.levels[l].from = 0
				mapping.levels[l].to = 0
				break
			}
			if mapping.levels[l].from >= lvl.from && mapping.levels[l].from <= lvl.to {
				mapping.levels[l].from = lvl.to + 1
			}
			if mapping.levels[l].to >= lvl.from && mapping.levels[l].to <= lvl.to {
				mapping.levels[l].to = lvl.from - 1
			}
		}

		if mapping.levels[l].from < mapping.levels[l].to {
			mapping.levels[l].pgtables = ((mapping.levels[l].to - mapping.levels[l].from) >> bits) + 1
		}
		mapping.area.pgtables += mapping.levels[l].pgtables
	}

	b.table.mappings[m] = mapping
	return m, nil
}

func (b *PVBackend) AllocP2mSegment(setup *BootSetup, info BootImageInfo) (DomainSegment, error) {
	p2mAllocSize := ((setup.Phys.Size() * 8) + pageSize - 1) &^ (pageSize - 1)
	from := info.VirtP2mBase
	to := from + p2mAllocSize - 1
	m, err := b.countPageTables(setup, from, to, setup.pfnAllocEnd)
	if err != nil {
		return DomainSegment{}, err
	}

	mapping := &b.table.mappings[m]
	mapping.area.pfn = setup.pfnAllocEnd
	for lvl := 0; lvl < x86PgtableLevels; lvl++ {
		mapping.levels[lvl].pfn += p2mAllocSize >> pageShift
	}
	pgtables := mapping.area.pgtables
	b.table.count++
	p2mAllocSize += pgtables << pageShift
	return setup.allocSegment(b, 0, p2mAllocSize)
}

func (b *PVBackend) AllocPageTables(setup *BootSetup, info BootImageInfo) (DomainSegment, error) {
	extraPages := uint64(1) + (512*1024)/pageSize

	pages := extraPages
	var m int
	for {
		tryVirtEnd := roundUp(setup.virtAllocEnd+pages*pageSize, bitsToMask(22))
		var err error
		m, err = b.countPageTables(setup, info.VirtBase, tryVirtEnd, 0)
		if err != nil {
			return DomainSegment{}, err
		}
		pages = b.table.mappings[m].area.pgtables + extraPages
		if setup.virtAllocEnd+pages*pageSize <= tryVirtEnd+1 {
			setup.virtPgtabEnd = tryVirtEnd + 1
			break
		}
	}

	b.table.mappings[m].area.pfn = 0
	b.table.count++
	size := b.table.mappings[m].area.pgtables * pageSize
	return setup.allocSegment(b, 0, size)
}

func (b *PVBackend) SetupPageTables(setup *BootSetup, state *BootState) error {
	ctx := context.Background()
	p2mTable := setup.Phys.Table()
	p2mPtr, err := setup.Phys.PfnToPtr(ctx, state.P2mSegment.Pfn, state.P2mSegment.Pages)
	if err != nil {
		return errors.Wrap(err, "domainbuilder: map p2m segment")
	}
	for i, mfn := range p2mTable {
		*uint64At(p2mPtr, i) = mfn
	}

	for l := x86PgtableLevels - 1; l >= 0; l-- {
		for m1 := 0; m1 < b.table.count; m1++ {
			map1 := &b.table.mappings[m1]
			from, to := map1.levels[l].from, map1.levels[l].to
			pgPtr, err := setup.Phys.PfnToPtr(ctx, map1.levels[l].pfn, 0)
			if err != nil {
				return errors.Wrap(err, "domainbuilder: map page-table level")
			}

			for m2 := 0; m2 < b.table.count; m2++ {
				map2 := &b.table.mappings[m2]
				var lvl *pageTableMappingLevel
				if l > 0 {
					lvl = &map2.levels[l-1]
				} else {
					lvl = &map2.area
				}
				if l > 0 && lvl.pgtables == 0 {
					continue
				}
				if lvl.from >= to || lvl.to <= from {
					continue
				}

				shift := uint64(pageShift) + uint64(l)*x86PgtableLevelShift
				pStart := (maxU64(from, lvl.from) - from) >> shift
				pEnd := (minU64(to, lvl.to) - from) >> shift
				pfn := ((maxU64(from, lvl.from) - lvl.from) >> shift) + lvl.pfn

				for p := pStart; p <= pEnd; p++ {
					prot := b.getPgProt(l, pfn)
					pfnPaddr := setup.Phys.Get(pfn) << pageShift
					*uint64At(pgPtr, int(p)) = pfnPaddr | prot
					pfn++
				}
			}
		}
	}
	return nil
}

const (
	x86GuestMagic   = "xen-3.0-x86_64"
	maxGuestCmdline = 1024
)

// startInfoLayout mirrors struct start_info's field offsets this repo
// needs to write; it is not used as a Go struct directly because the
// variable-length magic/cmdline arrays make unsafe pointer arithmetic
// simpler to reason about than repr(C)-equivalent struct tags.
const (
	offMagic       = 0
	offNrPages     = 32
	offSharedInfo  = 40
	offFlags       = 48
	offStoreMfn    = 56
	offStoreEvtchn = 64
	offConsoleMfn  = 72
	offConsoleEvtchn = 80
	offPtBase      = 88
	offNrPtFrames  = 96
	offMfnList     = 104
	offModStart    = 112
	offModLen      = 120
	offCmdline     = 128
	offFirstP2mPfn = offCmdline + maxGuestCmdline
	offNrP2mFrames = offFirstP2mPfn + 8
)

func (b *PVBackend) SetupStartInfo(setup *BootSetup, state *BootState, cmdline string) error {
	ptr, err := setup.Phys.PfnToPtr(context.Background(), state.StartInfoSegment.Pfn, 1)
	if err != nil {
		return errors.Wrap(err, "domainbuilder: map start info page")
	}
	clearBytes(ptr, pageSize)

	magic := bytesAt(ptr+offMagic, 32)
	copy(magic, x86GuestMagic)

	*uint64At(ptr, offNrPages/8) = setup.totalPages
	*uint64At(ptr, offSharedInfo/8) = state.SharedInfoFrame << pageShift
	*uint64At(ptr, offPtBase/8) = state.PageTableSegment.Vstart
	*uint64At(ptr, offNrPtFrames/8) = b.table.mappings[0].area.pgtables
	*uint64At(ptr, offMfnList/8) = state.P2mSegment.Vstart
	*uint64At(ptr, offFirstP2mPfn/8) = state.P2mSegment.Pfn
	*uint64At(ptr, offNrP2mFrames/8) = state.P2mSegment.Pages
	*uint32At(ptr, offFlags/4) = 0
	*uint32At(ptr, offStoreEvtchn/4) = state.StoreEvtchn
	*uint64At(ptr, offStoreMfn/8) = setup.Phys.Get(state.XenstoreSegment.Pfn)
	*uint64At(ptr, offConsoleMfn/8) = setup.Phys.Get(state.ConsoleSegment.Pfn)
	*uint32At(ptr, offConsoleEvtchn/4) = state.ConsoleEvtchn
	*uint64At(ptr, offModStart/8) = state.InitrdSegment.Vstart
	*uint64At(ptr, offModLen/8) = state.InitrdSegment.Size

	line := bytesAt(ptr+offCmdline, maxGuestCmdline)
	n := copy(line, cmdline)
	if n >= maxGuestCmdline {
		n = maxGuestCmdline - 1
	}
	line[n] = 0
	return nil
}

func (b *PVBackend) SetupSharedInfo(setup *BootSetup, sharedInfoFrame uint64) error {
	// sharedInfoSize covers vcpu_info[32] (64 bytes each) plus the
	// evtchn pending/mask bitmaps and the wallclock/arch tail fields.
	const sharedInfoSize = 32*64 + 8*8*2 + 16 + 48
	ptr, err := setup.Phys.MapForeignPages(context.Background(), sharedInfoFrame, sharedInfoSize)
	if err != nil {
		return errors.Wrap(err, "domainbuilder: map shared info frame")
	}
	clearBytes(ptr, sharedInfoSize)
	const vcpuInfoStride = 64
	for i := 0; i < 32; i++ {
		*(*byte)(ptrAt(ptr + uintptr(i*vcpuInfoStride) + 1)) = 1 // evtchn_upcall_mask
	}
	return nil
}

func (b *PVBackend) SetupHypercallPage(setup *BootSetup, info BootImageInfo) error {
	if info.VirtHypercall == xenUnsetAddr {
		return nil
	}
	pfn := (info.VirtHypercall - info.VirtBase) >> pageShift
	mfn := setup.Phys.Get(pfn)
	return setup.gate.HypercallInit(context.Background(), setup.domid, mfn)
}

func (b *PVBackend) Meminit(setup *BootSetup, totalPages uint64) error {
	ctx := context.Background()
	if err := setup.gate.ClaimPages(ctx, setup.domid, totalPages); err != nil {
		return errors.Wrap(err, "domainbuilder: claim pages")
	}

	gpfns := make([]uint64, totalPages)
	for i := range gpfns {
		gpfns[i] = uint64(i)
	}
	if err := setup.gate.PopulatePhysmap(ctx, setup.domid, gpfns); err != nil {
		return errors.Wrap(err, "domainbuilder: populate physmap")
	}

	setup.totalPages = totalPages
	setup.Phys.Load(gpfns)
	return setup.gate.ClaimPages(ctx, setup.domid, 0)
}

func (b *PVBackend) Bootlate(setup *BootSetup, state *BootState) error {
	ctx := context.Background()
	pgMfn := setup.Phys.Get(state.PageTableSegment.Pfn)
	if err := setup.Phys.Unmap(state.PageTableSegment.Pfn); err != nil {
		return err
	}
	if err := setup.Phys.Unmap(state.P2mSegment.Pfn); err != nil {
		return err
	}

	entries := make([]hypercall.E820Entry, 16)
	entries, err := setup.gate.GetMemoryMap(ctx, setup.domid, entries)
	if err != nil {
		return errors.Wrap(err, "domainbuilder: get memory map")
	}
	mapLimitKB := (setup.totalPages * pageSize) >> 10
	sanitized := SanitizeE820(entries, mapLimitKB, 0)
	if err := setup.gate.SetMemoryMap(ctx, setup.domid, sanitized); err != nil {
		return errors.Wrap(err, "domainbuilder: set memory map")
	}

	return setup.gate.MmuExt(ctx, setup.domid, hypercall.MmuextPinL4Table, pgMfn, 0)
}

func (b *PVBackend) Vcpu(setup *BootSetup, state *BootState) error {
	pgMfn := setup.Phys.Get(state.PageTableSegment.Pfn)
	rsp := state.ImageInfo.VirtBase + (state.BootStackSegment.Pfn+1)*pageSize
	vctx := hypercall.VcpuContextX86{
		UserRegsRIP:    state.ImageInfo.VirtEntry,
		UserRegsRSP:    rsp,
		UserRegsRSI:    state.ImageInfo.VirtBase + state.StartInfoSegment.Pfn*pageSize,
		UserRegsRFlags: 1 << 9,
		UserRegsCS:     0xe033,
		UserRegsSS:     0xe02b,
		Debugreg:       [8]uint64{6: 0xffff0ff0, 7: 0x00000400},
		Flags:          vgcfInKernel | vgcfOnline,
		CtrlregCR3:     pgMfn << 12,
		KernelSS:       0xe02b,
		KernelSP:       rsp,
	}
	return setup.gate.SetVcpuContext(context.Background(), setup.domid, 0, vctx)
}

const (
	vgcfInKernel = 1 << 0
	vgcfOnline   = 1 << 1
)

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
