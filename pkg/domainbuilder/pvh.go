// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package domainbuilder

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/zoneforge/zoned/pkg/domainbuilder/acpi"
	"github.com/zoneforge/zoned/pkg/hypercall"
)

// XEN_DOMCTL_CDF_* bits CreateDomain needs to build a PVH rather than a
// PV domain: hardware-assisted paging and IOMMU protection are both
// mandatory for HVM_GUEST.
const (
	cdfHvmGuest = 1 << 0
	cdfHap      = 1 << 1
	cdfIommu    = 1 << 5

	// xenX86EmuLapic is XEN_X86_EMU_LAPIC, the only vLAPIC/vIOAPIC
	// emulation flag a PVH guest needs from the hypervisor (everything
	// else is emulated by the guest itself or not needed at all).
	xenX86EmuLapic = 1 << 0
)

// PVHDomainCreateFlags returns the XEN_DOMCTL_CDF_* flags CreateDomain
// needs for a PVH guest.
func PVHDomainCreateFlags() uint32 {
	return cdfHvmGuest | cdfHap | cdfIommu
}

// PVHEmulationFlags returns the arch_domain_config.emulation_flags
// CreateDomain needs for a PVH guest: vLAPIC emulation only, since PVH
// guests bring their own drivers for everything else.
func PVHEmulationFlags() uint32 {
	return xenX86EmuLapic
}

// Special pages: PVH has no xenstore/console backend wired up by a PV
// ring yet at build time, so the hypervisor carves out nrSpecialPages
// fixed PFNs just below the 4GiB MMIO hole and the builder tells each
// subsystem which one it owns via HVMOP_set_param.
const (
	specialPaging   = 0
	specialAccess   = 1
	specialSharing  = 2
	specialBufioreq = 3
	specialXenstore = 4
	specialIoreq    = 5
	specialIdentPt  = 6
	specialConsole  = 7

	nrSpecialPages      = 8
	hvmEndSpecialRegion = 0xff000

	// acpiInfoPhysicalAddress is where the PVH firmware stub expects to
	// find the ACPI table chain, fixed by convention below the special
	// page region, inside the low 4GiB.
	acpiInfoPhysicalAddress = 0xFC000000

	xenHvmStartMagicValue = 0x336ec578
)

func specialPfn(role uint64) uint64 {
	return (hvmEndSpecialRegion - nrSpecialPages) + role
}

// hvmStartInfo mirrors struct hvm_start_info, the ABI a PVH guest's entry
// point receives in %rbx.
type hvmStartInfo struct {
	Magic         uint32
	Version       uint32
	Flags         uint32
	NrModules     uint32
	ModlistPaddr  uint64
	CmdlinePaddr  uint64
	RsdpPaddr     uint64
	MemmapPaddr   uint64
	MemmapEntries uint32
	Reserved      uint32
}

const hvmStartInfoSize = 56

// hvmMemmapTableEntrySize is sizeof(struct hvm_memmap_table_entry): addr,
// size (both u64), type and a reserved u32.
const hvmMemmapTableEntrySize = 24

// hvmSaveDescriptorSize is sizeof(struct hvm_save_descriptor): typecode,
// instance (both u16) and length (u32) — the header every HVM_SAVE_*
// record in a domain's HVM context blob carries.
const hvmSaveDescriptorSize = 8
const hvmCpuRecordType = 2
const hvmMtrrRecordType = 14

// hvmMtrrSize is sizeof(struct hvm_hw_mtrr).
const hvmMtrrSize = 8 + 16*8 + 11*8 + 8 + 8

// PVHBackend builds the HVM-specific half of a domain's boot context:
// the special-page set, the identity page table those pages hold, the
// memory map, and the VCPU boot state (rewritten in place inside the
// HVM save-record blob rather than via DOMCTL_setvcpucontext, since PVH
// has no PV trap-and-emulate boot path).
type PVHBackend struct {
	lowmemEnd  uint64
	acpiTables acpi.Tables
	maxVcpus   uint32
}

// NewPVHBackend builds a backend for a domain with maxVcpus vCPUs; ACPI's
// MADT needs the count up front to size its Local APIC entry list.
func NewPVHBackend(maxVcpus uint32) *PVHBackend {
	return &PVHBackend{maxVcpus: maxVcpus}
}

func (b *PVHBackend) PageSize() uint64  { return pageSize }
func (b *PVHBackend) PageShift() uint64 { return pageShift }

// AllocP2mSegment is a PV-only concept (the guest parses its own p2m out
// of a mapped segment); PVH guests have no equivalent, so this is a
// no-op.
func (b *PVHBackend) AllocP2mSegment(setup *BootSetup, info BootImageInfo) (DomainSegment, error) {
	return DomainSegment{}, nil
}

// AllocPageTables, SetupPageTables and SetupHypercallPage are all no-ops
// for PVH: the hypervisor's HAP path needs no guest-built page tables at
// boot, and PVH guests never execute hypercall-page trampolines.
func (b *PVHBackend) AllocPageTables(setup *BootSetup, info BootImageInfo) (DomainSegment, error) {
	return DomainSegment{}, nil
}

func (b *PVHBackend) SetupPageTables(setup *BootSetup, state *BootState) error {
	return nil
}

func (b *PVHBackend) SetupHypercallPage(setup *BootSetup, info BootImageInfo) error {
	return nil
}

// Meminit populates the domain's normal RAM one PFN at a time (the same
// deviation from the original's superpage-batched populate as the PV
// backend: this repo's hypercall.Gate.PopulatePhysmap has no
// extent_order parameter), then allocates the special-page block, the
// identity page table it contains, the ACPI table set, and registers
// every HVM param a PVH guest's firmware stub looks up at boot.
func (b *PVHBackend) Meminit(setup *BootSetup, totalPages uint64) error {
	ctx := context.Background()
	b.lowmemEnd = totalPages << pageShift

	gpfns := make([]uint64, totalPages)
	for i := range gpfns {
		gpfns[i] = uint64(i)
	}
	if err := setup.gate.PopulatePhysmap(ctx, setup.domid, gpfns); err != nil {
		return errors.Wrap(err, "domainbuilder: pvh meminit")
	}
	setup.totalPages = totalPages
	setup.Phys.Load(gpfns)

	specials := make([]uint64, nrSpecialPages)
	for i := range specials {
		specials[i] = specialPfn(uint64(i))
	}
	if err := setup.gate.PopulatePhysmap(ctx, setup.domid, specials); err != nil {
		return errors.Wrap(err, "domainbuilder: pvh special pages")
	}

	params := []struct {
		index uint32
		pfn   uint64
	}{
		{hypercall.HvmParamStorePfn, specialPfn(specialXenstore)},
		{hypercall.HvmParamBufioreqPfn, specialPfn(specialBufioreq)},
		{hypercall.HvmParamIoreqPfn, specialPfn(specialIoreq)},
		{hypercall.HvmParamConsolePfn, specialPfn(specialConsole)},
		{hypercall.HvmParamPagingRingPfn, specialPfn(specialPaging)},
		{hypercall.HvmParamMonitorRingPfn, specialPfn(specialAccess)},
		{hypercall.HvmParamSharingRingPfn, specialPfn(specialSharing)},
	}
	for _, p := range params {
		if err := setup.gate.SetHvmParam(ctx, setup.domid, p.index, p.pfn); err != nil {
			return errors.Wrapf(err, "domainbuilder: set hvm param %d", p.index)
		}
	}

	if err := b.buildIdentityPageTable(ctx, setup); err != nil {
		return err
	}
	if err := setup.gate.SetHvmParam(ctx, setup.domid, hypercall.HvmParamIdentPt, specialPfn(specialIdentPt)); err != nil {
		return errors.Wrap(err, "domainbuilder: set ident_pt param")
	}

	b.acpiTables = acpi.Build(acpiInfoPhysicalAddress, b.maxVcpus)
	return b.loadAcpiTables(ctx, setup)
}

// pagePSE marks a PDE as a 4MiB page rather than pointing at a page
// table; pagePresent/pageRW/pageUser/pageAccessed/pageDirty are shared
// with the PV backend's page-table bits (pv.go).
const pagePSE = 0x080

// buildIdentityPageTable writes a single page of 1024 PSE PDEs, each
// mapping a 4MiB window 1:1 (entry i maps [i*4MiB, (i+1)*4MiB)), into the
// IDENT_PT special page. A PVH guest's early boot code loads this table
// directly into CR3 before it has built its own.
func (b *PVHBackend) buildIdentityPageTable(ctx context.Context, setup *BootSetup) error {
	ptr, err := setup.Phys.MapForeignPages(ctx, specialPfn(specialIdentPt), pageSize)
	if err != nil {
		return errors.Wrap(err, "domainbuilder: map identity page table")
	}
	for i := uint64(0); i < pageSize/4; i++ {
		entry := uint32(i<<22) | pagePresent | pageRW | pageUser | pageAccessed | pageDirty | pagePSE
		*uint32At(ptr, int(i)) = entry
	}
	return nil
}

// loadAcpiTables copies the prebuilt ACPI blob into guest PFNs starting
// at acpiInfoPhysicalAddress's page. It does not go through the normal
// allocSegment cursor since ACPI's guest address is fixed, not
// sequentially assigned.
func (b *PVHBackend) loadAcpiTables(ctx context.Context, setup *BootSetup) error {
	pages := (uint64(len(b.acpiTables.Blob)) + pageSize - 1) / pageSize
	basePfn := acpiInfoPhysicalAddress >> pageShift

	gpfns := make([]uint64, pages)
	for i := range gpfns {
		gpfns[i] = basePfn + uint64(i)
	}
	if err := setup.gate.PopulatePhysmap(ctx, setup.domid, gpfns); err != nil {
		return errors.Wrap(err, "domainbuilder: populate acpi pages")
	}

	ptr, err := setup.Phys.MapForeignPages(ctx, basePfn, pages*pageSize)
	if err != nil {
		return errors.Wrap(err, "domainbuilder: map acpi pages")
	}
	copy(bytesAt(ptr, int(pages*pageSize)), b.acpiTables.Blob)
	return nil
}

// SetupSharedInfo is a PV-only step: PVH guests never read the legacy
// shared_info page.
func (b *PVHBackend) SetupSharedInfo(setup *BootSetup, sharedInfoFrame uint64) error {
	return nil
}

// SetupStartInfo lays out hvm_start_info, the command line and the E820
// memory map table the guest's entry point finds through %rbx, in the
// segment BootSetup.Initialize already reserved for it.
func (b *PVHBackend) SetupStartInfo(setup *BootSetup, state *BootState, cmdline string) error {
	memmap := b.constructMemmap()

	seg := state.StartInfoSegment
	ptr, err := setup.Phys.PfnToPtr(context.Background(), seg.Pfn, seg.Pages)
	if err != nil {
		return errors.Wrap(err, "domainbuilder: map start info segment")
	}
	clearBytes(ptr, int(seg.Pages*pageSize))

	cmdlinePaddr := (seg.Pfn << pageShift) + hvmStartInfoSize
	memmapPaddr := cmdlinePaddr + uint64(len(cmdline)) + 1

	copy(bytesAt(ptr+hvmStartInfoSize, len(cmdline)+1), append([]byte(cmdline), 0))

	entriesPtr := ptr + hvmStartInfoSize + uintptr(len(cmdline)) + 1
	for i, e := range memmap {
		base := entriesPtr + uintptr(i)*hvmMemmapTableEntrySize
		*uint64At(base, 0) = e.Addr
		*uint64At(base, 1) = e.Size
		*uint32At(base+16, 0) = e.Type
	}

	info := hvmStartInfo{
		Magic:         xenHvmStartMagicValue,
		Version:       1,
		CmdlinePaddr:  cmdlinePaddr,
		MemmapPaddr:   memmapPaddr,
		MemmapEntries: uint32(len(memmap)),
		RsdpPaddr:     acpiInfoPhysicalAddress + uint64(b.acpiTables.RsdpOffset),
	}
	writeHvmStartInfo(ptr, info)
	return nil
}

func writeHvmStartInfo(ptr uintptr, info hvmStartInfo) {
	buf := bytesAt(ptr, hvmStartInfoSize)
	binary.LittleEndian.PutUint32(buf[0:], info.Magic)
	binary.LittleEndian.PutUint32(buf[4:], info.Version)
	binary.LittleEndian.PutUint32(buf[8:], info.Flags)
	binary.LittleEndian.PutUint32(buf[12:], info.NrModules)
	binary.LittleEndian.PutUint64(buf[16:], info.ModlistPaddr)
	binary.LittleEndian.PutUint64(buf[24:], info.CmdlinePaddr)
	binary.LittleEndian.PutUint64(buf[32:], info.RsdpPaddr)
	binary.LittleEndian.PutUint64(buf[40:], info.MemmapPaddr)
	binary.LittleEndian.PutUint32(buf[48:], info.MemmapEntries)
}

// constructMemmap builds the E820-style table hvm_start_info points the
// guest at: low RAM, the reserved special-page region, one ACPI entry,
// and (once ballooning to beyond 4GiB is supported) a high-RAM entry.
func (b *PVHBackend) constructMemmap() []hypercall.E820Entry {
	entries := []hypercall.E820Entry{
		{Addr: 0, Size: b.lowmemEnd, Type: E820RAM},
		{
			Addr: (hvmEndSpecialRegion - nrSpecialPages) << pageShift,
			Size: nrSpecialPages << pageShift,
			Type: E820Reserved,
		},
		{
			Addr: acpiInfoPhysicalAddress,
			Size: uint64(len(b.acpiTables.Blob)),
			Type: E820ACPI,
		},
	}
	return entries
}

// Bootlate registers the event channels the guest's PV-on-HVM drivers
// bind to once the kernel is running.
func (b *PVHBackend) Bootlate(setup *BootSetup, state *BootState) error {
	ctx := context.Background()
	if err := setup.gate.SetHvmParam(ctx, setup.domid, hypercall.HvmParamStoreEvtchn, uint64(state.StoreEvtchn)); err != nil {
		return errors.Wrap(err, "domainbuilder: set store evtchn param")
	}
	if err := setup.gate.SetHvmParam(ctx, setup.domid, hypercall.HvmParamConsoleEvtchn, uint64(state.ConsoleEvtchn)); err != nil {
		return errors.Wrap(err, "domainbuilder: set console evtchn param")
	}
	return nil
}

// Vcpu rewrites the BSP's HVM_SAVE_CPU record in place inside the
// domain's HVM context blob (the PVH boot ABI: %rip is the guest entry
// point, %rbx is the start-info segment's guest-physical address, CR0
// has just PE|ET set, flat 4GiB code/data selectors and a 0x67-byte
// task segment), resets
// every vCPU's MTRR default type to write-back, and writes the whole
// context back.
func (b *PVHBackend) Vcpu(setup *BootSetup, state *BootState) error {
	ctx := context.Background()
	buf := make([]byte, 64*1024)
	n, err := setup.gate.GetHvmContext(ctx, setup.domid, buf)
	if err != nil {
		return errors.Wrap(err, "domainbuilder: get hvm context")
	}
	full := buf[:n]

	startInfoPaddr := state.StartInfoSegment.Pfn << pageShift

	cpuRec := findSaveRecord(full, hvmCpuRecordType, 0)
	if cpuRec == nil {
		return errors.New("domainbuilder: hvm cpu save record not found")
	}
	writeHvmCpuBoot(cpuRec, state.ImageInfo.VirtEntry, startInfoPaddr)

	// msr_mtrr_def_type lives at the end of hvm_hw_mtrr: fixed-range
	// enable (bit 10) and MTRR enable (bit 11), default type
	// write-back (6). Every vCPU has its own MTRR save record instance,
	// each rewritten and pushed back individually.
	for i := uint16(0); i < uint16(b.maxVcpus); i++ {
		mtrrRec := findSaveRecord(full, hvmMtrrRecordType, i)
		if mtrrRec == nil {
			return errors.Errorf("domainbuilder: hvm mtrr save record not found for vcpu %d", i)
		}
		defTypeOff := hvmMtrrSize - 8
		binary.LittleEndian.PutUint64(mtrrRec[defTypeOff:], 6|(1<<10)|(1<<11))

		if err := setup.gate.SetHvmContext(ctx, setup.domid, full); err != nil {
			return errors.Wrapf(err, "domainbuilder: set hvm context (vcpu %d)", i)
		}
	}
	return nil
}

// findSaveRecord walks the HVM_SAVE_* descriptor chain (each entry is a
// hvmSaveDescriptor followed by `length` bytes, terminated by a
// zero-typecode descriptor) and returns a slice over the matching
// record's body, or nil.
func findSaveRecord(ctx []byte, typ, instance uint16) []byte {
	off := 0
	for off+hvmSaveDescriptorSize <= len(ctx) {
		typecode := binary.LittleEndian.Uint16(ctx[off:])
		inst := binary.LittleEndian.Uint16(ctx[off+2:])
		length := binary.LittleEndian.Uint32(ctx[off+4:])
		if typecode == 0 {
			return nil
		}
		body := off + hvmSaveDescriptorSize
		if typecode == typ && inst == instance {
			if body+int(length) > len(ctx) {
				return nil
			}
			return ctx[body : body+int(length)]
		}
		off = body + int(length)
	}
	return nil
}

// Field offsets inside struct hvm_hw_cpu that the PVH boot ABI rewrites.
// fpu_regs[512] is followed by 16 general-purpose u64 registers (rax
// through r15), then rip/rflags/cr0..cr4/dr0..dr7 (all u64), then eight
// u32 selectors, eight u32 limits, ten u64 segment bases, and eight u32
// arbytes fields.
const (
	hwCpuOffRbx    = 512 + 8
	hwCpuOffRip    = 512 + 8*16
	hwCpuOffRflags = hwCpuOffRip + 8
	hwCpuOffCr0    = hwCpuOffRflags + 8
	hwCpuOffDr6    = hwCpuOffCr0 + 8*8 // cr2,cr3,cr4,dr0,dr1,dr2,dr3, then dr6
	hwCpuOffDr7    = hwCpuOffDr6 + 8

	hwCpuOffSelectors = hwCpuOffDr7 + 8            // cs_sel..ldtr_sel, 8 x u32
	hwCpuOffLimits    = hwCpuOffSelectors + 4*8     // cs_limit..ldtr_limit, 8 x u32
	hwCpuOffIdtrLimit = hwCpuOffLimits + 4*8        // idtr_limit, gdtr_limit
	hwCpuOffBases     = hwCpuOffIdtrLimit + 4*2      // cs_base..gdtr_base, 10 x u64
	hwCpuOffArbytes   = hwCpuOffBases + 8*10         // cs_arbytes..ldtr_arbytes, 8 x u32

	hwCpuOffCsLimit = hwCpuOffLimits
	hwCpuOffDsLimit = hwCpuOffLimits + 4
	hwCpuOffEsLimit = hwCpuOffLimits + 8
	hwCpuOffSsLimit = hwCpuOffLimits + 20
	hwCpuOffTrLimit = hwCpuOffLimits + 24

	hwCpuOffCsArbytes = hwCpuOffArbytes
	hwCpuOffDsArbytes = hwCpuOffArbytes + 4
	hwCpuOffEsArbytes = hwCpuOffArbytes + 8
	hwCpuOffSsArbytes = hwCpuOffArbytes + 20
	hwCpuOffTrArbytes = hwCpuOffArbytes + 24
)

// writeHvmCpuBoot overwrites just the fields the PVH boot ABI specifies;
// every other field in the BSP's save record is left as the hypervisor
// initialized it (zeroed general-purpose registers, reset FPU state).
func writeHvmCpuBoot(cpu []byte, rip, rbx uint64) {
	binary.LittleEndian.PutUint64(cpu[hwCpuOffRbx:], rbx)
	binary.LittleEndian.PutUint64(cpu[hwCpuOffRip:], rip)
	binary.LittleEndian.PutUint64(cpu[hwCpuOffRflags:], 1<<1)
	binary.LittleEndian.PutUint64(cpu[hwCpuOffCr0:], 0x01|0x10) // X86_CR0_PE | X86_CR0_ET
	binary.LittleEndian.PutUint64(cpu[hwCpuOffDr6:], 0xffff0ff0)
	binary.LittleEndian.PutUint64(cpu[hwCpuOffDr7:], 0x00000400)

	// Flat 4GiB code/data selectors and a 0x67-byte task segment for a
	// 32-bit protected-mode entry point.
	binary.LittleEndian.PutUint32(cpu[hwCpuOffCsLimit:], 0xffffffff)
	binary.LittleEndian.PutUint32(cpu[hwCpuOffDsLimit:], 0xffffffff)
	binary.LittleEndian.PutUint32(cpu[hwCpuOffEsLimit:], 0xffffffff)
	binary.LittleEndian.PutUint32(cpu[hwCpuOffSsLimit:], 0xffffffff)
	binary.LittleEndian.PutUint32(cpu[hwCpuOffTrLimit:], 0x67)

	binary.LittleEndian.PutUint32(cpu[hwCpuOffCsArbytes:], 0xc9b)
	binary.LittleEndian.PutUint32(cpu[hwCpuOffDsArbytes:], 0xc93)
	binary.LittleEndian.PutUint32(cpu[hwCpuOffEsArbytes:], 0xc93)
	binary.LittleEndian.PutUint32(cpu[hwCpuOffSsArbytes:], 0xc93)
	binary.LittleEndian.PutUint32(cpu[hwCpuOffTrArbytes:], 0x8b)
}
