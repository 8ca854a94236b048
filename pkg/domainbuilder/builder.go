// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package domainbuilder

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/zoneforge/zoned/pkg/hypercall"
	"github.com/zoneforge/zoned/pkg/pci"
	"github.com/zoneforge/zoned/pkg/txstore"
	"github.com/zoneforge/zoned/pkg/xenstore"
	"github.com/zoneforge/zoned/pkg/zone"
)

// Backend selects which ArchBackend a Builder boots a zone's domain with.
type Backend string

const (
	BackendPV  Backend = "pv"
	BackendPVH Backend = "pvh"
)

// Config is a Builder's fixed, daemon-wide configuration: the guest image
// layout every zone on this host boots with, and which backend to use.
// zoned's own guest images are flat pre-relocated blobs (loader.go), so
// every zone shares one VirtBase/EntryOffset/HypercallOffset/P2mBase
// layout rather than deriving it per-image from an ELF header.
type Config struct {
	Backend Backend

	VirtBase        uint64
	EntryOffset     uint64
	HypercallOffset uint64
	P2mBase         uint64

	// P2mSlack is extra PFN headroom reserved in the Physical Page Map
	// beyond the domain's declared RAM, covering the page tables and
	// P2M window the PV backend carves out of the same address space.
	P2mSlack uint64

	// BackendDomid is the domid hosting this host's device backends
	// (almost always 0, dom0).
	BackendDomid uint32
}

// DefaultConfig returns the layout zoned's stock guest kernel build
// uses: entry at VirtBase, a dedicated hypercall page one page in, and
// the P2M window placed at the top of the kernel's virtual range.
func DefaultConfig() Config {
	return Config{
		Backend:         BackendPVH,
		VirtBase:        0x200000,
		EntryOffset:     0,
		HypercallOffset: 0x1000,
		P2mBase:         0xffffffff80000000,
		P2mSlack:        4096,
		BackendDomid:    0,
	}
}

// Builder turns a zone.Spec into a live, booted domain. It is the
// reconciler.DomainBuilder collaborator: CreateDomain, Initialize, Boot,
// compose the device store tree, introduce the domain to xenstored, and
// (on any failure past domain creation) DestroyDomain to leave no
// half-built domain behind.
type Builder struct {
	gate *hypercall.Gate
	xs   *xenstore.Client
	cfg  Config
}

// NewBuilder returns a Builder that issues hypercalls through gate and
// composes each domain's store tree through xs.
func NewBuilder(gate *hypercall.Gate, xs *xenstore.Client, cfg Config) *Builder {
	return &Builder{gate: gate, xs: xs, cfg: cfg}
}

// Build implements reconciler.DomainBuilder.
func (b *Builder) Build(ctx context.Context, spec zone.Spec) (uint32, error) {
	kernel, err := os.ReadFile(spec.Image)
	if err != nil {
		return 0, errors.Wrap(err, "domainbuilder: read kernel image")
	}

	arch, flags, emuFlags := b.newBackend(spec.VCPUs)

	domid, err := b.gate.CreateDomain(ctx, 0, 0, spec.VCPUs, flags, emuFlags)
	if err != nil {
		return 0, errors.Wrap(err, "domainbuilder: create domain")
	}
	buildLog.WithField("domid", domid).WithField("zone", spec.UUID).Info("domain created")

	if err := b.boot(ctx, domid, arch, spec, kernel); err != nil {
		if destroyErr := b.gate.DestroyDomain(ctx, domid); destroyErr != nil {
			buildLog.WithField("domid", domid).WithError(destroyErr).Error("destroy domain after failed build")
		}
		return 0, err
	}
	return domid, nil
}

func (b *Builder) newBackend(maxVcpus uint32) (arch ArchBackend, flags, emuFlags uint32) {
	if b.cfg.Backend == BackendPVH {
		return NewPVHBackend(maxVcpus), PVHDomainCreateFlags(), PVHEmulationFlags()
	}
	return NewPVBackend(), 0, 0
}

func (b *Builder) boot(ctx context.Context, domid uint32, arch ArchBackend, spec zone.Spec, kernel []byte) error {
	if err := b.gate.SetMaxMem(ctx, domid, spec.MemoryMB<<10); err != nil {
		return errors.Wrap(err, "domainbuilder: set max mem")
	}
	if err := b.gate.SetMaxVcpus(ctx, domid, spec.VCPUs); err != nil {
		return errors.Wrap(err, "domainbuilder: set max vcpus")
	}

	if err := b.assignPassthroughDevices(ctx, domid, spec.Devices); err != nil {
		return err
	}

	loader := RawImageLoader{
		Image:           kernel,
		VirtBase:        b.cfg.VirtBase,
		EntryOffset:     b.cfg.EntryOffset,
		HypercallOffset: b.cfg.HypercallOffset,
		P2mBase:         b.cfg.P2mBase,
	}

	totalPages := (spec.MemoryMB << 20) >> pageShift
	setup := NewBootSetup(b.gate, domid, totalPages+b.cfg.P2mSlack)

	state, err := setup.Initialize(ctx, arch, loader, nil, spec.MemoryMB)
	if err != nil {
		_ = setup.Phys.UnmapAll()
		return errors.Wrap(err, "domainbuilder: initialize")
	}

	cmdline := strings.Join(spec.Command, " ")
	if err := setup.Boot(ctx, arch, state, cmdline); err != nil {
		return errors.Wrap(err, "domainbuilder: boot")
	}

	boot := txstore.BootInfo{
		Domid:         domid,
		BackendDomid:  b.cfg.BackendDomid,
		StoreEvtchn:   state.StoreEvtchn,
		StoreMfn:      setup.Phys.Table()[state.XenstoreSegment.Pfn],
		ConsoleEvtchn: state.ConsoleEvtchn,
		ConsoleMfn:    setup.Phys.Table()[state.ConsoleSegment.Pfn],
	}

	if err := txstore.Compose(ctx, b.xs, spec, boot, spec.Image, "", cmdline); err != nil {
		return errors.Wrap(err, "domainbuilder: compose store tree")
	}

	if err := b.xs.IntroduceDomain(ctx, domid, boot.StoreMfn, boot.StoreEvtchn); err != nil {
		return errors.Wrap(err, "domainbuilder: introduce domain")
	}

	return b.gate.UnpauseDomain(ctx, domid)
}

// assignPassthroughDevices grants the domain ownership of every declared
// PCI device before the store tree is composed, so a passthrough-dependent
// driver never observes the domain running without its device. A DeviceSpec
// with Kind "pci" carries its host BDF in Path.
func (b *Builder) assignPassthroughDevices(ctx context.Context, domid uint32, devices []zone.DeviceSpec) error {
	for _, dev := range devices {
		if dev.Kind != "pci" {
			continue
		}
		bdf, err := pci.ParseBDF(dev.Path)
		if err != nil {
			return errors.Wrapf(err, "domainbuilder: device %s", dev.ID)
		}
		sbdf, err := bdf.SBDF()
		if err != nil {
			return errors.Wrapf(err, "domainbuilder: device %s", dev.ID)
		}
		if err := b.gate.AssignDevice(ctx, domid, sbdf); err != nil {
			return errors.Wrapf(err, "domainbuilder: assign device %s (%s)", dev.ID, bdf)
		}
		buildLog.WithField("domid", domid).WithField("bdf", bdf.String()).Info("assigned passthrough device")
	}
	return nil
}
