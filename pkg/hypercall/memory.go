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

// xenMemoryReservation mirrors xen_memory_reservation, used by both
// populate_physmap and claim_pages.
type xenMemoryReservation struct {
	ExtentStart unsafe.Pointer
	NrExtents   uint64
	ExtentOrder uint32
	MemFlags    uint32
	Domid       uint16
}

// PopulatePhysmap issues MEMORY_OP_populate_physmap, backing the pfns in
// gpfns with freshly allocated host pages and writing the host's chosen
// mfns back into gpfns in place.
func (g *Gate) PopulatePhysmap(ctx context.Context, domid uint32, gpfns []uint64) error {
	if len(gpfns) == 0 {
		return nil
	}
	req := xenMemoryReservation{
		ExtentStart: unsafe.Pointer(&gpfns[0]),
		NrExtents:   uint64(len(gpfns)),
		Domid:       uint16(domid),
	}
	if _, err := g.Do(ctx, hvMemoryOp, [5]uintptr{uintptr(memPopulatePhysmap), ptrOf(unsafe.Pointer(&req)), 0, 0, 0}); err != nil {
		return errors.Wrap(err, "populate physmap")
	}
	return nil
}

// ClaimPages issues MEMORY_OP_claim_pages, reserving nrPages against the
// domain's memory ceiling without allocating them, so a later
// PopulatePhysmap cannot fail on host memory pressure mid-build.
func (g *Gate) ClaimPages(ctx context.Context, domid uint32, nrPages uint64) error {
	req := xenMemoryReservation{
		NrExtents: nrPages,
		Domid:     uint16(domid),
	}
	if _, err := g.Do(ctx, hvMemoryOp, [5]uintptr{uintptr(memClaimPages), ptrOf(unsafe.Pointer(&req)), 0, 0, 0}); err != nil {
		return errors.Wrap(err, "claim pages")
	}
	return nil
}

// E820Entry mirrors struct e820entry: a contiguous physical range and its
// BIOS-style type tag (RAM, reserved, ACPI, NVS, ...).
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

type xenMemoryMap struct {
	NrEntries uint32
	Buffer    unsafe.Pointer
}

// GetMemoryMap issues MEMORY_OP_memory_map, returning up to len(entries)
// of the domain's current E820-style map. The returned slice is the
// hypervisor-filled prefix of entries.
func (g *Gate) GetMemoryMap(ctx context.Context, domid uint32, entries []E820Entry) ([]E820Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	req := xenMemoryMap{
		NrEntries: uint32(len(entries)),
		Buffer:    unsafe.Pointer(&entries[0]),
	}
	if _, err := g.Do(ctx, hvMemoryOp, [5]uintptr{uintptr(memMemoryMap), ptrOf(unsafe.Pointer(&req)), 0, 0, 0}); err != nil {
		return nil, errors.Wrap(err, "get memory map")
	}
	return entries[:req.NrEntries], nil
}

// SetMemoryMap issues MEMORY_OP_set_memory_map, installing the
// post-sanitization E820 map the Domain Builder computed for the guest.
func (g *Gate) SetMemoryMap(ctx context.Context, domid uint32, entries []E820Entry) error {
	if len(entries) == 0 {
		return nil
	}
	req := struct {
		Domid uint16
		Map   xenMemoryMap
	}{
		Domid: uint16(domid),
		Map: xenMemoryMap{
			NrEntries: uint32(len(entries)),
			Buffer:    unsafe.Pointer(&entries[0]),
		},
	}
	if _, err := g.Do(ctx, hvMemoryOp, [5]uintptr{uintptr(memSetMemoryMap), ptrOf(unsafe.Pointer(&req)), 0, 0, 0}); err != nil {
		return errors.Wrap(err, "set memory map")
	}
	return nil
}
