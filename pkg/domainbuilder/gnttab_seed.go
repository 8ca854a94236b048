// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package domainbuilder

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/zoneforge/zoned/pkg/p2m"
)

// resourceTypeGrantTable is XENMEM_resource_grant_table, the resource kind
// IOCTL_PRIVCMD_MMAP_RESOURCE uses to reach a domain's own grant frames
// (as opposed to gnttab.Table.MapRef, which maps a frame another domain
// has already granted to dom0).
const resourceTypeGrantTable = 1

// grantEntryReadOnly is GTF_permit_access with no GTF_readwrite bit: dom0
// may read the console/store ring but not write it.
const grantEntryReadOnly = 1 << 0

// gnttabSeed installs the two grant entries (console ring, xenstore ring)
// a freshly built guest needs before dom0's backend drivers can attach:
// it foreign-maps the new domain's own grant table frame 0 and writes two
// raw grant_entry_v1 records directly, since this is a different
// operation from mapping an already-granted foreign ref into our own
// address space.
func (s *BootSetup) gnttabSeed(ctx context.Context, state *BootState) error {
	consoleGfn := s.Phys.Get(state.ConsoleSegment.Pfn)
	xenstoreGfn := s.Phys.Get(state.XenstoreSegment.Pfn)

	ptr, err := reserveAnonPage()
	if err != nil {
		return err
	}
	defer func() { _ = unmapAnonPage(ptr) }()

	if err := s.gate.MmapResource(ctx, s.domid, resourceTypeGrantTable, 0, 0, ptr, 1); err != nil {
		return errors.Wrap(err, "map domain's own grant table frame")
	}

	writeGrantEntry(ptr, 0, grantEntryReadOnly, 0, uint32(consoleGfn))
	writeGrantEntry(ptr, 1, grantEntryReadOnly, 0, uint32(xenstoreGfn))
	return nil
}

// writeGrantEntry writes a grant_entry_v1-shaped record (flags uint16,
// domid uint16, frame uint32 — 8 bytes) at the given slot index.
func writeGrantEntry(ptr uintptr, slot int, flags, domid uint16, frame uint32) {
	base := ptr + uintptr(slot)*8
	*(*uint16)(ptrAt(base)) = flags
	*(*uint16)(ptrAt(base + 2)) = domid
	*(*uint32)(ptrAt(base + 4)) = frame
}

func reserveAnonPage() (uintptr, error) {
	data, err := unix.Mmap(-1, 0, p2m.PageSize, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, errors.Wrap(err, "domainbuilder: reserve grant seed page")
	}
	return uintptr(unsafePointerOf(data)), nil
}

func unmapAnonPage(ptr uintptr) error {
	return unix.Munmap(bytesAt(ptr, p2m.PageSize))
}
