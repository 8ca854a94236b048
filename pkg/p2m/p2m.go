// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package p2m maintains the per-domain PFN→MFN mapping the Domain Builder
// uses while constructing a guest's address space, plus the cache of host
// virtual ranges currently mapped for it.
package p2m

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/zoneforge/zoned/pkg/hypercall"
)

var p2mLog = logrus.WithField("source", "p2m")

// UnmappedSentinel marks a PFN that has not yet been populated.
const UnmappedSentinel = ^uint64(0)

// PageSize is the guest/host page size this repo builds for (x86-64, 4K
// pages).
const PageSize = 4096

// mappedRange records a host virtual address range currently backing
// `count` consecutive guest PFNs starting at `pfn`.
type mappedRange struct {
	pfn   uint64
	count uint64
	ptr   uintptr
}

// Map is the Physical Page Map for one domain. It is created empty at
// builder start, populated by populate_physmap calls made through the
// Domain Builder, and torn down in its entirety by UnmapAll before the
// guest is unpaused.
type Map struct {
	gate  *hypercall.Gate
	domid uint32

	mu     sync.Mutex
	p2m    []uint64
	ranges []mappedRange
}

// New allocates a p2m table of size entries, all UnmappedSentinel.
func New(gate *hypercall.Gate, domid uint32, size uint64) *Map {
	table := make([]uint64, size)
	for i := range table {
		table[i] = UnmappedSentinel
	}
	return &Map{gate: gate, domid: domid, p2m: table}
}

// Size returns the number of PFN slots in the table.
func (m *Map) Size() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.p2m))
}

// Load replaces the entire table, used when the Domain Builder copies the
// host's freshly computed p2m vector into place ahead of writing it into
// the guest's P2M window.
func (m *Map) Load(table []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p2m = append([]uint64(nil), table...)
}

// Set records the MFN backing a PFN, called as populate_physmap hands back
// newly allocated frames.
func (m *Map) Set(pfn, mfn uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p2m[pfn] = mfn
}

// Get returns the MFN backing pfn, or UnmappedSentinel.
func (m *Map) Get(pfn uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.p2m[pfn]
}

// Table returns a copy of the full p2m vector, used to write the P2M
// window into the guest.
func (m *Map) Table() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.p2m...)
}

// PfnToPtr returns a host virtual address covering count pages starting at
// pfn. If count is 0, a previously mapped range containing pfn is returned
// without re-mapping; it is an error for no such range to exist. Otherwise
// a new range is mapped via mmap_batch over p2m[pfn:pfn+count], and it is
// an error for the requested range to overlap an existing one.
func (m *Map) PfnToPtr(ctx context.Context, pfn, count uint64) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if count == 0 {
		for _, r := range m.ranges {
			if pfn >= r.pfn && pfn < r.pfn+r.count {
				return r.ptr + uintptr(pfn-r.pfn)*PageSize, nil
			}
		}
		return 0, errors.Errorf("p2m: no mapped range contains pfn %d", pfn)
	}

	for _, r := range m.ranges {
		if rangesOverlap(pfn, count, r.pfn, r.count) {
			return 0, errors.Errorf("p2m: requested range [%d,%d) overlaps mapped range [%d,%d)", pfn, pfn+count, r.pfn, r.pfn+r.count)
		}
	}

	if pfn+count > uint64(len(m.p2m)) {
		return 0, errors.Errorf("p2m: range [%d,%d) exceeds table size %d", pfn, pfn+count, len(m.p2m))
	}
	mfns := append([]uint64(nil), m.p2m[pfn:pfn+count]...)

	ptr, err := reserveHostRange(count)
	if err != nil {
		return 0, errors.Wrap(err, "p2m: reserve host range")
	}
	if err := m.gate.MmapBatch(ctx, m.domid, ptr, mfns); err != nil {
		_ = unmapHostRange(ptr, count)
		return 0, errors.Wrap(err, "p2m: mmap batch")
	}

	m.ranges = append(m.ranges, mappedRange{pfn: pfn, count: count, ptr: ptr})
	return ptr, nil
}

// MapForeignPages maps byteLen bytes of raw MFNs starting at mfn, for pages
// the guest does not yet own (the shared-info frame, for example). It does
// not consult or update the p2m table.
func (m *Map) MapForeignPages(ctx context.Context, mfn uint64, byteLen uint64) (uintptr, error) {
	count := (byteLen + PageSize - 1) / PageSize

	ptr, err := reserveHostRange(count)
	if err != nil {
		return 0, errors.Wrap(err, "p2m: reserve host range")
	}

	mfns := make([]uint64, count)
	for i := range mfns {
		mfns[i] = mfn + uint64(i)
	}
	if err := m.gate.MmapBatch(ctx, m.domid, ptr, mfns); err != nil {
		_ = unmapHostRange(ptr, count)
		return 0, errors.Wrap(err, "p2m: map foreign pages")
	}
	return ptr, nil
}

// Unmap tears down the mapped range starting at pfn. It is a no-op if no
// such range is mapped.
func (m *Map) Unmap(pfn uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.ranges {
		if r.pfn == pfn {
			if err := unmapHostRange(r.ptr, r.count); err != nil {
				return errors.Wrapf(err, "p2m: unmap pfn %d", pfn)
			}
			m.ranges = append(m.ranges[:i], m.ranges[i+1:]...)
			return nil
		}
	}
	return nil
}

// UnmapAll tears down every currently mapped range. The Domain Builder
// calls this when a build ends, on success before the guest is unpaused
// and on its error paths too, so no host virtual memory backing the build
// remains mapped into this process.
func (m *Map) UnmapAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, r := range m.ranges {
		if err := unmapHostRange(r.ptr, r.count); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.ranges = nil
	if firstErr != nil {
		return errors.Wrap(firstErr, "p2m: unmap all")
	}
	p2mLog.WithField("domid", m.domid).Debug("physical page map torn down")
	return nil
}

func rangesOverlap(aPfn, aCount, bPfn, bCount uint64) bool {
	return aPfn < bPfn+bCount && bPfn < aPfn+aCount
}

// reserveHostRange reserves count pages of host virtual address space with
// PROT_NONE so the hypervisor's mmap_batch ioctl has a fixed target to
// place foreign pages into.
func reserveHostRange(count uint64) (uintptr, error) {
	length := int(count * PageSize)
	data, err := unix.Mmap(-1, 0, length, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, errors.Wrap(err, "mmap reservation")
	}
	return uintptr(unsafePointerOf(data)), nil
}

func unmapHostRange(ptr uintptr, count uint64) error {
	length := int(count * PageSize)
	data := bytesAt(ptr, length)
	return unix.Munmap(data)
}
