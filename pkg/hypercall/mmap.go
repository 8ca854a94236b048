// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hypercall

import (
	"context"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mmapBatchMaxRetries and mmapBatchRetryDelay bound the paging retry loop
// described in spec §4.1: a freshly allocated foreign mfn can be paged out
// by the host for a brief window, during which MMAPBATCH_V2 reports ENOENT
// for that slot rather than mapping it.
const (
	mmapBatchMaxRetries = 5
	mmapBatchRetryDelay = 20 * time.Millisecond
)

// Mmap issues IOCTL_PRIVCMD_MMAP, mapping a contiguous run of foreign mfns
// for domid at host virtual address va. Callers reserve va themselves via
// mmap(PROT_NONE) first, matching the Physical Page Map's allocator.
func (g *Gate) Mmap(ctx context.Context, domid uint32, va uintptr, mfn uint64, npages uint64) error {
	entry := mmapEntry{Va: uint64(va), Mfn: mfn, Npages: npages}
	req := mmapStruct{
		Domid:      uint16(domid),
		NumEntries: 1,
		Entry:      unsafe.Pointer(&entry),
	}
	if _, err := g.ioctl(ioctlPrivcmdMmap, ptrOf(unsafe.Pointer(&req))); err != nil {
		return errors.Wrap(err, "mmap")
	}
	return nil
}

// MmapBatch issues IOCTL_PRIVCMD_MMAPBATCH_V2 over mfns. While any slot
// reports ENOENT (a paged-out foreign page), it re-issues the whole batch,
// up to mmapBatchMaxRetries attempts; slots that already mapped are
// submitted again rather than only the ENOENT ones. Any other per-slot
// error, or a failing ioctl, ends the call at once.
func (g *Gate) MmapBatch(ctx context.Context, domid uint32, va uintptr, mfns []uint64) error {
	if len(mfns) == 0 {
		return nil
	}
	errs := make([]int32, len(mfns))

	req := mmapBatchStruct{
		Num:    uint32(len(mfns)),
		Domid:  uint16(domid),
		Addr:   uint64(va),
		Mfns:   unsafe.Pointer(&mfns[0]),
		Errors: unsafe.Pointer(&errs[0]),
	}

	for attempt := 0; attempt < mmapBatchMaxRetries; attempt++ {
		if _, err := g.ioctl(ioctlPrivcmdMmapBatchV2, ptrOf(unsafe.Pointer(&req))); err != nil {
			return errors.Wrap(err, "mmap batch")
		}

		pending := false
		for _, e := range errs {
			if e == -int32(unix.ENOENT) {
				pending = true
				break
			}
			if e != 0 {
				return errors.Errorf("mmap batch: slot error %d", e)
			}
		}
		if !pending {
			return nil
		}

		select {
		case <-time.After(mmapBatchRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.New("mmap batch: foreign pages still paged out after retries exhausted")
}

// MmapResource issues IOCTL_PRIVCMD_MMAP_RESOURCE, mapping a hypervisor
// resource (e.g. the ioreq server page set) identified by (type, id, idx)
// rather than by explicit mfns.
func (g *Gate) MmapResource(ctx context.Context, domid uint32, resType, id, idx uint32, va uintptr, numPages uint64) error {
	req := mmapResourceStruct{
		Dom:  uint16(domid),
		Type: resType,
		ID:   id,
		Idx:  idx,
		Num:  numPages,
		Addr: uint64(va),
	}
	if _, err := g.ioctl(ioctlPrivcmdMmapResource, ptrOf(unsafe.Pointer(&req))); err != nil {
		return errors.Wrap(err, "mmap resource")
	}
	return nil
}

// Multicall batches independent hypercalls into a single trip through the
// privileged device, returning the per-call results in order. A call that
// fails does not abort the remaining calls in the batch, matching the
// hypervisor's own multicall semantics.
func (g *Gate) Multicall(ctx context.Context, calls []struct {
	Op   uintptr
	Args [6]uintptr
}) ([]int64, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.release()

	entries := make([]multicallEntry, len(calls))
	for i, c := range calls {
		entries[i] = multicallEntry{Op: uint64(c.Op)}
		for j, a := range c.Args {
			entries[i].Args[j] = uint64(a)
		}
	}

	call := hypercallStruct{op: uint64(hvMulticall), arg: [5]uint64{
		uint64(ptrOf(unsafe.Pointer(&entries[0]))), uint64(len(entries)), 0, 0, 0,
	}}
	if _, err := g.ioctl(ioctlPrivcmdHypercall, ptrOf(unsafe.Pointer(&call))); err != nil {
		return nil, errors.Wrap(err, "multicall")
	}

	results := make([]int64, len(entries))
	for i, e := range entries {
		results[i] = e.Result
	}
	return results, nil
}
