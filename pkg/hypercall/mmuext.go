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

// MMUEXT_OP subcommands the Domain Builder needs.
const (
	MmuextPinL4Table = 3
)

type mmuextOpPayload struct {
	Cmd  uint32
	Arg1 uint64
	Arg2 uint64
}

// MmuExt issues MMUEXT_OP for a single op against domid, e.g. pinning the
// guest's top-level page table so the hypervisor refuses further writes
// to it from dom0's own mappings.
func (g *Gate) MmuExt(ctx context.Context, domid uint32, cmd uint32, arg1, arg2 uint64) error {
	req := mmuextOpPayload{Cmd: cmd, Arg1: arg1, Arg2: arg2}
	if _, err := g.Do(ctx, hvMmuextOp, [5]uintptr{ptrOf(unsafe.Pointer(&req)), 1, 0, uintptr(domid), 0}); err != nil {
		return errors.Wrap(err, "mmuext op")
	}
	return nil
}
