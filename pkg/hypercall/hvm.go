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

// hvmopSetParam is HVMOP_set_param.
const hvmopSetParam = 0

// PVH HVM_PARAM_* indices the Domain Builder's special-pages setup needs.
const (
	HvmParamStorePfn      = 1
	HvmParamStoreEvtchn   = 2
	HvmParamIoreqPfn      = 5
	HvmParamBufioreqPfn   = 6
	HvmParamTimerMode     = 10
	HvmParamConsolePfn    = 17
	HvmParamConsoleEvtchn = 18
	HvmParamPagingRingPfn = 27
	HvmParamMonitorRingPfn = 28
	HvmParamSharingRingPfn = 29
	HvmParamAltp2m        = 35
	HvmParamIdentPt       = 54
)

type hvmParamPayload struct {
	Domid uint16
	_     uint16
	Index uint32
	Value uint64
}

// SetHvmParam issues HVMOP_set_param, the PVH backend's way of registering
// a special page's pfn (or an event channel) with the hypervisor.
func (g *Gate) SetHvmParam(ctx context.Context, domid uint32, index uint32, value uint64) error {
	req := hvmParamPayload{Domid: uint16(domid), Index: index, Value: value}
	if _, err := g.Do(ctx, hvHvmOp, [5]uintptr{uintptr(hvmopSetParam), ptrOf(unsafe.Pointer(&req)), 0, 0, 0}); err != nil {
		return errors.Wrap(err, "set hvm param")
	}
	return nil
}
