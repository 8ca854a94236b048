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

// EVENT_CHANNEL_OP subcommands the channel backend and Domain Builder need.
const (
	evtchnAllocUnbound = 6
	evtchnBindInterdomain = 0
	evtchnClose        = 3
	evtchnSend          = 4
	evtchnUnmask        = 8
)

type evtchnAllocUnboundPayload struct {
	Dom       uint16
	RemoteDom uint16
	Port      uint32
}

// AllocUnboundEventChannel issues EVTCHNOP_alloc_unbound, creating a port on
// dom that remoteDom may later bind. The Domain Builder's Initialize uses
// it to allocate a new guest's store and console ports.
func (g *Gate) AllocUnboundEventChannel(ctx context.Context, dom, remoteDom uint32) (uint32, error) {
	req := evtchnAllocUnboundPayload{Dom: uint16(dom), RemoteDom: uint16(remoteDom)}
	if _, err := g.Do(ctx, hvEventChannelOp, [5]uintptr{uintptr(evtchnAllocUnbound), ptrOf(unsafe.Pointer(&req)), 0, 0, 0}); err != nil {
		return 0, errors.Wrap(err, "alloc unbound event channel")
	}
	return req.Port, nil
}

type evtchnBindInterdomainPayload struct {
	RemoteDom  uint16
	RemotePort uint32
	LocalPort  uint32
}

// BindInterdomainEventChannel issues EVTCHNOP_bind_interdomain, binding a
// local port to the guest's remotePort so the channel backend can notify
// and be notified across the domain boundary.
func (g *Gate) BindInterdomainEventChannel(ctx context.Context, remoteDom uint32, remotePort uint32) (uint32, error) {
	req := evtchnBindInterdomainPayload{RemoteDom: uint16(remoteDom), RemotePort: remotePort}
	if _, err := g.Do(ctx, hvEventChannelOp, [5]uintptr{uintptr(evtchnBindInterdomain), ptrOf(unsafe.Pointer(&req)), 0, 0, 0}); err != nil {
		return 0, errors.Wrap(err, "bind interdomain event channel")
	}
	return req.LocalPort, nil
}

type evtchnClosePayload struct {
	Port uint32
}

// CloseEventChannel issues EVTCHNOP_close on the local port.
func (g *Gate) CloseEventChannel(ctx context.Context, port uint32) error {
	req := evtchnClosePayload{Port: port}
	if _, err := g.Do(ctx, hvEventChannelOp, [5]uintptr{uintptr(evtchnClose), ptrOf(unsafe.Pointer(&req)), 0, 0, 0}); err != nil {
		return errors.Wrap(err, "close event channel")
	}
	return nil
}

type evtchnSendPayload struct {
	Port uint32
}

// NotifyEventChannel issues EVTCHNOP_send, signaling the peer end of a
// bound channel that the ring the channel backend owns has new data.
func (g *Gate) NotifyEventChannel(ctx context.Context, port uint32) error {
	req := evtchnSendPayload{Port: port}
	if _, err := g.Do(ctx, hvEventChannelOp, [5]uintptr{uintptr(evtchnSend), ptrOf(unsafe.Pointer(&req)), 0, 0, 0}); err != nil {
		return errors.Wrap(err, "notify event channel")
	}
	return nil
}
