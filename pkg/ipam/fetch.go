// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package ipam

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/zoneforge/zoned/pkg/xenstore"
)

// fetchStoredState rebuilds allocated-IP state by scanning every live
// domain's store subtree for its committed zone network reservation,
// the hydration path a freshly started daemon (or a Reload) uses instead
// of trusting its own possibly-stale in-memory map.
func fetchStoredState(ctx context.Context, store *xenstore.Client) (*state, error) {
	st := newState()

	domids, err := store.List(ctx, "/local/domain")
	if err != nil {
		return nil, err
	}

	for _, domid := range domids {
		domPath := fmt.Sprintf("/local/domain/%s", domid)

		idStr, ok, err := store.ReadString(ctx, domPath+"/zoned/uuid")
		if err != nil || !ok {
			continue
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}

		if ipv4Str, ok, err := store.ReadString(ctx, domPath+"/zoned/network/zone/ipv4"); err == nil && ok {
			if ip := net.ParseIP(ipv4Str); ip != nil {
				st.ipv4[ip.String()] = id
			}
		}
		if ipv6Str, ok, err := store.ReadString(ctx, domPath+"/zoned/network/zone/ipv6"); err == nil && ok {
			if ip := net.ParseIP(ipv6Str); ip != nil {
				st.ipv6[ip.String()] = id
			}
		}
	}

	return st, nil
}

// ReadDomainAssignment resolves a live domain's committed IP reservation
// back from the store, used by the reconciler's periodic scan to
// populate a zone's NetworkStatus without re-deriving it from in-memory
// state alone.
func ReadDomainAssignment(ctx context.Context, store *xenstore.Client, id uuid.UUID, domid uint32) (*Assignment, bool, error) {
	domPath := fmt.Sprintf("/local/domain/%d", domid)

	ipv4Str, ok, err := store.ReadString(ctx, domPath+"/zoned/network/zone/ipv4")
	if err != nil || !ok {
		return nil, false, err
	}
	ipv6Str, ok, err := store.ReadString(ctx, domPath+"/zoned/network/zone/ipv6")
	if err != nil || !ok {
		return nil, false, err
	}
	gw4Str, ok, err := store.ReadString(ctx, domPath+"/zoned/network/gateway/ipv4")
	if err != nil || !ok {
		return nil, false, err
	}
	gw6Str, ok, err := store.ReadString(ctx, domPath+"/zoned/network/gateway/ipv6")
	if err != nil || !ok {
		return nil, false, err
	}

	ipv4, ipv6 := net.ParseIP(ipv4Str), net.ParseIP(ipv6Str)
	gw4, gw6 := net.ParseIP(gw4Str), net.ParseIP(gw6Str)
	if ipv4 == nil || ipv6 == nil || gw4 == nil || gw6 == nil {
		return nil, false, nil
	}

	return &Assignment{
		UUID:        id,
		IPv4:        ipv4,
		IPv6:        ipv6,
		GatewayIPv4: gw4,
		GatewayIPv6: gw6,
		Committed:   true,
	}, true, nil
}
