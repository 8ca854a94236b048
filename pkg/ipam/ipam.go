// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package ipam is the IP Reservation collaborator: a two-phase IPv4/IPv6
// allocator over one configured CIDR per family, reloadable from the
// hypervisor's key-value store after a restart.
package ipam

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zoneforge/zoned/pkg/xenstore"
)

var ipamLog = logrus.WithField("source", "ipam")

// HostUUID is the sentinel identity the host reserves its own gateway
// addresses against, rather than special-casing the zero UUID per call.
var HostUUID = uuid.MustParse("00000000-0000-0000-0000-000000000000")

// ErrExhausted is returned when a CIDR has no more assignable address.
var ErrExhausted = errors.New("ipam: address range exhausted")

// ErrNotPending is returned when Commit or Recall cannot find the
// expected pending/allocated entry for the caller's assignment.
var ErrNotPending = errors.New("ipam: matching reservation not found")

type state struct {
	ipv4        map[string]uuid.UUID
	ipv6        map[string]uuid.UUID
	pendingIPv4 map[string]uuid.UUID
	pendingIPv6 map[string]uuid.UUID
}

func newState() *state {
	return &state{
		ipv4:        make(map[string]uuid.UUID),
		ipv6:        make(map[string]uuid.UUID),
		pendingIPv4: make(map[string]uuid.UUID),
		pendingIPv6: make(map[string]uuid.UUID),
	}
}

// Vendor assigns and tracks IPv4/IPv6 reservations for zones, backed by
// one configured CIDR per family. All mutation goes through a single
// mutex, the Go equivalent of the original's async RwLock-guarded state.
type Vendor struct {
	store    *xenstore.Client
	hostUUID uuid.UUID

	ipv4Net *net.IPNet
	ipv6Net *net.IPNet

	gatewayIPv4 net.IP
	gatewayIPv6 net.IP

	mu    sync.Mutex
	state *state
}

// New constructs a Vendor, hydrating its state from the store's existing
// domains and reserving each network's first usable address as the
// host's own gateway.
func New(ctx context.Context, store *xenstore.Client, hostUUID uuid.UUID, ipv4Net, ipv6Net *net.IPNet) (*Vendor, error) {
	st, err := fetchStoredState(ctx, store)
	if err != nil {
		return nil, err
	}

	v := &Vendor{store: store, hostUUID: hostUUID, ipv4Net: ipv4Net, ipv6Net: ipv6Net, state: st}

	gw4, err := allocate(st.ipv4, hostUUID, ipv4Net, assignableIPv4)
	if err != nil {
		return nil, errors.Wrap(err, "allocating ipv4 gateway")
	}
	gw6, err := allocate(st.ipv6, hostUUID, ipv6Net, assignableIPv6)
	if err != nil {
		return nil, errors.Wrap(err, "allocating ipv6 gateway")
	}
	v.gatewayIPv4, v.gatewayIPv6 = gw4, gw6

	return v, nil
}

// Assignment is a committed-or-pending IP reservation for one zone.
type Assignment struct {
	UUID        uuid.UUID
	IPv4        net.IP
	IPv6        net.IP
	IPv4Prefix  int
	IPv6Prefix  int
	GatewayIPv4 net.IP
	GatewayIPv6 net.IP
	Committed   bool
}

// Assign finds the first unused IPv4 and IPv6 address, inserting both
// into pending and allocated. The caller must Commit (on success) or
// Recall (on failure) — there is no Drop in Go, so unlike the original,
// leaking an uncommitted Assignment leaks its reservation until recalled
// explicitly; callers are expected to defer Recall immediately after a
// successful Assign and have Commit supersede it.
func (v *Vendor) Assign(id uuid.UUID) (*Assignment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ip4, err := allocate(v.state.ipv4, id, v.ipv4Net, assignableIPv4)
	if err != nil {
		return nil, errors.Wrap(err, "allocating ipv4")
	}
	ip6, err := allocate(v.state.ipv6, id, v.ipv6Net, assignableIPv6)
	if err != nil {
		return nil, errors.Wrap(err, "allocating ipv6")
	}

	v.state.pendingIPv4[ip4.String()] = id
	v.state.pendingIPv6[ip6.String()] = id

	ones4, _ := v.ipv4Net.Mask.Size()
	ones6, _ := v.ipv6Net.Mask.Size()

	return &Assignment{
		UUID:        id,
		IPv4:        ip4,
		IPv6:        ip6,
		IPv4Prefix:  ones4,
		IPv6Prefix:  ones6,
		GatewayIPv4: v.gatewayIPv4,
		GatewayIPv6: v.gatewayIPv6,
	}, nil
}

// PoolStats is one address family's pool utilization: addresses
// currently allocated (committed or pending) against the capacity of
// its configured CIDR, 2^hostBits minus two (0 above 30 host bits).
// Capacity does not account for the assignable* filters, so it can
// exceed what allocate will hand out (a /24 IPv4 pool reports 254).
type PoolStats struct {
	Allocated int
	Capacity  int
}

// Stats reports each family's current utilization, for the metrics
// collector's periodic gauge refresh.
func (v *Vendor) Stats() (ipv4, ipv6 PoolStats) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ones4, bits4 := v.ipv4Net.Mask.Size()
	ones6, bits6 := v.ipv6Net.Mask.Size()

	ipv4 = PoolStats{
		Allocated: len(v.state.ipv4),
		Capacity:  poolCapacity(ones4, bits4),
	}
	ipv6 = PoolStats{
		Allocated: len(v.state.ipv6),
		Capacity:  poolCapacity(ones6, bits6),
	}
	return ipv4, ipv6
}

func poolCapacity(ones, bits int) int {
	hostBits := bits - ones
	if hostBits <= 0 || hostBits > 30 {
		return 0
	}
	return (1 << uint(hostBits)) - 2
}

// Commit removes an assignment from pending, leaving it allocated.
func (v *Vendor) Commit(a *Assignment) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state.pendingIPv4[a.IPv4.String()] != a.UUID {
		return ErrNotPending
	}
	if v.state.pendingIPv6[a.IPv6.String()] != a.UUID {
		return ErrNotPending
	}
	delete(v.state.pendingIPv4, a.IPv4.String())
	delete(v.state.pendingIPv6, a.IPv6.String())
	a.Committed = true
	return nil
}

// Recall removes an assignment from both pending and allocated; call it
// for an Assign that will never be committed.
func (v *Vendor) Recall(a *Assignment) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.recallLocked(a.IPv4, a.IPv6, a.UUID, !a.Committed)
}

func (v *Vendor) recallLocked(ip4, ip6 net.IP, id uuid.UUID, pending bool) error {
	if pending {
		if v.state.pendingIPv4[ip4.String()] != id {
			return ErrNotPending
		}
		if v.state.pendingIPv6[ip6.String()] != id {
			return ErrNotPending
		}
		delete(v.state.pendingIPv4, ip4.String())
		delete(v.state.pendingIPv6, ip6.String())
	}
	if v.state.ipv4[ip4.String()] != id {
		return ErrNotPending
	}
	if v.state.ipv6[ip6.String()] != id {
		return ErrNotPending
	}
	delete(v.state.ipv4, ip4.String())
	delete(v.state.ipv6, ip6.String())
	return nil
}

// Reload re-derives allocated state from the store (conflicts are logged
// but the last writer wins) while preserving in-flight pending
// reservations, matching the two-phase reload contract spec.md's data
// model requires.
func (v *Vendor) Reload(ctx context.Context) error {
	fresh, err := fetchStoredState(ctx, v.store)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	fresh.ipv4[v.gatewayIPv4.String()] = v.hostUUID
	fresh.ipv6[v.gatewayIPv6.String()] = v.hostUUID

	for ip, id := range v.state.pendingIPv4 {
		if previous, ok := fresh.ipv4[ip]; ok && previous != id {
			ipamLog.WithFields(logrus.Fields{"ip": ip, "previous": previous, "new": id}).Error("ipv4 conflict detected during reload")
		}
		fresh.ipv4[ip] = id
		fresh.pendingIPv4[ip] = id
	}
	for ip, id := range v.state.pendingIPv6 {
		if previous, ok := fresh.ipv6[ip]; ok && previous != id {
			ipamLog.WithFields(logrus.Fields{"ip": ip, "previous": previous, "new": id}).Error("ipv6 conflict detected during reload")
		}
		fresh.ipv6[ip] = id
		fresh.pendingIPv6[ip] = id
	}

	v.state = fresh
	return nil
}

func allocate(used map[string]uuid.UUID, id uuid.UUID, network *net.IPNet, assignable func(net.IP) bool) (net.IP, error) {
	for ip := firstIP(network); network.Contains(ip); ip = nextIP(ip) {
		if !assignable(ip) {
			continue
		}
		if _, taken := used[ip.String()]; taken {
			continue
		}
		dup := make(net.IP, len(ip))
		copy(dup, ip)
		used[dup.String()] = id
		return dup, nil
	}
	return nil, ErrExhausted
}

func assignableIPv4(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	if v4.IsLoopback() || v4.IsMulticast() || !v4.IsPrivate() {
		return false
	}
	last := v4[3]
	return last != 0 && last <= 250
}

func assignableIPv6(ip net.IP) bool {
	return !ip.IsLoopback() && !ip.IsMulticast()
}

func firstIP(n *net.IPNet) net.IP {
	ip := make(net.IP, len(n.IP))
	copy(ip, n.IP)
	return ip
}

func nextIP(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}
