// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package reconciler

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoneforge/zoned/pkg/config"
	"github.com/zoneforge/zoned/pkg/devicemgr"
	"github.com/zoneforge/zoned/pkg/eventbus"
	"github.com/zoneforge/zoned/pkg/ipam"
	"github.com/zoneforge/zoned/pkg/netdev"
	"github.com/zoneforge/zoned/pkg/xenstore"
	"github.com/zoneforge/zoned/pkg/zone"
)

// The wire helpers below answer every xenstore request with XSD_ERROR /
// ENOENT, the same minimal fixture pkg/ipam's own tests use — enough to
// let ipam.New hydrate against an empty store.
const (
	wireHeaderSize = 16
	wireTypeError  = 16
)

func emptyStoreClient(t *testing.T) *xenstore.Client {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		for {
			hdr := make([]byte, wireHeaderSize)
			if _, err := io.ReadFull(server, hdr); err != nil {
				return
			}
			length := binary.LittleEndian.Uint32(hdr[12:16])
			if length > 0 {
				if _, err := io.ReadFull(server, make([]byte, length)); err != nil {
					return
				}
			}
			payload := []byte("ENOENT\x00")
			out := make([]byte, wireHeaderSize+len(payload))
			binary.LittleEndian.PutUint32(out[0:4], wireTypeError)
			copy(out[4:8], hdr[4:8])
			copy(out[8:12], hdr[8:12])
			binary.LittleEndian.PutUint32(out[12:16], uint32(len(payload)))
			copy(out[wireHeaderSize:], payload)
			if _, err := server.Write(out); err != nil {
				return
			}
		}
	}()
	c := xenstore.FromConn(client)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type fakeRuntime struct {
	mu        sync.Mutex
	domids    []uint32
	statuses  map[uint32]DomainStatus
	destroyed []uint32
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{statuses: make(map[uint32]DomainStatus)}
}

func (f *fakeRuntime) ListDomids(ctx context.Context) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.domids...), nil
}

func (f *fakeRuntime) DomainStatus(ctx context.Context, domid uint32) (DomainStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[domid], nil
}

func (f *fakeRuntime) Destroy(ctx context.Context, domid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, domid)
	return nil
}

type fakeBuilder struct {
	nextDomid uint32
	err       error
}

func (f *fakeBuilder) Build(ctx context.Context, spec zone.Spec) (uint32, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.nextDomid, nil
}

func testReconciler(t *testing.T, rt Runtime, builder DomainBuilder) (*Reconciler, *zone.Store) {
	t.Helper()

	store, err := zone.NewStore(t.TempDir())
	require.NoError(t, err)

	_, ipv4Net, err := net.ParseCIDR("10.2.0.0/24")
	require.NoError(t, err)
	_, ipv6Net, err := net.ParseCIDR("fd01::/120")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	vendor, err := ipam.New(ctx, emptyStoreClient(t), ipam.HostUUID, ipv4Net, ipv6Net)
	require.NoError(t, err)

	r := New(config.ReconcileConfig{IntervalSeconds: 15, ParallelLimit: 5}, ipam.HostUUID, store, zone.NewLookup(), rt, builder, vendor, devicemgr.New(), eventbus.New(), nil, netdev.New())
	return r, store
}

func TestCreateTransitionsToCreatedWithNetwork(t *testing.T) {
	r, store := testReconciler(t, newFakeRuntime(), &fakeBuilder{nextDomid: 7})

	id := uuid.New()
	require.NoError(t, store.Save(zone.Record{Spec: zone.Spec{UUID: id}, Status: zone.Status{State: zone.StateCreating}}))

	out, err := r.reconcileOnce(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, out.changed)
	assert.False(t, out.rerun)

	rec, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, zone.StateCreated, rec.Status.State)
	assert.Equal(t, uint32(7), rec.Status.Domid)
	require.NotNil(t, rec.Status.NetworkStatus)
	assert.NotEmpty(t, rec.Status.NetworkStatus.IPv4)
}

func TestCreateFailureMarksZoneFailed(t *testing.T) {
	r, store := testReconciler(t, newFakeRuntime(), &fakeBuilder{err: assert.AnError})

	id := uuid.New()
	require.NoError(t, store.Save(zone.Record{Spec: zone.Spec{UUID: id}, Status: zone.Status{State: zone.StateCreating}}))

	out, err := r.reconcileOnce(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, out.changed)
	assert.False(t, out.rerun)

	rec, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, zone.StateFailed, rec.Status.State)
	assert.NotEmpty(t, rec.Status.ErrorStatus)
}

func TestExitedThenDestroyingReachesDestroyed(t *testing.T) {
	rt := newFakeRuntime()
	r, store := testReconciler(t, rt, &fakeBuilder{})

	id := uuid.New()
	require.NoError(t, store.Save(zone.Record{
		Spec:   zone.Spec{UUID: id},
		Status: zone.Status{State: zone.StateExited, Domid: 3},
	}))

	out, err := r.reconcileOnce(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, out.changed)
	assert.True(t, out.rerun)

	rec, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, zone.StateDestroying, rec.Status.State)

	out, err = r.reconcileOnce(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, out.changed)
	assert.False(t, out.rerun)

	_, ok = store.Get(id)
	assert.False(t, ok, "destroyed record should be removed from the store")
	assert.Contains(t, rt.destroyed, uint32(3))
}

func TestReconcileRuntimeDestroysGarbageDomain(t *testing.T) {
	rt := newFakeRuntime()
	rt.domids = []uint32{0, 99}
	r, _ := testReconciler(t, rt, &fakeBuilder{})

	require.NoError(t, r.reconcileRuntime(context.Background(), true))

	assert.Contains(t, rt.destroyed, uint32(99))
	assert.NotContains(t, rt.destroyed, uint32(0))
}

func TestReconcileRuntimeRollsBackVanishedDomain(t *testing.T) {
	rt := newFakeRuntime()
	r, store := testReconciler(t, rt, &fakeBuilder{})

	id := uuid.New()
	require.NoError(t, store.Save(zone.Record{
		Spec:   zone.Spec{UUID: id},
		Status: zone.Status{State: zone.StateCreated, Domid: 11},
	}))

	require.NoError(t, r.reconcileRuntime(context.Background(), false))

	rec, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, zone.StateCreating, rec.Status.State)
	assert.Equal(t, zone.NoDomid, rec.Status.Domid)
}

func TestReconcileRuntimeDetectsExit(t *testing.T) {
	rt := newFakeRuntime()
	rt.domids = []uint32{11}
	rt.statuses[11] = DomainStatus{Live: true, Exited: true, ExitCode: 42}
	r, store := testReconciler(t, rt, &fakeBuilder{})

	id := uuid.New()
	require.NoError(t, store.Save(zone.Record{
		Spec:   zone.Spec{UUID: id},
		Status: zone.Status{State: zone.StateCreated, Domid: 11},
	}))

	require.NoError(t, r.reconcileRuntime(context.Background(), false))

	rec, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, zone.StateExited, rec.Status.State)
	require.NotNil(t, rec.Status.ExitStatus)
	assert.Equal(t, 42, *rec.Status.ExitStatus)
}
