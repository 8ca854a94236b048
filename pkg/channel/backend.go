// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package channel

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zoneforge/zoned/pkg/gnttab"
	"github.com/zoneforge/zoned/pkg/hypercall"
	"github.com/zoneforge/zoned/pkg/xenstore"
)

var backendLog = logrus.WithField("source", "channel")

// Backend store-state values, written to "<backend>/state".
const (
	stateInit        = "3"
	stateWaitRingRef = "4"
	stateClosed      = "6"
)

// frontend store-state values read from "<frontend>/state".
const (
	frontendConnecting = 3
	frontendConnected  = 5
)

// ringRefRetries and ringRefRetryDelay bound how long the backend waits
// for the frontend to race publishing ring-ref and port after announcing
// itself.
const (
	ringRefRetries    = 40
	ringRefRetryDelay = 250 * time.Millisecond
)

// EventSource delivers event-channel notifications for one bound local
// port. A real deployment binds the kernel's /dev/xen/evtchn device and
// polls it; this package takes the source as a dependency so tests (and
// any future kernel-backed implementation) can supply their own.
type EventSource interface {
	Notifications() <-chan struct{}
	Close() error
}

// Backend is one instance of the Grant/Event Channel Backend, bound to a
// single (domid, channel id) frontend. Cancel its context to abort the
// backend; on exit it attempts to write backend state "6" best-effort.
type Backend struct {
	domid uint32
	id    uint32

	backendPath  string
	frontendPath string

	store  *xenstore.Client
	gate   *hypercall.Gate
	grants *gnttab.Table

	// UseReservedRef overrides the frontend-published ring-ref, matching a
	// deployment that seeds channel rings at a fixed, pre-agreed grant
	// reference instead of discovering one dynamically.
	UseReservedRef *uint64

	inbound  <-chan []byte
	outbound chan<- outboundMessage
}

// outboundMessage carries a channel backend's output to its consumer; a
// nil Data with Closed set signals the backend exited.
type outboundMessage struct {
	Domid  uint32
	Data   []byte
	Closed bool
}

// NewBackend constructs a backend for domid/id rooted at the given
// backend/frontend store paths.
func NewBackend(store *xenstore.Client, gate *hypercall.Gate, grants *gnttab.Table, domid, id uint32, backendPath, frontendPath string, inbound <-chan []byte, outbound chan<- outboundMessage) *Backend {
	return &Backend{
		domid:        domid,
		id:           id,
		backendPath:  backendPath,
		frontendPath: frontendPath,
		store:        store,
		gate:         gate,
		grants:       grants,
		inbound:      inbound,
		outbound:     outbound,
	}
}

// Run drives the backend through Init → WaitRingRef → Mapped → Closed. It
// blocks until ctx is canceled, the frontend closes the channel, or an
// unrecoverable error occurs.
func (b *Backend) Run(ctx context.Context, events EventSource, notifyPort func(context.Context, uint32) error) (err error) {
	defer func() {
		if werr := b.store.WriteString(context.Background(), b.statePath(), stateClosed); werr != nil {
			backendLog.WithError(werr).Warn("failed to write closed backend state")
		}
		select {
		case b.outbound <- outboundMessage{Domid: b.domid, Closed: true}:
		default:
		}
	}()

	if err := b.store.WriteString(ctx, b.statePath(), stateInit); err != nil {
		return errors.Wrap(err, "write init state")
	}
	backendLog.WithFields(logrus.Fields{"domid": b.domid, "id": b.id}).Debug("channel backend created")

	ringRef, port, err := b.waitForRingRef(ctx)
	if err != nil {
		return err
	}

	if err := b.store.WriteString(ctx, b.statePath(), stateWaitRingRef); err != nil {
		return errors.Wrap(err, "write mapped state")
	}

	mapped, err := b.grants.MapRef(b.domid, uint32(ringRef))
	if err != nil {
		return errors.Wrapf(err, "map ring ref %d for domid %d", ringRef, b.domid)
	}
	defer func() {
		if uerr := b.grants.Unmap(mapped); uerr != nil {
			backendLog.WithError(uerr).Warn("failed to unmap ring ref")
		}
	}()

	localPort, err := b.gate.BindInterdomainEventChannel(ctx, b.domid, port)
	if err != nil {
		return errors.Wrap(err, "bind event channel")
	}
	defer func() {
		if cerr := b.gate.CloseEventChannel(context.Background(), localPort); cerr != nil {
			backendLog.WithError(cerr).Warn("failed to close event channel")
		}
	}()

	ring := NewRing(mapped.Addr)
	b.drain(ring)

	disconnectWatch, err := b.store.Watch(ctx, b.frontendStatePath())
	if err != nil {
		return errors.Wrap(err, "watch frontend state")
	}
	defer disconnectWatch.Close()

	notify := func() error { return notifyPort(ctx, localPort) }

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-disconnectWatch.Events:
			stop, err := b.storeStateIs(ctx, b.frontendStatePath(), frontendConnected)
			if err != nil {
				backendLog.WithError(err).Warn("failed reading frontend state change")
				continue
			}
			if stop {
				return nil
			}

		case data, ok := <-b.inbound:
			if !ok {
				return nil
			}
			if err := ring.WriteInput(ctx, data, notify); err != nil {
				return errors.Wrap(err, "write input")
			}

		case _, ok := <-events.Notifications():
			if !ok {
				return nil
			}
			b.drain(ring)
		}
	}
}

func (b *Backend) drain(ring *Ring) {
	if data := ring.ReadOutput(); len(data) > 0 {
		select {
		case b.outbound <- outboundMessage{Domid: b.domid, Data: data}:
		default:
			backendLog.WithField("domid", b.domid).Warn("outbound queue full, dropping output")
		}
	}
}

// waitForRingRef watches the frontend's state, and once it announces
// itself (state 3), polls for ring-ref/port up to ringRefRetries times.
func (b *Backend) waitForRingRef(ctx context.Context) (uint64, uint32, error) {
	frontendWatch, err := b.store.Watch(ctx, b.frontendStatePath())
	if err != nil {
		return 0, 0, errors.Wrap(err, "watch frontend state")
	}
	defer frontendWatch.Close()

	for {
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case _, ok := <-frontendWatch.Events:
			if !ok {
				return 0, 0, errors.New("channel: frontend watch closed")
			}
		}

		ready, err := b.storeStateIs(ctx, b.frontendStatePath(), frontendConnecting)
		if err != nil {
			return 0, 0, err
		}
		if !ready {
			continue
		}
		return b.pollRingRefAndPort(ctx)
	}
}

func (b *Backend) pollRingRefAndPort(ctx context.Context) (uint64, uint32, error) {
	for tries := 0; tries < ringRefRetries; tries++ {
		ringRefStr, haveRef, err := b.store.ReadString(ctx, fmt.Sprintf("%s/ring-ref", b.frontendPath))
		if err != nil {
			return 0, 0, err
		}
		portStr, havePort, err := b.store.ReadString(ctx, fmt.Sprintf("%s/port", b.frontendPath))
		if err != nil {
			return 0, 0, err
		}

		if haveRef && havePort {
			ringRef, err := strconv.ParseUint(ringRefStr, 10, 64)
			if err != nil {
				return 0, 0, errors.Wrap(err, "frontend gave invalid ring-ref")
			}
			port, err := strconv.ParseUint(portStr, 10, 32)
			if err != nil {
				return 0, 0, errors.Wrap(err, "frontend gave invalid port")
			}
			if b.UseReservedRef != nil {
				ringRef = *b.UseReservedRef
			}
			return ringRef, uint32(port), nil
		}

		if err := b.store.WriteString(ctx, b.statePath(), stateWaitRingRef); err != nil {
			return 0, 0, err
		}
		select {
		case <-time.After(ringRefRetryDelay):
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		}
	}
	return 0, 0, errors.New("channel: frontend did not publish ring-ref and port")
}

func (b *Backend) storeStateIs(ctx context.Context, path string, want int) (bool, error) {
	state, ok, err := b.store.ReadString(ctx, path)
	if err != nil {
		return false, err
	}
	if !ok {
		state = "0"
	}
	n, err := strconv.Atoi(state)
	if err != nil {
		return false, errors.Wrap(err, "parse state")
	}
	return n == want, nil
}

func (b *Backend) statePath() string         { return b.backendPath + "/state" }
func (b *Backend) frontendStatePath() string { return b.frontendPath + "/state" }
