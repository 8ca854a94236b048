// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package channel

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zoneforge/zoned/pkg/gnttab"
	"github.com/zoneforge/zoned/pkg/hypercall"
	"github.com/zoneforge/zoned/pkg/metrics"
	"github.com/zoneforge/zoned/pkg/xenstore"
)

var serviceLog = logrus.WithField("source", "channel")

// PollEventSource is a fixed-interval stand-in for the kernel's
// /dev/xen/evtchn notification device: since this repository's event
// delivery surface ends at the hypercall (bind/notify/close), a bound
// port's actual wakeups are modeled as a periodic drain rather than a
// real interrupt-driven fd. Every drain is a no-op when the ring has
// nothing new, so this is safe, just not latency-optimal.
type PollEventSource struct {
	ticker *time.Ticker
	events chan struct{}
	done   chan struct{}
}

// NewPollEventSource starts a notification source that fires every
// interval.
func NewPollEventSource(interval time.Duration) *PollEventSource {
	p := &PollEventSource{
		ticker: time.NewTicker(interval),
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go p.pump()
	return p
}

func (p *PollEventSource) pump() {
	defer close(p.events)
	for {
		select {
		case <-p.ticker.C:
			select {
			case p.events <- struct{}{}:
			default:
			}
		case <-p.done:
			return
		}
	}
}

func (p *PollEventSource) Notifications() <-chan struct{} { return p.events }

func (p *PollEventSource) Close() error {
	p.ticker.Stop()
	close(p.done)
	return nil
}

// Service discovers channel frontends of a given type (e.g. "console" or
// "idm") under /local/domain/0/backend/<type> and runs one Backend per
// domain it finds, tearing it down again once the domain's backend
// subtree disappears.
type Service struct {
	typ            string
	useReservedRef *uint64

	store *xenstore.Client
	gate  *hypercall.Gate
	gnt   *gnttab.Table

	mu       sync.Mutex
	backends map[uint32]*runningBackend

	Outbound chan outboundMessage
	inbound  map[uint32]chan []byte
}

type runningBackend struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService constructs a channel service for the given frontend type.
func NewService(store *xenstore.Client, gate *hypercall.Gate, gnt *gnttab.Table, typ string, useReservedRef *uint64) *Service {
	return &Service{
		typ:            typ,
		useReservedRef: useReservedRef,
		store:          store,
		gate:           gate,
		gnt:            gnt,
		backends:       make(map[uint32]*runningBackend),
		Outbound:       make(chan outboundMessage, 1000),
		inbound:        make(map[uint32]chan []byte),
	}
}

// Send delivers data to the domain's backend on the host→guest direction.
func (s *Service) Send(domid uint32, data []byte) {
	s.mu.Lock()
	ch, ok := s.inbound[domid]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- data:
	default:
		serviceLog.WithField("domid", domid).Warn("inbound queue full, dropping input")
	}
}

// Run watches this type's backend root for new/removed domains and keeps
// the running backend set in sync until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	root := fmt.Sprintf("/local/domain/0/backend/%s", s.typ)

	if err := s.scan(ctx, root); err != nil {
		return err
	}

	watch, err := s.store.Watch(ctx, root)
	if err != nil {
		return errors.Wrap(err, "watch backend root")
	}
	defer watch.Close()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return ctx.Err()
		case _, ok := <-watch.Events:
			if !ok {
				s.stopAll()
				return nil
			}
			if err := s.scan(ctx, root); err != nil {
				serviceLog.WithError(err).Warn("backend scan failed")
			}
		}
	}
}

func (s *Service) scan(ctx context.Context, root string) error {
	domidStrs, err := s.store.List(ctx, root)
	if err != nil {
		return err
	}

	seen := make(map[uint32]bool, len(domidStrs))
	for _, domidStr := range domidStrs {
		domid64, err := strconv.ParseUint(domidStr, 10, 32)
		if err != nil {
			continue
		}
		domid := uint32(domid64)
		domainPath := fmt.Sprintf("%s/%s", root, domidStr)

		ids, err := s.store.List(ctx, domainPath)
		if err != nil {
			continue
		}
		for _, idStr := range ids {
			id64, err := strconv.ParseUint(idStr, 10, 32)
			if err != nil {
				continue
			}
			s.ensureBackend(ctx, domid, uint32(id64), fmt.Sprintf("%s/%s", domainPath, idStr))
			seen[domid] = true
		}
	}

	s.mu.Lock()
	var gone []uint32
	for domid := range s.backends {
		if !seen[domid] {
			gone = append(gone, domid)
		}
	}
	s.mu.Unlock()

	for _, domid := range gone {
		s.stop(domid)
	}
	return nil
}

func (s *Service) ensureBackend(ctx context.Context, domid, id uint32, backendPath string) {
	s.mu.Lock()
	_, exists := s.backends[domid]
	s.mu.Unlock()
	if exists {
		return
	}

	frontendPath, ok, err := s.store.ReadString(ctx, backendPath+"/frontend")
	if err != nil || !ok {
		return
	}
	frontendType, ok, err := s.store.ReadString(ctx, frontendPath+"/type")
	if err != nil || !ok || frontendType != s.typ {
		return
	}

	inbound := make(chan []byte, 100)
	backend := NewBackend(s.store, s.gate, s.gnt, domid, id, backendPath, frontendPath, inbound, s.Outbound)
	backend.UseReservedRef = s.useReservedRef

	backendCtx, cancel := context.WithCancel(ctx)
	rb := &runningBackend{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.backends[domid] = rb
	s.inbound[domid] = inbound
	s.mu.Unlock()
	metrics.GrantTableEntries.WithLabelValues(strconv.FormatUint(uint64(domid), 10)).Set(1)

	go func() {
		defer close(rb.done)
		events := NewPollEventSource(5 * time.Millisecond)
		defer events.Close()
		notify := func(ctx context.Context, port uint32) error {
			return s.gate.NotifyEventChannel(ctx, port)
		}
		if err := backend.Run(backendCtx, events, notify); err != nil && backendCtx.Err() == nil {
			serviceLog.WithError(err).WithFields(logrus.Fields{"domid": domid, "id": id}).Warn("channel backend exited")
		}
	}()
}

func (s *Service) stop(domid uint32) {
	s.mu.Lock()
	rb, ok := s.backends[domid]
	if ok {
		delete(s.backends, domid)
		delete(s.inbound, domid)
	}
	s.mu.Unlock()
	if ok {
		rb.cancel()
		<-rb.done
		metrics.GrantTableEntries.WithLabelValues(strconv.FormatUint(uint64(domid), 10)).Set(0)
	}
}

func (s *Service) stopAll() {
	s.mu.Lock()
	domids := make([]uint32, 0, len(s.backends))
	for domid := range s.backends {
		domids = append(domids, domid)
	}
	s.mu.Unlock()
	for _, domid := range domids {
		s.stop(domid)
	}
}
