// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package eventbus broadcasts daemon-level events — today only
// ZoneChanged — to any number of subscribers, each with its own bounded
// channel so one slow watcher cannot stall the reconciler that publishes.
package eventbus

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/zoneforge/zoned/pkg/zone"
)

var busLog = logrus.WithField("source", "eventbus")

// subscriberDepth bounds a single subscriber's backlog, for the same
// reason pkg/xenstore.watchChannelDepth bounds a watch's: drop rather
// than block the publisher.
const subscriberDepth = 32

// ZoneChanged carries a zone's full record at the moment its state
// transitioned, the Go analogue of the original's ZoneChangedEvent.
type ZoneChanged struct {
	Record zone.Record
}

// Bus is a multi-subscriber event broadcaster.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan ZoneChanged
	nextID      int
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[int]chan ZoneChanged)}
}

// Subscription is a live subscriber handle; call Close to stop receiving
// and release the subscriber's channel.
type Subscription struct {
	id     int
	bus    *Bus
	Events <-chan ZoneChanged
}

// Subscribe registers a new subscriber and returns its handle.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan ZoneChanged, subscriberDepth)
	b.subscribers[id] = ch

	return &Subscription{id: id, bus: b, Events: ch}
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if ch, ok := s.bus.subscribers[s.id]; ok {
		delete(s.bus.subscribers, s.id)
		close(ch)
	}
}

// Publish fans out event to every current subscriber, dropping it for any
// subscriber whose backlog is full rather than blocking the caller (the
// Zone Reconciler, on its hot path).
func (b *Bus) Publish(event ZoneChanged) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			busLog.WithField("subscriber", id).Warn("event backlog full, dropping ZoneChanged")
		}
	}
}
