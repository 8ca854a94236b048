// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package eventbus

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoneforge/zoned/pkg/zone"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe()
	defer a.Close()
	c := b.Subscribe()
	defer c.Close()

	id := uuid.New()
	b.Publish(ZoneChanged{Record: zone.Record{Spec: zone.Spec{UUID: id}}})

	for _, sub := range []*Subscription{a, c} {
		select {
		case evt := <-sub.Events:
			assert.Equal(t, id, evt.Record.Spec.UUID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	sub.Close()

	_, ok := <-sub.Events
	require.False(t, ok, "channel should be closed")
}

func TestPublishDropsOnFullBacklog(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < subscriberDepth+5; i++ {
		b.Publish(ZoneChanged{})
	}

	count := 0
	for {
		select {
		case <-sub.Events:
			count++
		default:
			assert.Equal(t, subscriberDepth, count)
			return
		}
	}
}
