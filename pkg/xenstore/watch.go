// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package xenstore

import (
	"context"
)

// watchChannelDepth bounds a single watch's event backlog; the dispatcher
// drops events past this depth rather than block on a slow watcher.
const watchChannelDepth = 10

// WatchHandle is a bound watch on a store path. Events receives the
// changed sub-path for every XSD_WATCH_EVENT the store emits for this
// watch's token. Close issues XSD_UNWATCH; it is safe to call more than
// once.
type WatchHandle struct {
	Path   string
	ID     uint32
	Events <-chan string

	client *Client
	closed bool
}

// CreateWatch allocates a watch token and its bounded event channel
// without yet registering interest with the store; call BindWatch (or
// Watch, which does both) to actually start receiving events.
func (c *Client) CreateWatch(path string) *WatchHandle {
	id := c.nextWatchID.Add(1)
	ch := make(chan string, watchChannelDepth)

	c.registerWatch(id, ch)

	return &WatchHandle{Path: path, ID: id, Events: ch, client: c}
}

// BindWatch issues XSD_WATCH for the handle's path and token.
func (c *Client) BindWatch(ctx context.Context, h *WatchHandle) error {
	_, err := c.sendArgs(ctx, 0, typeWatch, h.Path, formatWatchToken(h.ID))
	return err
}

// Watch is the common case: allocate a watch and bind it in one call.
func (c *Client) Watch(ctx context.Context, path string) (*WatchHandle, error) {
	h := c.CreateWatch(path)
	if err := c.BindWatch(ctx, h); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

// Close issues XSD_UNWATCH for this handle. The request is fire-and-forget:
// Close does not wait for the store's reply.
func (h *WatchHandle) Close() {
	if h.closed {
		return
	}
	h.closed = true
	select {
	case h.client.unwatch <- unwatchRequest{id: h.ID, path: h.Path}:
	case <-h.client.done:
	}
}

// registerWatch is called from the public API goroutine, not the
// dispatcher, so it hands the registration to the dispatcher through the
// same outbound-style channel discipline the rest of the client uses
// rather than touching the watch map directly.
func (c *Client) registerWatch(id uint32, ch chan string) {
	c.watchRegister <- watchRegistration{id: id, ch: ch}
}
