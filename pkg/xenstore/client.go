// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package xenstore

import (
	"context"
	"io"
	"net"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var storeLog = logrus.WithField("source", "xenstore")

// busPaths lists the transports this client probes, in order: the
// xenstored Unix-domain socket, falling back to the kernel's xenbus
// character device.
var busPaths = []string{"/var/run/xenstored/socket", "/dev/xen/xenbus"}

// outboundMessage pairs a framed request with the reply channel the
// dispatcher fulfills once the matching response arrives.
type outboundMessage struct {
	msg   *message
	reply chan *message
}

type unwatchRequest struct {
	id   uint32
	path string
}

type watchRegistration struct {
	id uint32
	ch chan string
}

// Client is a long-lived client of the configuration store. A process
// holds one Client; transactions and watches are lightweight handles
// sharing its dispatcher goroutine.
type Client struct {
	*handle

	conn io.ReadWriteCloser

	outbound      chan *outboundMessage
	unwatch       chan unwatchRequest
	watchRegister chan watchRegistration
	done          chan struct{}

	nextReqID   atomic.Uint32
	nextWatchID atomic.Uint32
}

// Open probes the known bus transports and returns a connected Client.
func Open() (*Client, error) {
	return OpenAt(busPaths...)
}

// OpenAt probes paths in order, connecting to the first that exists,
// dialing a Unix socket or opening the xenbus character device as
// appropriate. The daemon's configured store_socket_path is tried ahead
// of the package's built-in fallbacks.
func OpenAt(paths ...string) (*Client, error) {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		var conn io.ReadWriteCloser
		if info.Mode()&os.ModeSocket != 0 {
			conn, err = net.Dial("unix", path)
		} else {
			conn, err = os.OpenFile(path, os.O_RDWR, 0)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "opening store transport %s", path)
		}
		return FromConn(conn), nil
	}
	return nil, errors.New("xenstore: no bus transport found")
}

// FromConn wraps an already-open transport (a Unix socket or the xenbus
// character device) in a dispatching Client. Exposed for tests, which
// substitute an in-memory pipe.
func FromConn(conn io.ReadWriteCloser) *Client {
	c := &Client{
		conn:          conn,
		outbound:      make(chan *outboundMessage, 16),
		unwatch:       make(chan unwatchRequest, 64),
		watchRegister: make(chan watchRegistration, 16),
		done:          make(chan struct{}),
	}

	c.handle = &handle{client: c, tx: 0}

	inbound := make(chan *message, 16)
	go c.readLoop(inbound)
	go c.dispatchLoop(inbound)
	return c
}

var _ Interface = (*Client)(nil)

// Close stops the dispatcher and closes the underlying transport.
func (c *Client) Close() error {
	close(c.done)
	return c.conn.Close()
}

// readLoop runs on its own goroutine, blocking on the transport and
// forwarding fully framed messages to the dispatcher. It mirrors the
// original's dedicated blocking reader thread: the transport read is not
// cancelable, so this goroutine outlives Close() until the next read
// fails.
func (c *Client) readLoop(inbound chan<- *message) {
	for {
		msg, err := readMessage(c.conn)
		if err != nil {
			if err != io.EOF {
				storeLog.WithError(err).Debug("store transport read failed")
			}
			return
		}
		select {
		case inbound <- msg:
		case <-c.done:
			return
		}
	}
}

// dispatchLoop owns all client-side state (pending replies, watch
// registrations) so none of it needs a lock: outbound requests, inbound
// replies/watch events, and unwatch requests are all serialized through
// this one select loop.
func (c *Client) dispatchLoop(inbound <-chan *message) {
	replies := make(map[uint32]chan *message)
	watches := make(map[uint32]chan<- string)

	for {
		select {
		case out := <-c.outbound:
			replies[out.msg.header.ReqID] = out.reply
			if err := out.msg.writeTo(c.conn); err != nil {
				delete(replies, out.msg.header.ReqID)
				close(out.reply)
				storeLog.WithError(err).Warn("store transport write failed")
			}

		case msg, ok := <-inbound:
			if !ok {
				return
			}
			if msg.header.Type == typeWatchEvent && msg.header.ReqID == 0 && msg.header.TxID == 0 {
				c.routeWatchEvent(msg, watches)
				continue
			}
			if reply, ok := replies[msg.header.ReqID]; ok {
				delete(replies, msg.header.ReqID)
				reply <- msg
			}

		case uw := <-c.unwatch:
			delete(watches, uw.id)
			req := c.newUnwatchFrame(uw)
			if err := req.writeTo(c.conn); err != nil {
				storeLog.WithError(err).Warn("unwatch write failed")
			}

		case reg := <-c.watchRegister:
			watches[reg.id] = reg.ch

		case <-c.done:
			return
		}
	}
}

func (c *Client) routeWatchEvent(msg *message, watches map[uint32]chan<- string) {
	strs := splitStrings(msg.payload)
	if len(strs) < 2 {
		return
	}
	path, token := strs[0], strs[1]
	id, err := parseWatchToken(token)
	if err != nil {
		return
	}
	if ch, ok := watches[id]; ok {
		select {
		case ch <- path:
		default:
			storeLog.WithField("watch_id", id).Warn("watch channel full, dropping event")
		}
	}
}

func (c *Client) newUnwatchFrame(uw unwatchRequest) *message {
	return &message{
		header:  header{Type: typeUnwatch, ReqID: c.nextReqID.Add(1), TxID: 0},
		payload: joinArgs(formatWatchToken(uw.id), uw.path),
	}
}

// send issues a request on transaction tx and blocks for its reply. An
// XSD_ERROR reply is translated into an error.
func (c *Client) send(ctx context.Context, tx uint32, typ uint32, payload []byte) (*message, error) {
	reqID := c.nextReqID.Add(1)
	out := &outboundMessage{
		msg:   &message{header: header{Type: typ, ReqID: reqID, TxID: tx, Length: uint32(len(payload))}, payload: payload},
		reply: make(chan *message, 1),
	}

	select {
	case c.outbound <- out:
	case <-c.done:
		return nil, errors.New("xenstore: client closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply, ok := <-out.reply:
		if !ok {
			return nil, errors.New("xenstore: request failed to send")
		}
		if reply.header.Type == typeError {
			return nil, &StoreError{Message: parseCString(reply.payload)}
		}
		return reply, nil
	case <-c.done:
		return nil, errors.New("xenstore: client closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) sendArgs(ctx context.Context, tx uint32, typ uint32, args ...string) (*message, error) {
	return c.send(ctx, tx, typ, joinArgs(args...))
}

// StoreError wraps an XSD_ERROR reply's message (e.g. "ENOENT", "EEXIST").
type StoreError struct {
	Message string
}

func (e *StoreError) Error() string { return "xenstore: " + e.Message }

// IsNotExist reports whether err is a StoreError carrying ENOENT, the
// store's not-found signal for read/list/rm.
func IsNotExist(err error) bool {
	se, ok := err.(*StoreError)
	return ok && se.Message == "ENOENT"
}
