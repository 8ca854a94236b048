// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package xenstore

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
)

// Transaction is an ordinary request/reply exchange scoped to a
// transaction id. It is a short-lived composition unit: callers should not
// hold one across an operation that could block indefinitely. Close aborts
// the transaction unless Commit already succeeded, mirroring the
// abort-by-default-on-drop contract this client's origin gives
// transactions; Go has no destructor, so the caller is expected to defer
// Close() immediately after Begin returns.
type Transaction struct {
	*handle
	closed bool
}

var _ Interface = (*Transaction)(nil)

// Begin starts a transaction (XSD_TRANSACTION_START) and returns a handle
// scoped to it.
func (c *Client) Begin(ctx context.Context) (*Transaction, error) {
	reply, err := c.send(ctx, 0, typeTransactionStart, joinArgs(""))
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	tx, err := strconv.ParseUint(parseCString(reply.payload), 10, 32)
	if err != nil {
		return nil, errors.Wrap(err, "parse transaction id")
	}
	return &Transaction{handle: &handle{client: c, tx: uint32(tx)}}, nil
}

// Commit attempts XSD_TRANSACTION_END(abort=false). The store aborts a
// transaction if another transaction committed a conflicting write first;
// the Transaction Composer retries the whole transaction in that case.
func (t *Transaction) Commit(ctx context.Context) error {
	return t.end(ctx, false)
}

// Abort explicitly ends the transaction without committing.
func (t *Transaction) Abort(ctx context.Context) error {
	return t.end(ctx, true)
}

// Close aborts the transaction if it was not already committed or aborted.
// It is safe to call more than once.
func (t *Transaction) Close(ctx context.Context) error {
	if t.closed {
		return nil
	}
	return t.Abort(ctx)
}

func (t *Transaction) end(ctx context.Context, abort bool) error {
	if t.closed {
		return errors.New("xenstore: transaction already ended")
	}
	arg := "T"
	if abort {
		arg = "F"
	}
	_, err := t.client.sendArgs(ctx, t.tx, typeTransactionEnd, arg)
	t.closed = true
	return err
}
