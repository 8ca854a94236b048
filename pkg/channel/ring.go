// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package channel is the backend side of a shared-ring console/IDM
// channel: it discovers frontends through the key-value store, walks the
// frontend state machine, maps a granted ring page, binds an event
// channel, and pumps bytes between guest and host using lock-free ring
// indices.
package channel

import (
	"context"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
)

// Ring sizes per the fixed wire layout: input (host→guest) occupies
// [0,1024), output (guest→host) occupies [1024,3072).
const (
	InputSize  = 1024
	OutputSize = 2048
)

// writeRetryDelay is how long WriteInput sleeps when the ring has no free
// space, mirroring the 100 µs backoff in the byte pump.
const writeRetryDelay = 100 * time.Microsecond

// layout mirrors the mapped ring page byte-for-byte: input buffer, output
// buffer, then the four producer/consumer indices.
type layout struct {
	Input   [InputSize]byte
	Output  [OutputSize]byte
	InCons  uint32
	InProd  uint32
	OutCons uint32
	OutProd uint32
}

// Ring is a mapped guest ring interface. Index loads/stores go through
// sync/atomic so they carry the acquire/release ordering the layout's
// producer/consumer protocol requires; spurious reads of a partially
// updated buffer are prevented by updating the index only after every byte
// in the advance has been written.
type Ring struct {
	l *layout
}

// NewRing wraps a mapped page at addr as a ring interface. The caller owns
// the mapping's lifetime.
func NewRing(addr uintptr) *Ring {
	return &Ring{l: (*layout)(unsafe.Pointer(addr))}
}

// ReadOutput drains whatever the guest has produced since the last read
// (the guest→host direction). It returns nil if there is nothing to read
// or if the reported size is not a sane value for the output buffer.
func (r *Ring) ReadOutput() []byte {
	cons := atomic.LoadUint32(&r.l.OutCons)
	prod := atomic.LoadUint32(&r.l.OutProd)
	size := prod - cons
	if size == 0 || size > OutputSize {
		return nil
	}

	data := make([]byte, 0, size)
	for cons != prod {
		data = append(data, r.l.Output[cons&(OutputSize-1)])
		cons++
	}
	atomic.StoreUint32(&r.l.OutCons, cons)
	return data
}

// WriteInput copies data into the ring's input buffer (the host→guest
// direction), blocking and retrying while the ring has no free space.
// notify is called after every index advance, matching the contract that
// every advance is followed by an event-channel notification and that
// spurious notifications are harmless.
func (r *Ring) WriteInput(ctx context.Context, data []byte, notify func() error) error {
	index := 0
	for index < len(data) {
		cons := atomic.LoadUint32(&r.l.InCons)
		prod := atomic.LoadUint32(&r.l.InProd)
		space := prod - cons
		if space > InputSize {
			return errors.Errorf("channel: invalid input space %d", space)
		}

		free := InputSize - space
		if free == 0 {
			select {
			case <-time.After(writeRetryDelay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		want := len(data) - index
		if want > int(free) {
			want = int(free)
		}
		for _, b := range data[index : index+want] {
			r.l.Input[prod&(InputSize-1)] = b
			prod++
		}
		atomic.StoreUint32(&r.l.InProd, prod)
		if err := notify(); err != nil {
			return err
		}
		index += want
	}
	return nil
}
