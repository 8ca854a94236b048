// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package reconciler

import (
	"context"
	"sync"
)

// rwSemaphore caps concurrent per-zone reconciles at a fixed width while
// still letting a periodic full-runtime scan run exclusively against all
// of them. Lock/Unlock behave like sync.RWMutex's write side; RLock/RUnlock
// additionally pass through a buffered channel so at most `limit` readers
// run at once — a plain RWMutex's read side has no such cap.
type rwSemaphore struct {
	mu  sync.RWMutex
	sem chan struct{}
}

func newRWSemaphore(limit int) *rwSemaphore {
	return &rwSemaphore{sem: make(chan struct{}, limit)}
}

// RLock blocks until a read slot is free and the write lock is not held.
// ctx can end only the wait for a read slot; once a slot is taken, the
// wait for the write lock is not cancelable.
func (s *rwSemaphore) RLock(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.RLock()
	return nil
}

func (s *rwSemaphore) RUnlock() {
	s.mu.RUnlock()
	<-s.sem
}

// Lock excludes every reader, the periodic full-runtime scan's mode.
func (s *rwSemaphore) Lock() {
	s.mu.Lock()
}

func (s *rwSemaphore) Unlock() {
	s.mu.Unlock()
}
