// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package zone

import (
	"sync"

	"github.com/google/uuid"
)

// Lookup is the daemon's single source of truth for the uuid<->domid
// binding described in the data model: bound by the reconciler when a
// zone's domain is built or seen live, and unbound when the zone is
// destroyed or its domain vanishes.
type Lookup struct {
	mu        sync.RWMutex
	byUUID    map[uuid.UUID]uint32
	byDomid   map[uint32]uuid.UUID
}

// NewLookup constructs an empty lookup table.
func NewLookup() *Lookup {
	return &Lookup{
		byUUID:  make(map[uuid.UUID]uint32),
		byDomid: make(map[uint32]uuid.UUID),
	}
}

// Bind associates uuid and domid, replacing any prior binding for either
// side (a domid is reused across destructions, so a stale reverse entry
// must not survive a rebind).
func (l *Lookup) Bind(id uuid.UUID, domid uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if oldDomid, ok := l.byUUID[id]; ok {
		delete(l.byDomid, oldDomid)
	}
	if oldUUID, ok := l.byDomid[domid]; ok {
		delete(l.byUUID, oldUUID)
	}
	l.byUUID[id] = domid
	l.byDomid[domid] = id
}

// Unbind removes uuid's binding, if any.
func (l *Lookup) Unbind(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if domid, ok := l.byUUID[id]; ok {
		delete(l.byDomid, domid)
		delete(l.byUUID, id)
	}
}

// Domid resolves uuid to its live domid.
func (l *Lookup) Domid(id uuid.UUID) (uint32, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	domid, ok := l.byUUID[id]
	return domid, ok
}

// UUID resolves domid to its owning zone's uuid.
func (l *Lookup) UUID(domid uint32) (uuid.UUID, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byDomid[domid]
	return id, ok
}

// Domids returns every currently bound domid. The reconciler's periodic
// scan does not use it; it finds unowned domains from the stored records.
func (l *Lookup) Domids() []uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]uint32, 0, len(l.byDomid))
	for domid := range l.byDomid {
		out = append(out, domid)
	}
	return out
}
