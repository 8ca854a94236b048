// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package devicemgr tracks which zone currently holds each host device a
// Spec names (a VFIO group, a block device, a character device), so the
// Zone Reconciler can refuse to hand the same host path to two domains at
// once and can release it cleanly once a zone is destroyed.
package devicemgr

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var devLog = logrus.WithField("source", "devicemgr")

const vfioPath = "/dev/vfio/"

// IsVFIOControlDevice reports whether path is the vfio control device
// rather than a device group, so callers can exclude it from the set of
// assignable groups.
func IsVFIOControlDevice(path string) bool {
	return path == filepath.Join(vfioPath, "vfio")
}

// IsVFIODevice reports whether hostPath names a VFIO group, excluding the
// control device.
func IsVFIODevice(hostPath string) bool {
	if strings.HasPrefix(hostPath, filepath.Join(vfioPath, "vfio")) {
		return false
	}
	return strings.HasPrefix(hostPath, vfioPath) && len(hostPath) > len(vfioPath)
}

// ErrAlreadyClaimed is returned when a path is claimed by a different zone
// than the one already holding it.
var ErrAlreadyClaimed = errors.New("devicemgr: path already claimed by another zone")

// Manager is the single authority on device-claim exclusivity; all state
// lives behind mu so the reconciler's per-zone goroutines can call it
// concurrently.
type Manager struct {
	mu     sync.Mutex
	claims map[string]uuid.UUID
}

// New constructs an empty claim registry.
func New() *Manager {
	return &Manager{claims: make(map[string]uuid.UUID)}
}

// Claim records that owner holds path, failing if another zone already
// holds it. Re-claiming a path already held by owner is a no-op.
func (m *Manager) Claim(owner uuid.UUID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.claims[path]; ok && existing != owner {
		return errors.Wrapf(ErrAlreadyClaimed, "path %s held by %s", path, existing)
	}
	m.claims[path] = owner
	return nil
}

// Release drops owner's claim on path, if any.
func (m *Manager) Release(owner uuid.UUID, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.claims[path]; ok && existing == owner {
		delete(m.claims, path)
	}
}

// ReleaseAll drops every claim held by owner, the call the reconciler
// makes once a zone reaches Destroyed.
func (m *Manager) ReleaseAll(owner uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for path, existing := range m.claims {
		if existing == owner {
			delete(m.claims, path)
		}
	}
}

// Reconcile replaces owner's full claim set with paths in one step,
// claiming additions and releasing removals, used after a zone's device
// list is read back from its stored Spec. It refuses the whole update
// (claiming nothing new) if any addition collides with another zone.
func (m *Manager) Reconcile(owner uuid.UUID, paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		wanted[p] = struct{}{}
		if existing, ok := m.claims[p]; ok && existing != owner {
			return errors.Wrapf(ErrAlreadyClaimed, "path %s held by %s", p, existing)
		}
	}

	for path, existing := range m.claims {
		if existing != owner {
			continue
		}
		if _, ok := wanted[path]; !ok {
			delete(m.claims, path)
		}
	}
	for p := range wanted {
		m.claims[p] = owner
	}
	return nil
}

// Owner reports which zone, if any, currently holds path.
func (m *Manager) Owner(path string) (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.claims[path]
	return id, ok
}
