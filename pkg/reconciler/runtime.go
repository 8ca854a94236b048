// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package reconciler

import (
	"context"
	"strconv"

	"github.com/pkg/errors"

	"github.com/zoneforge/zoned/pkg/hypercall"
	"github.com/zoneforge/zoned/pkg/xenstore"
)

// xen domaininfo flag bits (xen/include/public/domctl.h) decoded by
// DomainStatus to tell a dying domain from one that has merely shut down
// (and so still carries an exit code worth reading).
const (
	dominfoDying         = 1 << 0
	dominfoShutdown      = 1 << 2
	dominfoShutdownShift = 16
	dominfoShutdownMask  = 0xff
)

// Runtime abstracts the hypervisor facts the reconciler needs: which
// domids currently exist, whether one has exited, and how to tear one
// down. hypercallRuntime is the production implementation; tests supply a
// fake.
type Runtime interface {
	ListDomids(ctx context.Context) ([]uint32, error)
	DomainStatus(ctx context.Context, domid uint32) (DomainStatus, error)
	Destroy(ctx context.Context, domid uint32) error
}

// DomainStatus is a live domain's run state as observed at one poll.
type DomainStatus struct {
	Live     bool
	Exited   bool
	ExitCode int
}

// hypercallRuntime enumerates domids from the store's /local/domain tree
// (every domain, dom0 included, registers itself there on boot) and asks
// the hypercall gate for each one's accounting, the split
// reconcile_runtime draws between cheap enumeration and per-domain detail.
type hypercallRuntime struct {
	gate  *hypercall.Gate
	store *xenstore.Client
}

// NewHypercallRuntime constructs the production Runtime.
func NewHypercallRuntime(gate *hypercall.Gate, store *xenstore.Client) Runtime {
	return &hypercallRuntime{gate: gate, store: store}
}

func (r *hypercallRuntime) ListDomids(ctx context.Context) ([]uint32, error) {
	entries, err := r.store.List(ctx, "/local/domain")
	if err != nil {
		return nil, errors.Wrap(err, "listing live domains")
	}

	domids := make([]uint32, 0, len(entries))
	for _, e := range entries {
		id, err := strconv.ParseUint(e, 10, 32)
		if err != nil {
			continue
		}
		domids = append(domids, uint32(id))
	}
	return domids, nil
}

func (r *hypercallRuntime) DomainStatus(ctx context.Context, domid uint32) (DomainStatus, error) {
	info, err := r.gate.GetDomainInfo(ctx, domid)
	if err != nil {
		// A domain the hypervisor no longer recognizes is gone outright,
		// not a fact the caller needs distinguished from "exited".
		return DomainStatus{}, nil
	}

	if info.Flags&dominfoDying != 0 {
		return DomainStatus{}, nil
	}
	if info.Flags&dominfoShutdown != 0 {
		code := int((info.Flags >> dominfoShutdownShift) & dominfoShutdownMask)
		return DomainStatus{Live: true, Exited: true, ExitCode: code}, nil
	}
	return DomainStatus{Live: true}, nil
}

func (r *hypercallRuntime) Destroy(ctx context.Context, domid uint32) error {
	return r.gate.DestroyDomain(ctx, domid)
}
