// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package netdev plugs a domain's netback vif interface into its
// declared bridge once the frontend driver brings the ring up. Unlike a
// tap/macvtap device a toolstack creates itself, a Xen vif interface is
// created by the kernel's netback driver the moment the guest connects
// its frontend; this package only waits for that interface to appear by
// name and attaches it to the bridge, creating the bridge first if the
// host doesn't have one yet.
package netdev

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

var netLog = logrus.WithField("source", "netdev")

const (
	pollInterval = 100 * time.Millisecond
	defaultMTU   = 1500
)

// VifName returns the host-side interface name netback creates for a
// domain's vif device, the standard "vif<domid>.<devid>" convention.
func VifName(domid uint32, devID uint64) string {
	return fmt.Sprintf("vif%d.%d", domid, devID)
}

// Manager plugs and unplugs vif interfaces against host bridges through
// a dedicated netlink handle, mirroring the teacher's netHandle-per-call
// idiom rather than holding one handle open for the process lifetime.
type Manager struct{}

// New returns a Manager.
func New() *Manager {
	return &Manager{}
}

// EnsureBridge returns the named bridge, creating and bringing it up if
// it does not already exist.
func (m *Manager) EnsureBridge(name string) (*netlink.Bridge, error) {
	handle, err := netlink.NewHandle()
	if err != nil {
		return nil, errors.Wrap(err, "netdev: open netlink handle")
	}
	defer handle.Close()

	link, err := handle.LinkByName(name)
	if err == nil {
		br, ok := link.(*netlink.Bridge)
		if !ok {
			return nil, errors.Errorf("netdev: %s exists and is not a bridge", name)
		}
		return br, nil
	}

	br := &netlink.Bridge{
		LinkAttrs: netlink.LinkAttrs{
			Name:   name,
			MTU:    defaultMTU,
			TxQLen: -1,
		},
	}
	if err := handle.LinkAdd(br); err != nil {
		return nil, errors.Wrapf(err, "netdev: create bridge %s", name)
	}
	if err := handle.LinkSetUp(br); err != nil {
		return nil, errors.Wrapf(err, "netdev: bring up bridge %s", name)
	}
	netLog.WithField("bridge", name).Info("bridge created")
	return br, nil
}

// PlugVif waits for vifName's interface to appear (netback creates it
// asynchronously once the frontend connects), then attaches it to
// bridge and brings it up.
func (m *Manager) PlugVif(ctx context.Context, vifName, bridge string) error {
	if _, err := m.EnsureBridge(bridge); err != nil {
		return err
	}

	link, err := m.waitForLink(ctx, vifName)
	if err != nil {
		return err
	}

	handle, err := netlink.NewHandle()
	if err != nil {
		return errors.Wrap(err, "netdev: open netlink handle")
	}
	defer handle.Close()

	br, err := handle.LinkByName(bridge)
	if err != nil {
		return errors.Wrapf(err, "netdev: look up bridge %s", bridge)
	}

	if err := handle.LinkSetMaster(link, br); err != nil {
		return errors.Wrapf(err, "netdev: attach %s to bridge %s", vifName, bridge)
	}
	if err := handle.LinkSetUp(link); err != nil {
		return errors.Wrapf(err, "netdev: bring up %s", vifName)
	}

	netLog.WithField("vif", vifName).WithField("bridge", bridge).Info("vif attached")
	return nil
}

// UnplugVif detaches vifName from its bridge. The interface itself is
// torn down by netback when the frontend disconnects; this only
// releases the bridge membership so a lingering link doesn't keep
// forwarding stale traffic.
func (m *Manager) UnplugVif(vifName string) error {
	handle, err := netlink.NewHandle()
	if err != nil {
		return errors.Wrap(err, "netdev: open netlink handle")
	}
	defer handle.Close()

	link, err := handle.LinkByName(vifName)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return errors.Wrapf(err, "netdev: look up %s", vifName)
	}

	if err := handle.LinkSetNoMaster(link); err != nil {
		return errors.Wrapf(err, "netdev: detach %s", vifName)
	}
	return nil
}

func (m *Manager) waitForLink(ctx context.Context, name string) (netlink.Link, error) {
	handle, err := netlink.NewHandle()
	if err != nil {
		return nil, errors.Wrap(err, "netdev: open netlink handle")
	}
	defer handle.Close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		link, err := handle.LinkByName(name)
		if err == nil {
			return link, nil
		}
		if !isNotFound(err) {
			return nil, errors.Wrapf(err, "netdev: look up %s", name)
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "netdev: waiting for %s", name)
		case <-ticker.C:
		}
	}
}

func isNotFound(err error) bool {
	_, ok := err.(netlink.LinkNotFoundError)
	return ok
}
