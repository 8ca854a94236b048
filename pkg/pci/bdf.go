// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package pci models PCI bus/device/function addresses used by the
// Transaction Composer's passthrough path.
package pci

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// BDF is a PCI "domain:bus:device.function" address, e.g. "0000:03:00.0".
type BDF struct {
	Domain   uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

// ParseBDF parses the sysfs-style BDF string used to key host PCI devices.
func ParseBDF(s string) (BDF, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return BDF{}, errors.Errorf("invalid BDF %q: expected domain:bus:device.function", s)
	}

	domain, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return BDF{}, errors.Wrapf(err, "invalid BDF domain in %q", s)
	}

	bus, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil {
		return BDF{}, errors.Wrapf(err, "invalid BDF bus in %q", s)
	}

	devFunc := strings.SplitN(parts[2], ".", 2)
	if len(devFunc) != 2 {
		return BDF{}, errors.Errorf("invalid BDF device.function in %q", s)
	}

	device, err := strconv.ParseUint(devFunc[0], 16, 8)
	if err != nil {
		return BDF{}, errors.Wrapf(err, "invalid BDF device in %q", s)
	}

	function, err := strconv.ParseUint(devFunc[1], 16, 8)
	if err != nil {
		return BDF{}, errors.Wrapf(err, "invalid BDF function in %q", s)
	}

	return BDF{
		Domain:   uint16(domain),
		Bus:      uint8(bus),
		Device:   uint8(device),
		Function: uint8(function),
	}, nil
}

func (b BDF) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", b.Domain, b.Bus, b.Device, b.Function)
}

// SBDF packs the BDF into the 32-bit "sbdf" form the DOMCTL assign_device
// and IRQ/iomem permission hypercalls expect: bus in bits [15:8], device in
// bits [7:3], function in bits [2:0]. The PCI domain is not representable in
// this encoding and is asserted to be zero, matching single-segment hosts.
func (b BDF) SBDF() (uint32, error) {
	if b.Domain != 0 {
		return 0, errors.Errorf("PCI domain %#x is not representable in a DOMCTL sbdf", b.Domain)
	}
	return uint32(b.Bus)<<8 | uint32(b.Device)<<3 | uint32(b.Function&0x7), nil
}
