// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package domainbuilder

import "github.com/pkg/errors"

// RawImageLoader treats a kernel image as an already-relocated flat blob:
// the guest loads it verbatim at a fixed virtual base, with the entry
// point and hypercall page sitting at fixed offsets from that base. This
// is the layout zoned's own in-house guest kernels ship in; a guest image
// that needs ELF or bzImage decompression gets its own ImageLoader rather
// than forcing one shape on every format.
type RawImageLoader struct {
	Image []byte

	VirtBase      uint64
	EntryOffset   uint64
	HypercallOffset uint64
	P2mBase       uint64
}

func (l RawImageLoader) Parse() (BootImageInfo, error) {
	if len(l.Image) == 0 {
		return BootImageInfo{}, errors.New("domainbuilder: empty kernel image")
	}
	return BootImageInfo{
		VirtBase:      l.VirtBase,
		VirtKstart:    l.VirtBase,
		VirtKend:      l.VirtBase + uint64(len(l.Image)),
		VirtEntry:     l.VirtBase + l.EntryOffset,
		VirtHypercall: l.VirtBase + l.HypercallOffset,
		VirtP2mBase:   l.P2mBase,
	}, nil
}

func (l RawImageLoader) Load(info BootImageInfo, dst []byte) error {
	if len(dst) < len(l.Image) {
		return errors.New("domainbuilder: kernel segment too small for image")
	}
	copy(dst, l.Image)
	for i := len(l.Image); i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}
