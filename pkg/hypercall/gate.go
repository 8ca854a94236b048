// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package hypercall serializes ioctl-based hypercalls to the hypervisor's
// privileged character device and wraps the memory-layout and domctl
// primitives the Domain Builder and Zone Reconciler depend on.
package hypercall

import (
	"context"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var gateLog = logrus.WithField("source", "hypercall")

const (
	// DefaultDevicePath is the Linux privileged hypercall device.
	DefaultDevicePath = "/dev/xen/privcmd"

	domctlMinInterfaceVersion = 12
	domctlMaxInterfaceVersion = 15
)

// ErrUnsupportedVersion is returned when no DOMCTL interface version in
// [domctlMinInterfaceVersion, domctlMaxInterfaceVersion] is accepted by the
// hypervisor at gate-open time.
var ErrUnsupportedVersion = errors.New("hypercall: no supported DOMCTL interface version")

// Gate serializes hypercalls issued against the privileged device. A
// process holds exactly one Gate; all callers (Domain Builder, Physical
// Page Map, reconciler) share it.
type Gate struct {
	file *os.File
	fd   uintptr

	// sem is a single-permit semaphore: the privileged device does not
	// guarantee concurrent safety for all opcodes.
	sem chan struct{}

	domctlVersion uint32
}

// Open opens the privileged device at path and probes the DOMCTL interface
// version by issuing GETDOMAININFO for currentDomid across the supported
// version window.
func Open(path string, currentDomid uint32) (*Gate, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening hypercall device %s", path)
	}

	g := &Gate{
		file: f,
		fd:   f.Fd(),
		sem:  make(chan struct{}, 1),
	}
	g.sem <- struct{}{}

	version, err := g.detectDomctlInterfaceVersion(currentDomid)
	if err != nil {
		f.Close()
		return nil, err
	}
	g.domctlVersion = version
	gateLog.WithFields(logrus.Fields{"path": path, "domctl_version": version}).Info("hypercall gate opened")
	return g, nil
}

func (g *Gate) Close() error {
	return g.file.Close()
}

// DomctlVersion returns the DOMCTL interface version stamped at open time.
func (g *Gate) DomctlVersion() uint32 {
	return g.domctlVersion
}

func (g *Gate) acquire(ctx context.Context) error {
	select {
	case <-g.sem:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) release() {
	g.sem <- struct{}{}
}

// Do issues a raw hypercall: opcode plus up to five word-sized arguments,
// returning the signed result. A result in (~0xfff, ~0] is translated to
// the corresponding errno per the failure model in spec §4.1/§7.
func (g *Gate) Do(ctx context.Context, op uintptr, args [5]uintptr) (int64, error) {
	if err := g.acquire(ctx); err != nil {
		return 0, err
	}
	defer g.release()

	call := hypercallStruct{op: uint64(op), arg: [5]uint64{
		uint64(args[0]), uint64(args[1]), uint64(args[2]), uint64(args[3]), uint64(args[4]),
	}}

	ret, err := g.ioctl(ioctlPrivcmdHypercall, ptrOf(unsafe.Pointer(&call)))
	if err != nil {
		return 0, errors.Wrapf(err, "hypercall ioctl op=%#x", op)
	}

	signed := int64(ret)
	if errno, ok := errnoFromResult(signed); ok {
		return signed, &Error{Op: "hypercall", Opcode: op, Errno: errno}
	}
	return signed, nil
}

// errnoFromResult recognizes the Xen convention that a hypercall return
// value in (~0xfff, ~0] encodes -errno.
func errnoFromResult(ret int64) (unix.Errno, bool) {
	if ret >= -4095 && ret < 0 {
		return unix.Errno(-ret), true
	}
	return 0, false
}

func (g *Gate) detectDomctlInterfaceVersion(currentDomid uint32) (uint32, error) {
	for version := uint32(domctlMinInterfaceVersion); version <= domctlMaxInterfaceVersion; version++ {
		domctl := domctlStruct{
			Cmd:           domctlGetDomainInfo,
			InterfaceVer:  version,
			Domid:         currentDomid,
			GetDomainInfo: getDomainInfo{},
		}
		call := hypercallStruct{op: uint64(hvDomctl), arg: [5]uint64{uint64(ptrOf(unsafe.Pointer(&domctl))), 0, 0, 0, 0}}
		ret, err := g.ioctl(ioctlPrivcmdHypercall, ptrOf(unsafe.Pointer(&call)))
		if err == nil && int64(ret) == 0 {
			return version, nil
		}
	}
	return 0, ErrUnsupportedVersion
}

// Error reports a failed hypercall with its opcode and translated errno.
type Error struct {
	Op     string
	Opcode uintptr
	Errno  unix.Errno
}

func (e *Error) Error() string {
	return errors.Errorf("hypercall %s(op=%#x): %s", e.Op, e.Opcode, e.Errno.Error()).Error()
}

func (e *Error) Unwrap() error { return e.Errno }
