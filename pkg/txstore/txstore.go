// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package txstore assembles the configuration-store tree a freshly booted
// domain's frontend drivers and xenstored-aware tools expect to find: the
// /vm and /local/domain/<domid> subtrees, the image and memory info nodes,
// and a frontend/backend record pair per declared device. Every write goes
// through a single transaction so a watcher never observes a half-built
// device.
package txstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zoneforge/zoned/pkg/xenstore"
	"github.com/zoneforge/zoned/pkg/zone"
)

var txLog = logrus.WithField("source", "txstore")

// BootInfo is the subset of a booted domain's state the composed tree
// needs to reference: the two special-page event channels and the
// host machine frame numbers backing their shared rings.
type BootInfo struct {
	Domid         uint32
	BackendDomid  uint32
	StoreEvtchn   uint32
	StoreMfn      uint64
	ConsoleEvtchn uint32
	ConsoleMfn    uint64
}

const (
	permNone      = xenstore.PermNone
	permRead      = xenstore.PermRead
	permReadWrite = xenstore.PermReadWrite
)

func roPerm(domid uint32) []xenstore.PermSpec {
	return []xenstore.PermSpec{
		{Domid: 0, Perms: permNone},
		{Domid: domid, Perms: permRead},
	}
}

func rwPerm(domid uint32) []xenstore.PermSpec {
	return []xenstore.PermSpec{{Domid: domid, Perms: permReadWrite}}
}

// Compose writes the full device tree for a newly booted domain in one
// transaction, retrying if the store aborts it under a conflicting
// watcher. It does not introduce the domain to xenstored or unpause it;
// callers sequence those around Compose per the create-path ordering
// (build, compose, introduce, unpause).
func Compose(ctx context.Context, xs *xenstore.Client, spec zone.Spec, boot BootInfo, kernelPath, initrdPath, cmdline string) error {
	domPath, err := xs.GetDomainPath(ctx, boot.Domid)
	if err != nil {
		return errors.Wrap(err, "txstore: resolve domain path")
	}
	backendDomPath, err := xs.GetDomainPath(ctx, boot.BackendDomid)
	if err != nil {
		return errors.Wrap(err, "txstore: resolve backend domain path")
	}
	vmPath := "/vm/" + spec.UUID.String()

	const maxAttempts = 20
	var composeErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		composeErr = composeOnce(ctx, xs, spec, boot, domPath, backendDomPath, vmPath, kernelPath, initrdPath, cmdline)
		if composeErr == nil {
			return nil
		}
		if !isConflict(composeErr) {
			return composeErr
		}
		txLog.WithField("zone", spec.UUID).WithField("attempt", attempt).Debug("store transaction conflict, retrying")
	}
	return errors.Wrap(composeErr, "txstore: compose did not commit")
}

func isConflict(err error) bool {
	se, ok := errors.Cause(err).(*xenstore.StoreError)
	return ok && se.Message == "EAGAIN"
}

func composeOnce(ctx context.Context, xs *xenstore.Client, spec zone.Spec, boot BootInfo, domPath, backendDomPath, vmPath, kernelPath, initrdPath, cmdline string) error {
	tx, err := xs.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin compose transaction")
	}
	defer tx.Close(ctx)

	domid := boot.Domid

	if err := writeDomainSkeleton(ctx, tx, domPath, vmPath, domid, spec); err != nil {
		return err
	}
	if err := writeImageAndMemory(ctx, tx, domPath, vmPath, domid, spec, boot, kernelPath, initrdPath, cmdline); err != nil {
		return err
	}
	if err := writeCPUNodes(ctx, tx, domPath, domid, spec.VCPUs); err != nil {
		return err
	}
	if err := writeDevices(ctx, tx, domPath, backendDomPath, boot, spec); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func writeDomainSkeleton(ctx context.Context, tx *xenstore.Transaction, domPath, vmPath string, domid uint32, spec zone.Spec) error {
	ro, rw := roPerm(domid), rwPerm(domid)

	_ = tx.Rm(ctx, domPath)
	if err := tx.Mknod(ctx, domPath, ro); err != nil {
		return errors.Wrap(err, "mknod dom path")
	}

	_ = tx.Rm(ctx, vmPath)
	// vmPath itself is toolstack-owned (no guest access); only dom_path's
	// pointer to it is readable by the domain.
	if err := tx.Mknod(ctx, vmPath, []xenstore.PermSpec{{Domid: 0, Perms: permNone}}); err != nil {
		return errors.Wrap(err, "mknod vm path")
	}
	if err := tx.Mknod(ctx, vmPath+"/device", []xenstore.PermSpec{{Domid: 0, Perms: permNone}}); err != nil {
		return errors.Wrap(err, "mknod vm device path")
	}

	if err := tx.WriteString(ctx, domPath+"/vm", vmPath); err != nil {
		return err
	}

	for _, dir := range []string{"/cpu", "/memory"} {
		if err := tx.Mknod(ctx, domPath+dir, ro); err != nil {
			return errors.Wrapf(err, "mknod %s", dir)
		}
	}

	if err := tx.Mknod(ctx, domPath+"/control", ro); err != nil {
		return err
	}
	for _, node := range []string{
		"/control/shutdown", "/control/feature-poweroff",
		"/control/feature-reboot", "/control/feature-suspend", "/control/sysrq",
		"/data", "/drivers", "/feature", "/attr", "/error",
	} {
		if err := tx.Mknod(ctx, domPath+node, rw); err != nil {
			return errors.Wrapf(err, "mknod %s", node)
		}
	}

	if err := tx.WriteString(ctx, vmPath+"/uuid", spec.UUID.String()); err != nil {
		return err
	}
	if err := tx.WriteString(ctx, domPath+"/name", spec.Name); err != nil {
		return err
	}
	return tx.WriteString(ctx, vmPath+"/name", spec.Name)
}

func writeImageAndMemory(ctx context.Context, tx *xenstore.Transaction, domPath, vmPath string, domid uint32, spec zone.Spec, boot BootInfo, kernelPath, initrdPath, cmdline string) error {
	memKB := spec.MemoryMB * 1024

	writes := map[string]string{
		vmPath + "/image/os_type":     "linux",
		vmPath + "/image/kernel":      kernelPath,
		vmPath + "/image/ramdisk":     initrdPath,
		vmPath + "/image/cmdline":     cmdline,
		domPath + "/memory/static-max": strconv.FormatUint(memKB, 10),
		domPath + "/memory/target":     strconv.FormatUint(memKB, 10),
		domPath + "/memory/videoram":   "0",
		domPath + "/domid":             strconv.FormatUint(uint64(domid), 10),
		domPath + "/store/port":        strconv.FormatUint(uint64(boot.StoreEvtchn), 10),
		domPath + "/store/ring-ref":    strconv.FormatUint(boot.StoreMfn, 10),
	}
	for path, value := range writes {
		if err := tx.WriteString(ctx, path, value); err != nil {
			return errors.Wrapf(err, "write %s", path)
		}
	}
	return nil
}

func writeCPUNodes(ctx context.Context, tx *xenstore.Transaction, domPath string, domid uint32, vcpus uint32) error {
	ro := roPerm(domid)
	for i := uint32(0); i < vcpus; i++ {
		path := fmt.Sprintf("%s/cpu/%d", domPath, i)
		if err := tx.Mkdir(ctx, path); err != nil {
			return err
		}
		if err := tx.SetPerms(ctx, path, ro); err != nil {
			return err
		}
		availPath := path + "/availability"
		if err := tx.WriteString(ctx, availPath, "online"); err != nil {
			return err
		}
		if err := tx.SetPerms(ctx, availPath, ro); err != nil {
			return err
		}
	}
	return nil
}

func writeDevices(ctx context.Context, tx *xenstore.Transaction, domPath, backendDomPath string, boot BootInfo, spec zone.Spec) error {
	if err := addConsole(ctx, tx, domPath, backendDomPath, boot, 0); err != nil {
		return err
	}

	var diskIndex, fsIndex int
	for _, dev := range spec.Devices {
		switch dev.Kind {
		case "block":
			if err := addDisk(ctx, tx, domPath, backendDomPath, boot, diskIndex, dev); err != nil {
				return err
			}
			diskIndex++
		case "9pfs":
			if err := addFilesystem(ctx, tx, domPath, backendDomPath, boot, fsIndex, dev); err != nil {
				return err
			}
			fsIndex++
		default:
			txLog.WithField("zone", spec.UUID).WithField("kind", dev.Kind).Debug("device kind has no store record")
		}
	}

	if spec.Network != nil {
		if err := addVif(ctx, tx, domPath, backendDomPath, boot, 0, spec.Network); err != nil {
			return err
		}
	}
	return nil
}

// vbdID is the standard Xen vbd device-id convention: major 202 (the
// xvd block-device major) in the high byte, index shifted into bits 4-7
// (the low nibble, the partition number, stays 0).
func vbdID(index int) uint64 {
	return uint64(202<<8) | uint64(index<<4)
}

// vifID is the standard vif device-id convention.
func vifID(index int) uint64 {
	return uint64(20 + index)
}

// VifID exports the vif device-id convention for callers outside this
// package that need to derive a zone's vif interface name (netdev.VifName)
// without duplicating the constant this package composes the frontend
// record under.
func VifID(index int) uint64 {
	return vifID(index)
}

// fsID is the standard 9pfs device-id convention.
func fsID(index int) uint64 {
	return uint64(90 + index)
}

// addDisk writes a vbd frontend/backend pair. DeviceSpec carries a host
// path, not a {major,minor} pair, so the backend record's type is always
// "phy" against that path rather than a loop-mounted image.
func addDisk(ctx context.Context, tx *xenstore.Transaction, domPath, backendDomPath string, boot BootInfo, index int, dev zone.DeviceSpec) error {
	id := vbdID(index)
	frontend := map[string]string{
		"backend-id":    strconv.FormatUint(uint64(boot.BackendDomid), 10),
		"state":         "1",
		"virtual-device": strconv.FormatUint(id, 10),
		"device-type":   "disk",
		"protocol":      "x86_64-abi",
	}
	backend := map[string]string{
		"frontend-id":         strconv.FormatUint(uint64(boot.Domid), 10),
		"online":              "1",
		"removable":           "0",
		"bootable":            "1",
		"state":               "1",
		"dev":                 fmt.Sprintf("xvd%c", 'a'+index),
		"type":                "phy",
		"mode":                "w",
		"device-type":         "disk",
		"discard-enable":      "0",
		"physical-device-path": dev.Path,
	}
	return deviceAdd(ctx, tx, "vbd", id, domPath, backendDomPath, boot, frontend, backend)
}

// addFilesystem writes a 9pfs frontend/backend pair.
func addFilesystem(ctx context.Context, tx *xenstore.Transaction, domPath, backendDomPath string, boot BootInfo, index int, dev zone.DeviceSpec) error {
	id := fsID(index)
	frontend := map[string]string{
		"backend-id": strconv.FormatUint(uint64(boot.BackendDomid), 10),
		"state":      "1",
		"tag":        dev.ID,
	}
	backend := map[string]string{
		"frontend-id":    strconv.FormatUint(uint64(boot.Domid), 10),
		"online":         "1",
		"state":          "1",
		"path":           dev.Path,
		"security-model": "none",
	}
	return deviceAdd(ctx, tx, "9pfs", id, domPath, backendDomPath, boot, frontend, backend)
}

// addVif writes a vif frontend/backend pair.
func addVif(ctx context.Context, tx *xenstore.Transaction, domPath, backendDomPath string, boot BootInfo, index int, net *zone.NetworkSpec) error {
	id := vifID(index)
	frontend := map[string]string{
		"backend-id": strconv.FormatUint(uint64(boot.BackendDomid), 10),
		"state":      "1",
	}
	backend := map[string]string{
		"frontend-id":     strconv.FormatUint(uint64(boot.Domid), 10),
		"online":          "1",
		"state":           "1",
		"type":            "vif",
		"handle":          strconv.FormatUint(id, 10),
		"bridge":          net.Bridge,
		"script":          "",
		"hotplug-status":  "connected",
	}
	return deviceAdd(ctx, tx, "vif", id, domPath, backendDomPath, boot, frontend, backend)
}

// addConsole writes the reserved primary console's frontend/backend pair.
// Index 0 uses the dom_path's own "console" node rather than the usual
// device/<type>/<id> tree.
func addConsole(ctx context.Context, tx *xenstore.Transaction, domPath, backendDomPath string, boot BootInfo, index int) error {
	frontend := map[string]string{
		"backend-id": strconv.FormatUint(uint64(boot.BackendDomid), 10),
		"limit":      "1048576",
		"output":     "pty",
		"tty":        "",
		"type":       "xenconsoled",
		"port":       strconv.FormatUint(uint64(boot.ConsoleEvtchn), 10),
		"ring-ref":   strconv.FormatUint(boot.ConsoleMfn, 10),
	}
	backend := map[string]string{
		"frontend-id": strconv.FormatUint(uint64(boot.Domid), 10),
		"online":      "1",
		"state":       "1",
		"protocol":    "vt100",
	}
	return deviceAdd(ctx, tx, "console", uint64(index), domPath, backendDomPath, boot, frontend, backend)
}

// deviceAdd writes one device's frontend and backend records plus their
// cross pointers and permissions. The frontend record is owned (rw) by
// the guest domain with read access for the backend domain; the backend
// record is the reverse.
func deviceAdd(ctx context.Context, tx *xenstore.Transaction, typ string, id uint64, domPath, backendDomPath string, boot BootInfo, frontend, backend map[string]string) error {
	consoleZero := typ == "console" && id == 0
	frontendPath := frontendDevicePath(domPath, typ, id)
	backendPath := backendDevicePath(backendDomPath, typ, boot.Domid, id)

	frontend["backend"] = backendPath
	backend["frontend"] = frontendPath

	frontendPerms := []xenstore.PermSpec{
		{Domid: boot.Domid, Perms: permNone},
		{Domid: boot.BackendDomid, Perms: permRead},
	}
	backendPerms := []xenstore.PermSpec{
		{Domid: boot.BackendDomid, Perms: permNone},
		{Domid: boot.Domid, Perms: permRead},
	}

	if err := tx.Mknod(ctx, frontendPath, frontendPerms); err != nil {
		return errors.Wrapf(err, "mknod %s", frontendPath)
	}
	for key, value := range frontend {
		path := frontendPath + "/" + key
		if err := tx.WriteString(ctx, path, value); err != nil {
			return errors.Wrapf(err, "write %s", path)
		}
		if !consoleZero {
			if err := tx.SetPerms(ctx, path, frontendPerms); err != nil {
				return errors.Wrapf(err, "set perms %s", path)
			}
		}
	}

	if err := tx.Mknod(ctx, backendPath, backendPerms); err != nil {
		return errors.Wrapf(err, "mknod %s", backendPath)
	}
	for key, value := range backend {
		path := backendPath + "/" + key
		if err := tx.WriteString(ctx, path, value); err != nil {
			return errors.Wrapf(err, "write %s", path)
		}
	}
	return nil
}

// frontendDevicePath returns a device's frontend store path. The primary
// console (type "console", id 0) is special-cased to dom_path's own
// "console" node rather than the usual device/<type>/<id> tree, matching
// how Xen reserves the first console slot.
func frontendDevicePath(domPath, typ string, id uint64) string {
	if typ == "console" && id == 0 {
		return domPath + "/console"
	}
	return fmt.Sprintf("%s/device/%s/%d", domPath, typ, id)
}

// backendDevicePath returns a device's backend store path, rooted under
// the backend domain's own subtree and keyed by the frontend domid and
// device id.
func backendDevicePath(backendDomPath, typ string, frontendDomid uint32, id uint64) string {
	return fmt.Sprintf("%s/backend/%s/%d/%d", backendDomPath, typ, frontendDomid, id)
}
