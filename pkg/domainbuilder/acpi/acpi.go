// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package acpi builds the small fixed table set a PVH guest's firmware
// stub needs to find at boot: RSDP, XSDT, FADT, MADT (one Local APIC
// entry per vCPU) and a DSDT. Xen's own hvmloader ships a precompiled
// AML blob for the DSDT; zoned does the same rather than carrying an AML
// compiler, since the guest only needs a well-formed, checksummed table
// to parse, not a rich set of control methods.
package acpi

import "encoding/binary"

const headerLen = 36

// sdtHeader mirrors struct acpi_table_header: every ACPI table starts
// with this 36-byte preamble.
type sdtHeader struct {
	Signature      [4]byte
	Length         uint32
	Revision       uint8
	Checksum       uint8
	OEMID          [6]byte
	OEMTableID     [8]byte
	OEMRevision    uint32
	CreatorID      [4]byte
	CreatorRevision uint32
}

func newHeader(signature string, length uint32, revision uint8) sdtHeader {
	var h sdtHeader
	copy(h.Signature[:], signature)
	h.Length = length
	h.Revision = revision
	copy(h.OEMID[:], "ZONED ")
	copy(h.OEMTableID[:], "ZONEDGST")
	copy(h.CreatorID[:], "ZND ")
	h.CreatorRevision = 1
	return h
}

func (h sdtHeader) bytes() []byte {
	buf := make([]byte, headerLen)
	copy(buf[0:4], h.Signature[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
	buf[8] = h.Revision
	buf[9] = h.Checksum
	copy(buf[10:16], h.OEMID[:])
	copy(buf[16:24], h.OEMTableID[:])
	binary.LittleEndian.PutUint32(buf[24:28], h.OEMRevision)
	copy(buf[28:32], h.CreatorID[:])
	binary.LittleEndian.PutUint32(buf[32:36], h.CreatorRevision)
	return buf
}

func checksum(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return 0 - sum
}

// setChecksum fills byte 9 (the header's Checksum field) so the whole
// table sums to zero mod 256.
func setChecksum(table []byte) {
	table[9] = 0
	table[9] = checksum(table)
}

// Tables is the fully laid-out guest-physical byte image of every table
// this package builds, plus the offset the PVH backend's SetupStartInfo
// needs to fill in the start-info page: RsdpOffset is where a guest's
// firmware stub starts walking the table chain.
type Tables struct {
	Blob       []byte
	RsdpOffset uint32
}

// dsdtAMLStub is a minimal, well-formed AML definition block: a
// DefinitionBlock containing nothing but an empty root Scope. It parses
// cleanly in any ACPI-aware guest but declares no devices or methods —
// zoned's guests discover their devices over xenstore, not ACPI.
var dsdtAMLStub = []byte{
	0x10, 0x06, '_', 'S', 'B', '_', // ScopeOp, PkgLength, NameString "_SB_"
}

// Build lays out RSDP, XSDT, FADT, MADT (one Local APIC entry per vCPU)
// and the DSDT stub back to back starting at guestBase, and returns the
// resulting blob along with the RSDP's offset within it (always 0).
func Build(guestBase uint64, maxVcpus uint32) Tables {
	dsdtLen := uint32(headerLen + len(dsdtAMLStub))
	madtLen := uint32(headerLen+8) + 8*maxVcpus
	fadtLen := uint32(headerLen + 112)
	xsdtLen := uint32(headerLen + 16) // two table pointers: FADT, MADT

	rsdpLen := uint32(36)
	dsdtOff := rsdpLen
	fadtOff := dsdtOff + dsdtLen
	madtOff := fadtOff + fadtLen
	xsdtOff := madtOff + madtLen

	blob := make([]byte, xsdtOff+xsdtLen)

	// DSDT
	dsdt := newHeader("DSDT", dsdtLen, 2)
	copy(blob[dsdtOff:], dsdt.bytes())
	copy(blob[dsdtOff+headerLen:], dsdtAMLStub)
	setChecksum(blob[dsdtOff : dsdtOff+dsdtLen])

	// FADT: header + a zeroed body big enough for the X_DSDT pointer at
	// its documented offset (140 in the ACPI 6.x layout; this repo's
	// stub guest never reads anything past that field).
	fadt := newHeader("FACP", fadtLen, 6)
	copy(blob[fadtOff:], fadt.bytes())
	xDsdt := guestBase + uint64(dsdtOff)
	binary.LittleEndian.PutUint64(blob[fadtOff+140:], xDsdt)
	setChecksum(blob[fadtOff : fadtOff+fadtLen])

	// MADT: header + local-apic-address/flags + one Processor Local
	// APIC entry (type 0, length 8) per vCPU.
	madt := newHeader("APIC", madtLen, 3)
	copy(blob[madtOff:], madt.bytes())
	binary.LittleEndian.PutUint32(blob[madtOff+headerLen:], 0xfee00000)
	binary.LittleEndian.PutUint32(blob[madtOff+headerLen+4:], 1) // PCAT_COMPAT
	entryOff := madtOff + headerLen + 8
	for i := uint32(0); i < maxVcpus; i++ {
		blob[entryOff] = 0 // type: processor local APIC
		blob[entryOff+1] = 8
		blob[entryOff+2] = byte(i) // ACPI processor ID
		blob[entryOff+3] = byte(i) // APIC ID
		binary.LittleEndian.PutUint32(blob[entryOff+4:], 1) // enabled
		entryOff += 8
	}
	setChecksum(blob[madtOff : madtOff+madtLen])

	// XSDT: header + two 64-bit guest-physical pointers.
	xsdt := newHeader("XSDT", xsdtLen, 1)
	copy(blob[xsdtOff:], xsdt.bytes())
	binary.LittleEndian.PutUint64(blob[xsdtOff+headerLen:], guestBase+uint64(fadtOff))
	binary.LittleEndian.PutUint64(blob[xsdtOff+headerLen+8:], guestBase+uint64(madtOff))
	setChecksum(blob[xsdtOff : xsdtOff+xsdtLen])

	// RSDP: no header, its own 20-byte v1 prefix plus the v2 extension.
	rsdp := blob[:rsdpLen]
	copy(rsdp[0:8], "RSD PTR ")
	copy(rsdp[9:15], "ZONED ")
	rsdp[15] = 2 // revision
	binary.LittleEndian.PutUint32(rsdp[16:20], 0) // RsdtAddress, unused
	binary.LittleEndian.PutUint32(rsdp[20:24], rsdpLen)
	binary.LittleEndian.PutUint64(rsdp[24:32], guestBase+uint64(xsdtOff))
	rsdp[8] = checksum(rsdp[0:20])
	rsdp[32] = checksum(rsdp)

	return Tables{Blob: blob, RsdpOffset: 0}
}
