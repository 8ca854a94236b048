// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package domainbuilder

import "unsafe"

// bytesAt reconstructs a byte slice over a host virtual address returned
// by p2m.Map.PfnToPtr/MapForeignPages, so segment contents can be read and
// written with ordinary slice operations.
func bytesAt(ptr uintptr, length int) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), length)
}

func clearBytes(ptr uintptr, length int) {
	b := bytesAt(ptr, length)
	for i := range b {
		b[i] = 0
	}
}

func uint64At(ptr uintptr, index int) *uint64 {
	return (*uint64)(unsafe.Pointer(ptr + uintptr(index)*8))
}

func uint32At(ptr uintptr, index int) *uint32 {
	return (*uint32)(unsafe.Pointer(ptr + uintptr(index)*4))
}

func ptrAt(ptr uintptr) unsafe.Pointer {
	return unsafe.Pointer(ptr)
}

// unsafePointerOf returns the address of a mmap-returned slice's backing
// array; the slice is never reallocated, so the address stays valid for
// the lifetime of the mapping.
func unsafePointerOf(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}
