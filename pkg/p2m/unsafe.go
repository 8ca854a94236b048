// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package p2m

import "unsafe"

// unsafePointerOf returns the address of a mmap-returned slice's backing
// array. The slice is never reallocated or grown, so the address remains
// valid for the lifetime of the mapping.
func unsafePointerOf(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

// bytesAt reconstructs the slice unix.Munmap expects from a raw host
// virtual address and length, the inverse of unsafePointerOf.
func bytesAt(ptr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), length)
}
