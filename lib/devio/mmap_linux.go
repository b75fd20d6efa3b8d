// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package devio

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The storage window needs placement control that the high-level
// unix.Mmap API does not expose (MAP_FIXED replacement of sub-ranges
// of a reservation), so these wrappers speak to the syscall directly
// and deal in raw addresses.

// ReserveAnon maps size bytes of anonymous, read/write, private
// memory at an OS-chosen address, to be carved up with MapFileFixed.
func ReserveAnon(size int) (uintptr, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0, uintptr(size),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS),
		^uintptr(0), 0)
	if errno != 0 {
		return 0, fmt.Errorf("mmap(anonymous, length=%d): %w", size, errno)
	}
	return addr, nil
}

// MapFileFixed maps [off, off+size) of fd as shared read/write memory
// at exactly addr, replacing whatever mapping was there.  It returns
// the address the kernel placed the mapping at, which callers must
// verify equals addr.
func MapFileFixed(addr uintptr, size int, fd uintptr, off int64) (uintptr, error) {
	ret, _, errno := unix.Syscall6(unix.SYS_MMAP,
		addr, uintptr(size),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		fd, uintptr(off))
	if errno != 0 {
		return 0, fmt.Errorf("mmap(%#x, length=%d, MAP_FIXED, fd=%d, offset=%d): %w",
			addr, size, fd, off, errno)
	}
	return ret, nil
}

// Unmap releases [addr, addr+size).
func Unmap(addr uintptr, size int) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(size), 0); errno != 0 {
		return fmt.Errorf("munmap(%#x, length=%d): %w", addr, size, errno)
	}
	return nil
}

// Msync synchronously writes back [addr, addr+size); the range is
// widened to page boundaries as the syscall demands.
func Msync(addr uintptr, size int) error {
	pageMask := uintptr(os.Getpagesize() - 1)
	beg := addr &^ pageMask
	end := (addr + uintptr(size) + pageMask) &^ pageMask
	if _, _, errno := unix.Syscall(unix.SYS_MSYNC, beg, end-beg, uintptr(unix.MS_SYNC)); errno != 0 {
		return fmt.Errorf("msync(%#x, length=%d): %w", beg, end-beg, errno)
	}
	return nil
}

// BytesAt views [addr, addr+size) as a byte slice.
func BytesAt(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}
