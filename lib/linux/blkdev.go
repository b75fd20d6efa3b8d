// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package linux

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// BlkGetSize64 returns the length in bytes of the block device behind
// fd, per the BLKGETSIZE64 ioctl.
func BlkGetSize64(fd uintptr) (uint64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd,
		uintptr(unix.BLKGETSIZE64), uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return size, nil
}
