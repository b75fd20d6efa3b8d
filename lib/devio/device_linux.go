// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package devio

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sys/unix"

	"git.lukeshu.com/fsremap-ng/lib/linux"
)

// Device is a read-write block device (or a regular file standing in
// for one, in tests).  Its length is probed once at open time and is
// authoritative thereafter; reads and writes past it are rejected.
type Device[A ~int64] struct {
	inner  *os.File
	length A
}

var (
	_ File[assertAddr] = (*Device[assertAddr])(nil)
	_ Syncer           = (*Device[assertAddr])(nil)
)

// OpenDevice opens the named device read-write and exclusively (on
// Linux, O_EXCL on a block device fails if the device is mounted or
// otherwise claimed).
func OpenDevice[A ~int64](ctx context.Context, path string) (*Device[A], error) {
	fh, err := os.OpenFile(path, os.O_RDWR|os.O_EXCL, 0)
	if err != nil {
		return nil, fmt.Errorf("open device %q: %w", path, err)
	}
	dev, err := NewDevice[A](ctx, fh)
	if err != nil {
		_ = fh.Close()
		return nil, err
	}
	return dev, nil
}

// NewDevice wraps an already-open file, probing its length: the
// BLKGETSIZE64 ioctl for block devices, falling back to fstat.
func NewDevice[A ~int64](ctx context.Context, fh *os.File) (*Device[A], error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(fh.Fd()), &st); err != nil {
		return nil, fmt.Errorf("device fstat %q: %w", fh.Name(), err)
	}
	length := st.Size
	if st.Mode&unix.S_IFMT == unix.S_IFBLK {
		size, err := linux.BlkGetSize64(fh.Fd())
		if err != nil {
			dlog.Warnf(ctx, "device ioctl(%q, BLKGETSIZE64) failed, using fstat length: %v",
				fh.Name(), err)
		} else {
			length = int64(size)
		}
	}
	return &Device[A]{
		inner:  fh,
		length: A(length),
	}, nil
}

func (d *Device[A]) Name() string { return d.inner.Name() }
func (d *Device[A]) Size() A      { return d.length }
func (d *Device[A]) Close() error { return d.inner.Close() }
func (d *Device[A]) Sync() error  { return d.inner.Sync() }

// Fd returns the underlying descriptor, for mmap and ioctl callers.
func (d *Device[A]) Fd() uintptr { return d.inner.Fd() }

func (d *Device[A]) checkRange(op string, off A, length int) error {
	if off < 0 || off+A(length) > d.length {
		return fmt.Errorf("device %s %q: range [%d,%d) outside device length %d",
			op, d.Name(), int64(off), int64(off)+int64(length), int64(d.length))
	}
	return nil
}

func (d *Device[A]) ReadAt(dat []byte, off A) (int, error) {
	if err := d.checkRange("read", off, len(dat)); err != nil {
		return 0, err
	}
	n, err := d.inner.ReadAt(dat, int64(off))
	if err != nil {
		return n, fmt.Errorf("device read %q at %d: %w", d.Name(), int64(off), err)
	}
	return n, nil
}

func (d *Device[A]) WriteAt(dat []byte, off A) (int, error) {
	if err := d.checkRange("write", off, len(dat)); err != nil {
		return 0, err
	}
	n, err := d.inner.WriteAt(dat, int64(off))
	if err != nil {
		return n, fmt.Errorf("device write %q at %d: %w", d.Name(), int64(off), err)
	}
	if n < len(dat) {
		return n, fmt.Errorf("device write %q at %d: short write: %d < %d",
			d.Name(), int64(off), n, len(dat))
	}
	return n, nil
}
