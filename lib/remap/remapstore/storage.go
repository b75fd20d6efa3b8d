// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package remapstore presents the staging area — free extents inside
// the device itself (primary) plus an out-of-device scratch file
// (secondary) — as one contiguous range of host memory.
//
// The trick, inherited from the fstransform lineage: reserve the
// total length as one anonymous mapping to get a contiguous address
// range, then replace sub-ranges of it with MAP_FIXED shared mappings
// of the device and the scratch file.
package remapstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"golang.org/x/sys/unix"

	"git.lukeshu.com/fsremap-ng/lib/devio"
	"git.lukeshu.com/fsremap-ng/lib/remap"
	"git.lukeshu.com/fsremap-ng/lib/remap/remapsave"
	"git.lukeshu.com/fsremap-ng/lib/textui"
)

type segment struct {
	what string
	ext  remap.Extent
	addr uintptr
}

// Window is the live storage mapping.  Offsets into the window are
// remap.StorageAddr values; primary extents appear first in their
// declared order, then the scratch file.
type Window struct {
	base uintptr
	size int
	segs []segment

	scratch      *os.File
	scratchPath  string
	scratchFresh bool
}

// Create builds the window.  primary extents carry the device offset
// in Physical and their window offset in Logical (as the planner
// assigned them); secondaryLen is the scratch-file length in bytes.
// Any failure tears down whatever was partially constructed.
func Create(ctx context.Context, dev interface{ Fd() uintptr }, jobDir string,
	primary []remap.Extent, secondaryLen int64,
) (*Window, error) {
	var primaryLen int64
	for _, ext := range primary {
		primaryLen += int64(ext.Size)
	}
	total := primaryLen + secondaryLen
	if total == 0 {
		return &Window{}, nil
	}
	memLen := int(total)
	if int64(memLen) != total || memLen < 0 {
		return nil, fmt.Errorf("storage length %d exceeds addressable memory: %w",
			total, remap.ErrOverflow)
	}

	base, err := devio.ReserveAnon(memLen)
	if err != nil {
		return nil, fmt.Errorf("storage: reserve contiguous area: %w", err)
	}
	dlog.Debugf(ctx, "storage: reserved %v of contiguous address space at %#x",
		textui.IEC(total, "B"), base)

	win := &Window{
		base: base,
		size: memLen,
	}

	if secondaryLen > 0 {
		if err := win.createScratch(ctx, jobDir, secondaryLen); err != nil {
			win.teardown(ctx, win.scratchFresh)
			return nil, err
		}
	} else {
		dlog.Infof(ctx, "storage: not creating secondary-storage, primary-storage is large enough")
	}

	var memOffset int64
	for i, ext := range primary {
		if int64(ext.Logical) != memOffset {
			win.teardown(ctx, win.scratchFresh)
			return nil, fmt.Errorf("storage: primary-storage extent #%d declares window offset %v, expected %v",
				i, ext.Logical, memOffset)
		}
		if err := win.replace(ctx, "primary-storage", i, memOffset, dev.Fd(), ext); err != nil {
			win.teardown(ctx, win.scratchFresh)
			return nil, err
		}
		memOffset += int64(ext.Size)
	}
	if secondaryLen > 0 {
		ext := remap.Extent{Physical: 0, Logical: remap.LogicalAddr(memOffset), Size: remap.AddrDelta(secondaryLen)}
		if err := win.replace(ctx, "secondary-storage", 0, memOffset, win.scratch.Fd(), ext); err != nil {
			win.teardown(ctx, win.scratchFresh)
			return nil, err
		}
		memOffset += secondaryLen
	}
	if memOffset != total {
		win.teardown(ctx, win.scratchFresh)
		return nil, fmt.Errorf("storage: mapped %d bytes, expected %d", memOffset, total)
	}

	dlog.Infof(ctx, "storage: mapped %v of contiguous storage (%v primary + %v secondary)",
		textui.IEC(total, "B"), textui.IEC(primaryLen, "B"), textui.IEC(secondaryLen, "B"))
	return win, nil
}

// replace swaps [memOffset, memOffset+ext.Size) of the placeholder
// for a shared mapping of fd at ext.Physical.
func (win *Window) replace(ctx context.Context, what string, idx int, memOffset int64, fd uintptr, ext remap.Extent) error {
	length := int(ext.Size)
	if memOffset < 0 || memOffset+int64(length) > int64(win.size) {
		return fmt.Errorf("storage: %s extent #%d [%d,%d) overflows window length %d",
			what, idx, memOffset, memOffset+int64(length), win.size)
	}
	addr := win.base + uintptr(memOffset)
	if err := devio.Unmap(addr, length); err != nil {
		return fmt.Errorf("storage: %s extent #%d: %w", what, idx, err)
	}
	got, err := devio.MapFileFixed(addr, length, fd, int64(ext.Physical))
	if err != nil {
		return fmt.Errorf("storage: %s extent #%d: %w", what, idx, err)
	}
	if got != addr {
		// Try to at least unmap the stray mapping.
		if err := devio.Unmap(got, length); err != nil {
			dlog.Warnf(ctx, "storage: weird OS: mmap violated MAP_FIXED, and munmap of the stray mapping failed too: %v", err)
		}
		return fmt.Errorf("storage: %s extent #%d: requested %#x, kernel returned %#x: %w",
			what, idx, addr, got, remap.ErrUnexpectedFixedMapping)
	}
	dlog.Tracef(ctx, "storage: %s extent #%d mapped at window offset %#x", what, idx, memOffset)
	win.segs = append(win.segs, segment{what: what, ext: ext, addr: addr})
	return nil
}

// createScratch creates <jobDir>/.storage and extends it to length:
// fallocate where the filesystem supports it, a 64 KiB zero-fill loop
// where it does not.  A pre-existing scratch file of exactly the
// right length is reused as-is: on resume it holds staged data.
func (win *Window) createScratch(ctx context.Context, jobDir string, length int64) error {
	path := filepath.Join(jobDir, remapsave.StorageFile)
	fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("storage: create secondary-storage %q: %w", path, err)
	}
	win.scratch = fh
	win.scratchPath = path

	st, err := fh.Stat()
	if err != nil {
		return fmt.Errorf("storage: stat secondary-storage %q: %w", path, err)
	}
	switch st.Size() {
	case length:
		dlog.Infof(ctx, "storage: reusing existing secondary-storage %q", path)
		return nil
	case 0:
		// fresh file; fall through and allocate it
		win.scratchFresh = true
	default:
		return fmt.Errorf("storage: secondary-storage %q is %d bytes, the plan needs exactly %d",
			path, st.Size(), length)
	}

	dlog.Infof(ctx, "storage: writing %v to %q...", textui.IEC(length, "B"), path)
	if err := unix.Fallocate(int(fh.Fd()), 0, 0, length); err != nil {
		const chunkLen = 64 * 1024
		zero := make([]byte, chunkLen)
		for pos := int64(0); pos < length; {
			chunk := int64(chunkLen)
			if length-pos < chunk {
				chunk = length - pos
			}
			// (*os.File).Write retries interrupted syscalls.
			n, err := fh.Write(zero[:chunk])
			if err != nil {
				return fmt.Errorf("storage: zero-fill secondary-storage %q: %w", path, err)
			}
			pos += int64(n)
		}
	}
	dlog.Infof(ctx, "storage: secondary-storage file created")
	return nil
}

// Len returns the total window length in bytes.
func (win *Window) Len() int64 {
	return int64(win.size)
}

// Bytes returns the whole window as a byte slice.
func (win *Window) Bytes() []byte {
	if win.size == 0 {
		return nil
	}
	return devio.BytesAt(win.base, win.size)
}

// Msync writes back [off, off+length) of the window synchronously;
// a step that wrote through the window is durable only after this.
func (win *Window) Msync(off remap.StorageAddr, length int64) error {
	if int64(off) < 0 || int64(off)+length > int64(win.size) {
		return fmt.Errorf("storage: msync range [%d,%d) outside window length %d",
			int64(off), int64(off)+length, win.size)
	}
	return devio.Msync(win.base+uintptr(off), int(length))
}

func (win *Window) teardown(ctx context.Context, removeScratch bool) error {
	var errs derror.MultiError
	if win.size != 0 {
		if err := devio.Unmap(win.base, win.size); err != nil {
			errs = append(errs, err)
		}
		win.size = 0
	}
	if win.scratch != nil {
		if err := win.scratch.Close(); err != nil {
			errs = append(errs, err)
		}
		win.scratch = nil
		if removeScratch {
			if err := os.Remove(win.scratchPath); err != nil {
				errs = append(errs, err)
			}
		} else {
			dlog.Infof(ctx, "storage: preserving %q for resume", win.scratchPath)
		}
	}
	if errs != nil {
		return errs
	}
	return nil
}

// Close unmaps the window.  On a clean run the scratch file is
// deleted; on failure it is preserved for post-mortem resume.
func (win *Window) Close(ctx context.Context, removeScratch bool) error {
	return win.teardown(ctx, removeScratch)
}
