// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package remapjob

import (
	"context"
	"fmt"
	"os"
	"unsafe"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sys/unix"

	"git.lukeshu.com/fsremap-ng/lib/remap"
)

// PosixSource reads extents with the FIEMAP ioctl: the loop-file's
// extents directly, and the free space as the extents of the
// zero-file (which the caller filled the filesystem's free space
// with before unmounting).  The files are opened lazily so that a
// resume whose extent lists are already persisted never touches
// them.
type PosixSource struct {
	LoopPath string
	ZeroPath string
}

var _ ExtentSource = (*PosixSource)(nil)

func (src *PosixSource) ReadExtents(ctx context.Context) (loop, free []remap.Extent, bitmask remap.BlockBitmask, err error) {
	loop, err = fiemapPath(src.LoopPath, &bitmask)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("loop-file extents: %w", err)
	}
	dlog.Debugf(ctx, "loop-file %q: %d extents", src.LoopPath, len(loop))

	zero, err := fiemapPath(src.ZeroPath, &bitmask)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("zero-file extents: %w", err)
	}
	dlog.Debugf(ctx, "zero-file %q: %d extents", src.ZeroPath, len(zero))

	// The zero-file's extents ARE the free space; where it sits
	// inside its own file is irrelevant, only the physical blocks
	// matter, so free-space extents are identity-mapped.
	free = make([]remap.Extent, len(zero))
	for i, ext := range zero {
		free[i] = remap.Extent{
			Physical: ext.Physical,
			Logical:  remap.LogicalAddr(ext.Physical),
			Size:     ext.Size,
		}
		bitmask.AccumulateExtent(free[i])
	}
	return loop, free, bitmask, nil
}

// struct fiemap_extent, from <linux/fiemap.h>.
type fiemapExtent struct {
	Logical    uint64
	Physical   uint64
	Length     uint64
	Reserved64 [2]uint64
	Flags      uint32
	Reserved   [3]uint32
}

const fiemapBatch = 256

// FIEMAP-related constants from <linux/fiemap.h> and <linux/fs.h>;
// golang.org/x/sys/unix does not expose them.
const (
	fiemapMaxOffset  = ^uint64(0)
	fiemapFlagSync   = 0x00000001
	fiemapExtentLast = 0x00000001
	fsIocFiemap      = 0xC020660B
)

// struct fiemap with an inline batch of extents.
type fiemapReq struct {
	Start         uint64
	Length        uint64
	Flags         uint32
	MappedExtents uint32
	ExtentCount   uint32
	Reserved      uint32
	Extents       [fiemapBatch]fiemapExtent
}

func fiemapPath(path string, bitmask *remap.BlockBitmask) ([]remap.Extent, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = fh.Close()
	}()
	return fiemap(fh, bitmask)
}

func fiemap(fh *os.File, bitmask *remap.BlockBitmask) ([]remap.Extent, error) {
	var ret []remap.Extent
	req := new(fiemapReq)
	start := uint64(0)
	for {
		*req = fiemapReq{
			Start:       start,
			Length:      fiemapMaxOffset - start,
			Flags:       fiemapFlagSync,
			ExtentCount: fiemapBatch,
		}
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fh.Fd(),
			uintptr(fsIocFiemap), uintptr(unsafe.Pointer(req))); errno != 0 {
			return nil, fmt.Errorf("ioctl(%q, FS_IOC_FIEMAP): %w", fh.Name(), errno)
		}
		if req.MappedExtents == 0 {
			break
		}
		last := false
		for _, fe := range req.Extents[:req.MappedExtents] {
			// Preallocated-but-unwritten extents still occupy
			// physical space; they move like any other blocks.
			ext := remap.Extent{
				Physical: remap.PhysicalAddr(fe.Physical),
				Logical:  remap.LogicalAddr(fe.Logical),
				Size:     remap.AddrDelta(fe.Length),
			}
			bitmask.AccumulateExtent(ext)
			ret = append(ret, ext)
			start = fe.Logical + fe.Length
			last = fe.Flags&fiemapExtentLast != 0
		}
		if last {
			break
		}
	}
	return ret, nil
}
