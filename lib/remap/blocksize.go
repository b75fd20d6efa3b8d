// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package remap

import (
	"fmt"
	"math/bits"
)

// BlockSizeLog2 is the log₂ of the device's effective block size: the
// largest power of 2 that exactly divides every physical address,
// logical address, and length in every extent, and the device length.
// Zero means byte-granular (or unknown, on an empty device).
type BlockSizeLog2 uint8

// ByteSize returns the block size in bytes.
func (k BlockSizeLog2) ByteSize() AddrDelta {
	return AddrDelta(1) << k
}

// BlockBitmask accumulates the OR of every extent endpoint seen so
// far; its lowest set bit is the effective block size.
type BlockBitmask uint64

// AccumulateExtent ORs an extent's endpoints into the bitmask.
func (m *BlockBitmask) AccumulateExtent(ext Extent) {
	*m |= BlockBitmask(ext.Physical) | BlockBitmask(ext.Logical) | BlockBitmask(ext.Size)
}

// Accumulate ORs a raw value (such as the device length) into the
// bitmask.
func (m *BlockBitmask) Accumulate(v int64) {
	*m |= BlockBitmask(v)
}

// Log2 returns the effective block size implied by the bitmask.  ok
// is false if the bitmask is zero (empty device), in which case the
// block size is undefined and the whole run is a no-op.
func (m BlockBitmask) Log2() (k BlockSizeLog2, ok bool) {
	if m == 0 {
		return 0, false
	}
	return BlockSizeLog2(bits.TrailingZeros64(uint64(m))), true
}

// CheckAligned returns ErrMisalignment if any endpoint of ext is not
// a multiple of 1<<k.
func CheckAligned(ext Extent, k BlockSizeLog2) error {
	mask := int64(k.ByteSize()) - 1
	if (int64(ext.Physical)|int64(ext.Logical)|int64(ext.Size))&mask != 0 {
		return fmt.Errorf("extent %v with block size 2^%d: %w",
			ext, k, ErrMisalignment)
	}
	return nil
}

// CheckAllAligned is CheckAligned over a whole extent list.
func CheckAllAligned(exts []Extent, k BlockSizeLog2) error {
	for _, ext := range exts {
		if err := CheckAligned(ext, k); err != nil {
			return err
		}
	}
	return nil
}
