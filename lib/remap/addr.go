// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package remap implements the value types that the block remapper is
// built from: device addresses, extents, ordered extent maps, and
// block-size inference.
package remap

import (
	"fmt"

	"git.lukeshu.com/fsremap-ng/lib/fmtutil"
)

type (
	// PhysicalAddr is a byte (or block, depending on context)
	// offset on the device being transformed.
	PhysicalAddr int64
	// LogicalAddr is a byte (or block) offset within the
	// loop-file's virtual view of the device.
	LogicalAddr int64
	// StorageAddr is a byte (or block) offset within the
	// contiguous storage window.
	StorageAddr int64
	// AddrDelta is a length or distance between addresses.
	AddrDelta int64
)

func formatAddr(addr int64, f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		str := fmt.Sprintf("%#016x", addr)
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), str)
	default:
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), addr)
	}
}

func (a PhysicalAddr) Format(f fmt.State, verb rune) { formatAddr(int64(a), f, verb) }
func (a LogicalAddr) Format(f fmt.State, verb rune)  { formatAddr(int64(a), f, verb) }
func (a StorageAddr) Format(f fmt.State, verb rune)  { formatAddr(int64(a), f, verb) }
func (d AddrDelta) Format(f fmt.State, verb rune)    { formatAddr(int64(d), f, verb) }

func (a PhysicalAddr) Sub(b PhysicalAddr) AddrDelta { return AddrDelta(a - b) }
func (a LogicalAddr) Sub(b LogicalAddr) AddrDelta   { return AddrDelta(a - b) }
func (a StorageAddr) Sub(b StorageAddr) AddrDelta   { return AddrDelta(a - b) }

func (a PhysicalAddr) Add(d AddrDelta) PhysicalAddr { return a + PhysicalAddr(d) }
func (a LogicalAddr) Add(d AddrDelta) LogicalAddr   { return a + LogicalAddr(d) }
func (a StorageAddr) Add(d AddrDelta) StorageAddr   { return a + StorageAddr(d) }
