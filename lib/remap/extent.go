// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package remap

import (
	"fmt"
	"sort"

	"git.lukeshu.com/fsremap-ng/lib/containers"
	"git.lukeshu.com/fsremap-ng/lib/slices"
)

// Extent is a contiguous run of blocks: Size bytes (or blocks,
// depending on context) that live at Physical on the device and
// belong at Logical in the loop-file's view.
//
// An Extent is pure value data; anything that needs to annotate an
// extent (such as the storage window's mapped host addresses) keeps a
// parallel structure of its own.
type Extent struct {
	Physical PhysicalAddr
	Logical  LogicalAddr
	Size     AddrDelta
}

func (e Extent) EndPhysical() PhysicalAddr { return e.Physical.Add(e.Size) }
func (e Extent) EndLogical() LogicalAddr   { return e.Logical.Add(e.Size) }

func (e Extent) String() string {
	return fmt.Sprintf("{physical:%v logical:%v size:%v}", e.Physical, e.Logical, e.Size)
}

// Compare implements containers.Ordered.
func (a Extent) Compare(b Extent) int {
	return containers.NativeCompare(a.Physical, b.Physical)
}

// compareRange returns -1 if 'a' is wholly to the left of 'b', 1 if
// wholly to the right, and 0 if the physical ranges overlap.
func (a Extent) compareRange(b Extent) int {
	switch {
	case a.EndPhysical() <= b.Physical:
		return -1
	case b.EndPhysical() <= a.Physical:
		return 1
	default:
		return 0
	}
}

// ShiftLeft scales the extent from block units to byte units.
func (e Extent) ShiftLeft(k BlockSizeLog2) Extent {
	return Extent{
		Physical: e.Physical << k,
		Logical:  e.Logical << k,
		Size:     e.Size << k,
	}
}

// ShiftRight scales the extent from byte units to block units.  The
// caller is responsible for having validated alignment first.
func (e Extent) ShiftRight(k BlockSizeLog2) Extent {
	return Extent{
		Physical: e.Physical >> k,
		Logical:  e.Logical >> k,
		Size:     e.Size >> k,
	}
}

// ShiftExtentsLeft maps ShiftLeft over a slice.
func ShiftExtentsLeft(exts []Extent, k BlockSizeLog2) []Extent {
	ret := make([]Extent, len(exts))
	for i, ext := range exts {
		ret[i] = ext.ShiftLeft(k)
	}
	return ret
}

// ShiftExtentsRight maps ShiftRight over a slice.
func ShiftExtentsRight(exts []Extent, k BlockSizeLog2) []Extent {
	ret := make([]Extent, len(exts))
	for i, ext := range exts {
		ret[i] = ext.ShiftRight(k)
	}
	return ret
}

// ExtentMap is an ordered set of non-overlapping Extents, keyed by
// Physical.  Extents that are contiguous in both their physical and
// their logical runs are coalesced on insert.
type ExtentMap struct {
	inner containers.RBTree[Extent]
	total AddrDelta
}

// NewExtentMap returns a map pre-populated with the given extents.
func NewExtentMap(exts ...Extent) *ExtentMap {
	m := new(ExtentMap)
	for _, ext := range exts {
		m.Insert(ext)
	}
	return m
}

func (m *ExtentMap) Len() int {
	return m.inner.Len()
}

// TotalSize returns the sum of all extent sizes.
func (m *ExtentMap) TotalSize() AddrDelta {
	return m.total
}

// Insert adds an extent, coalescing it with physically-adjacent
// neighbors whose logical runs line up.  The extent must not overlap
// anything already in the map.
func (m *ExtentMap) Insert(ext Extent) {
	if ext.Size <= 0 {
		return
	}
	m.total += ext.Size

	if prev := m.searchContains(ext.Physical - 1); prev != nil {
		v := prev.Value
		if v.EndPhysical() == ext.Physical && v.EndLogical() == ext.Logical {
			m.inner.Delete(prev)
			ext = Extent{Physical: v.Physical, Logical: v.Logical, Size: v.Size + ext.Size}
		}
	}
	if next := m.searchContains(ext.EndPhysical()); next != nil {
		v := next.Value
		if v.Physical == ext.EndPhysical() && v.Logical == ext.EndLogical() {
			m.inner.Delete(next)
			ext.Size += v.Size
		}
	}
	m.inner.Insert(ext)
}

func (m *ExtentMap) searchContains(addr PhysicalAddr) *containers.RBNode[Extent] {
	return m.inner.Search(func(v Extent) int {
		switch {
		case addr < v.Physical:
			return -1
		case addr >= v.EndPhysical():
			return 1
		default:
			return 0
		}
	})
}

// LookupContains returns the extent containing the given physical
// address, if any.
func (m *ExtentMap) LookupContains(addr PhysicalAddr) (Extent, bool) {
	node := m.searchContains(addr)
	if node == nil {
		return Extent{}, false
	}
	return node.Value, true
}

// OverlapsRange reports whether [addr, addr+size) overlaps any
// extent in the map.
func (m *ExtentMap) OverlapsRange(addr PhysicalAddr, size AddrDelta) bool {
	return m.inner.Search(func(v Extent) int {
		return Extent{Physical: addr, Size: size}.compareRange(v)
	}) != nil
}

// ContainsRange reports whether [addr, addr+size) is entirely covered
// by the map.  Because Insert coalesces, a covered range is always
// inside a single extent.
func (m *ExtentMap) ContainsRange(addr PhysicalAddr, size AddrDelta) bool {
	ext, ok := m.LookupContains(addr)
	return ok && addr.Add(size) <= ext.EndPhysical()
}

// RemoveRange carves [addr, addr+size) out of the map, splitting
// extents as needed.  The logical offsets of split remainders stay in
// correspondence with their physical offsets.
func (m *ExtentMap) RemoveRange(addr PhysicalAddr, size AddrDelta) {
	end := addr.Add(size)
	for {
		node := m.inner.Search(func(v Extent) int {
			return Extent{Physical: addr, Size: size}.compareRange(v)
		})
		if node == nil {
			return
		}
		v := node.Value
		m.inner.Delete(node)
		m.total -= v.Size
		if v.Physical < addr {
			m.Insert(Extent{
				Physical: v.Physical,
				Logical:  v.Logical,
				Size:     addr.Sub(v.Physical),
			})
		}
		if v.EndPhysical() > end {
			off := end.Sub(v.Physical)
			m.Insert(Extent{
				Physical: end,
				Logical:  v.Logical.Add(off),
				Size:     v.EndPhysical().Sub(end),
			})
		}
	}
}

// Range iterates over the extents in physical order; the callback
// returns false to stop.
func (m *ExtentMap) Range(fn func(Extent) bool) {
	m.inner.Range(func(node *containers.RBNode[Extent]) bool {
		return fn(node.Value)
	})
}

// Extents returns the extents in physical order.
func (m *ExtentMap) Extents() []Extent {
	ret := make([]Extent, 0, m.Len())
	m.Range(func(ext Extent) bool {
		ret = append(ret, ext)
		return true
	})
	return ret
}

// Intersect returns the physical intersection of the two maps; the
// result carries m's logical mapping.
func (m *ExtentMap) Intersect(other *ExtentMap) *ExtentMap {
	ret := new(ExtentMap)
	m.Range(func(a Extent) bool {
		other.inner.Subrange(
			func(b Extent) int { return a.compareRange(b) },
			func(node *containers.RBNode[Extent]) bool {
				b := node.Value
				beg := slices.Max(a.Physical, b.Physical)
				end := slices.Min(a.EndPhysical(), b.EndPhysical())
				if beg < end {
					ret.Insert(Extent{
						Physical: beg,
						Logical:  a.Logical.Add(beg.Sub(a.Physical)),
						Size:     end.Sub(beg),
					})
				}
				return true
			})
		return true
	})
	return ret
}

// Complement0LogicalShift returns the complement of the extents'
// logical coverage over [0, totalLen), converted to block units
// (>>k).  Each returned hole is an identity extent (logical ==
// physical), so the result unioned with the input tiles the whole
// range exactly once.
func Complement0LogicalShift(exts []Extent, k BlockSizeLog2, totalLen int64) *ExtentMap {
	byLogical := make([]Extent, len(exts))
	copy(byLogical, exts)
	sort.Slice(byLogical, func(i, j int) bool {
		return byLogical[i].Logical < byLogical[j].Logical
	})

	ret := new(ExtentMap)
	totalBlocks := LogicalAddr(totalLen >> k)
	pos := LogicalAddr(0)
	for _, ext := range byLogical {
		beg := ext.Logical >> k
		if pos < beg {
			ret.Insert(Extent{
				Physical: PhysicalAddr(pos),
				Logical:  pos,
				Size:     beg.Sub(pos),
			})
		}
		pos = beg.Add(ext.Size >> k)
	}
	if pos < totalBlocks {
		ret.Insert(Extent{
			Physical: PhysicalAddr(pos),
			Logical:  pos,
			Size:     totalBlocks.Sub(pos),
		})
	}
	return ret
}
