// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package remapplan computes the ordered sequence of block copies
// that relocates every loop-file extent to its logical position,
// staging conflicting extents through a bounded storage area.
package remapplan

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/fsremap-ng/lib/remap"
	"git.lukeshu.com/fsremap-ng/lib/slices"
	"git.lukeshu.com/fsremap-ng/lib/textui"
)

// Area says which address space a step offset refers to.
type Area int8

const (
	AreaDevice Area = iota
	AreaStorage
)

func (a Area) String() string {
	switch a {
	case AreaDevice:
		return "device"
	case AreaStorage:
		return "storage"
	default:
		return fmt.Sprintf("Area(%d)", int8(a))
	}
}

// Location is one endpoint of a copy: a byte (or block) offset within
// either the device or the storage window.
type Location struct {
	Area Area
	Addr int64
}

func (l Location) String() string {
	return fmt.Sprintf("%v@%#x", l.Area, l.Addr)
}

// Step is one copy operation.  Steps are only meaningful executed in
// order: later steps read data that earlier steps put in place.
type Step struct {
	Src  Location
	Dst  Location
	Size int64
}

func (s Step) String() string {
	return fmt.Sprintf("copy %v -> %v size=%#x", s.Src, s.Dst, s.Size)
}

// Plan is the persisted output of the planner.  All quantities are in
// byte units.
type Plan struct {
	BlockSizeLog2 remap.BlockSizeLog2
	DeviceLength  int64

	// PrimaryStorage are the free-space extents repurposed as
	// staging area; Physical is the device offset and Logical is
	// the extent's offset within the storage window.
	PrimaryStorage []remap.Extent
	// SecondaryLength is the scratch-file requirement; the
	// scratch file occupies the window after the primary extents.
	SecondaryLength int64

	Steps []Step
}

// StorageLength returns the total storage-window size in bytes.
func (p Plan) StorageLength() int64 {
	var primary int64
	for _, ext := range p.PrimaryStorage {
		primary += int64(ext.Size)
	}
	return primary + p.SecondaryLength
}

// Request carries the planner inputs; all in byte units.
type Request struct {
	LoopExtents      []remap.Extent
	FreeExtents      []remap.Extent
	DeviceLength     int64
	BlockSizeLog2    remap.BlockSizeLog2
	RequestedStorage int64
}

// pendingMove is a loop extent that has not reached its logical
// position yet.  src tracks where its bytes currently live (device,
// or the storage window once staged); dst/size are in block units.
type pendingMove struct {
	src  Location
	dst  remap.LogicalAddr
	size remap.AddrDelta
}

// New produces the move plan.  It fails with
// remap.ErrInsufficientStorage if it stalls: no pending extent's
// destination is free and there is no storage left to stage into.
func New(ctx context.Context, req Request) (Plan, error) {
	k := req.BlockSizeLog2
	if err := remap.CheckAllAligned(req.LoopExtents, k); err != nil {
		return Plan{}, err
	}
	if err := remap.CheckAllAligned(req.FreeExtents, k); err != nil {
		return Plan{}, err
	}
	if req.DeviceLength&(int64(k.ByteSize())-1) != 0 {
		return Plan{}, fmt.Errorf("device length %v with block size 2^%d: %w",
			req.DeviceLength, k, remap.ErrMisalignment)
	}
	if req.RequestedStorage < 0 {
		return Plan{}, fmt.Errorf("requested storage %v: %w",
			req.RequestedStorage, remap.ErrOverflow)
	}

	devBlocks := remap.PhysicalAddr(req.DeviceLength >> k)
	loop := remap.ShiftExtentsRight(req.LoopExtents, k)
	free := remap.ShiftExtentsRight(req.FreeExtents, k)

	loopMap, err := buildDisjoint("loop-file", loop, devBlocks)
	if err != nil {
		return Plan{}, err
	}
	freeMap, err := buildDisjoint("free-space", free, devBlocks)
	if err != nil {
		return Plan{}, err
	}
	if inter := loopMap.Intersect(freeMap); inter.Len() > 0 {
		return Plan{}, fmt.Errorf("free-space extents overlap loop-file extents at %v",
			inter.Extents()[0])
	}

	// Partition: extents already in place need no work; extents
	// whose destination overlaps loop data must be staged through
	// storage; the rest are simple moves.
	var pending []pendingMove
	var demand remap.AddrDelta
	for _, ext := range loop {
		if ext.Logical < 0 || remap.PhysicalAddr(ext.EndLogical()) > devBlocks {
			return Plan{}, fmt.Errorf("loop-file extent %v has its destination outside device [0,%v)",
				ext, devBlocks)
		}
		if int64(ext.Physical) == int64(ext.Logical) {
			continue
		}
		pending = append(pending, pendingMove{
			src:  Location{Area: AreaDevice, Addr: int64(ext.Physical)},
			dst:  ext.Logical,
			size: ext.Size,
		})
		if loopMap.OverlapsRange(remap.PhysicalAddr(ext.Logical), ext.Size) {
			demand += ext.Size
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].dst < pending[j].dst })

	budget := slices.Min(remap.AddrDelta(req.RequestedStorage>>k), demand)

	// Primary storage gets mmapped, so its extents must start and
	// end on page boundaries; blocks smaller than a page push the
	// un-packable remainder of the budget into the scratch file.
	alignBlocks := remap.AddrDelta(1)
	if pageSize := int64(os.Getpagesize()); pageSize > int64(k.ByteSize()) {
		alignBlocks = remap.AddrDelta(pageSize >> k)
	}

	primary := choosePrimary(freeMap, loopMap, budget, alignBlocks)
	var primaryTotal remap.AddrDelta
	for i := range primary {
		// Window offsets are assigned in physical order.
		primary[i].Logical = remap.LogicalAddr(primaryTotal)
		primaryTotal += primary[i].Size
	}
	secondary := budget - primaryTotal

	dlog.Infof(ctx, "storage: %v blocks demanded, %v budgeted: %v primary + %v secondary",
		textui.Humanized(int64(demand)), textui.Humanized(int64(budget)),
		textui.Humanized(int64(primaryTotal)), textui.Humanized(int64(secondary)))

	// The working free set: free space minus the storage area.
	workFree := new(remap.ExtentMap)
	freeMap.Range(func(ext remap.Extent) bool {
		workFree.Insert(ext)
		return true
	})
	for _, ext := range primary {
		workFree.RemoveRange(ext.Physical, ext.Size)
	}
	storageFree := new(remap.ExtentMap)
	if budget > 0 {
		storageFree.Insert(remap.Extent{Physical: 0, Logical: 0, Size: budget})
	}

	var steps []Step
	for len(pending) > 0 {
		if i := bestPlaceable(pending, workFree, storageFree); i >= 0 {
			mv := pending[i]
			steps = append(steps, Step{
				Src:  mv.src,
				Dst:  Location{Area: AreaDevice, Addr: int64(mv.dst)},
				Size: int64(mv.size),
			})
			workFree.RemoveRange(remap.PhysicalAddr(mv.dst), mv.size)
			release(mv, workFree, storageFree)
			pending = append(pending[:i], pending[i+1:]...)
			continue
		}

		// No destination is free; stage the lowest-logical
		// device-resident extent into storage to open space.
		i := -1
		for j, mv := range pending {
			if mv.src.Area == AreaDevice && (i < 0 || mv.dst < pending[i].dst) {
				i = j
			}
		}
		if i < 0 || storageFree.Len() == 0 {
			return Plan{}, fmt.Errorf("%v extents pending, %v storage blocks free: %w",
				len(pending), int64(storageFree.TotalSize()), remap.ErrInsufficientStorage)
		}
		mv := pending[i]
		hole := storageFree.Extents()[0]
		stageSize := slices.Min(mv.size, hole.Size)
		steps = append(steps, Step{
			Src:  mv.src,
			Dst:  Location{Area: AreaStorage, Addr: int64(hole.Physical)},
			Size: int64(stageSize),
		})
		storageFree.RemoveRange(hole.Physical, stageSize)
		workFree.Insert(identity(remap.PhysicalAddr(mv.src.Addr), stageSize))
		staged := pendingMove{
			src:  Location{Area: AreaStorage, Addr: int64(hole.Physical)},
			dst:  mv.dst,
			size: stageSize,
		}
		if stageSize < mv.size {
			pending[i].src.Addr += int64(stageSize)
			pending[i].dst = pending[i].dst.Add(stageSize)
			pending[i].size -= stageSize
			pending = append(pending, staged)
		} else {
			pending[i] = staged
		}
	}

	dlog.Infof(ctx, "plan: %v steps", len(steps))

	return Plan{
		BlockSizeLog2:   k,
		DeviceLength:    req.DeviceLength,
		PrimaryStorage:  remap.ShiftExtentsLeft(primary, k),
		SecondaryLength: int64(secondary) << k,
		Steps:           shiftSteps(steps, k),
	}, nil
}

func identity(addr remap.PhysicalAddr, size remap.AddrDelta) remap.Extent {
	return remap.Extent{Physical: addr, Logical: remap.LogicalAddr(addr), Size: size}
}

func shiftSteps(steps []Step, k remap.BlockSizeLog2) []Step {
	ret := make([]Step, len(steps))
	for i, s := range steps {
		ret[i] = Step{
			Src:  Location{Area: s.Src.Area, Addr: s.Src.Addr << k},
			Dst:  Location{Area: s.Dst.Area, Addr: s.Dst.Addr << k},
			Size: s.Size << k,
		}
	}
	return ret
}

func buildDisjoint(what string, exts []remap.Extent, devBlocks remap.PhysicalAddr) (*remap.ExtentMap, error) {
	m := new(remap.ExtentMap)
	for _, ext := range exts {
		if ext.Size < 0 || ext.Physical < 0 || ext.EndPhysical() > devBlocks {
			return nil, fmt.Errorf("%s extent %v outside device [0,%v)", what, ext, devBlocks)
		}
		if m.OverlapsRange(ext.Physical, ext.Size) {
			return nil, fmt.Errorf("%s extent %v overlaps another %s extent", what, ext, what)
		}
		m.Insert(ext)
	}
	return m, nil
}

// bestPlaceable returns the index of the pending move to emit next:
// any move whose destination is entirely free, preferring the one
// whose source release creates the largest contiguous free region,
// breaking ties by lowest destination.  Returns -1 if none qualify.
func bestPlaceable(pending []pendingMove, workFree, storageFree *remap.ExtentMap) int {
	best := -1
	var bestScore remap.AddrDelta
	for i, mv := range pending {
		if !workFree.ContainsRange(remap.PhysicalAddr(mv.dst), mv.size) {
			continue
		}
		var score remap.AddrDelta
		switch mv.src.Area {
		case AreaDevice:
			score = coalescedSize(workFree, remap.PhysicalAddr(mv.src.Addr), mv.size)
		case AreaStorage:
			score = coalescedSize(storageFree, remap.PhysicalAddr(mv.src.Addr), mv.size)
		}
		if best < 0 || score > bestScore ||
			(score == bestScore && mv.dst < pending[best].dst) {
			best = i
			bestScore = score
		}
	}
	return best
}

// coalescedSize returns how large the contiguous free region around
// [addr, addr+size) would be after inserting it into m.
func coalescedSize(m *remap.ExtentMap, addr remap.PhysicalAddr, size remap.AddrDelta) remap.AddrDelta {
	ret := size
	if left, ok := m.LookupContains(addr - 1); ok && left.EndPhysical() == addr {
		ret += left.Size
	}
	if right, ok := m.LookupContains(addr.Add(size)); ok && right.Physical == addr.Add(size) {
		ret += right.Size
	}
	return ret
}

func release(mv pendingMove, workFree, storageFree *remap.ExtentMap) {
	switch mv.src.Area {
	case AreaDevice:
		workFree.Insert(identity(remap.PhysicalAddr(mv.src.Addr), mv.size))
	case AreaStorage:
		storageFree.Insert(identity(remap.PhysicalAddr(mv.src.Addr), mv.size))
	}
}

// choosePrimary picks free extents to repurpose as primary storage:
// largest first (ties by lowest physical), up to the block budget,
// trimming the final pick to fit.  Free space that overlaps a
// loop-file destination range is not eligible: the window outlives
// every step, so it must never be written through positional device
// I/O.  Extents are trimmed to alignBlocks boundaries so every
// window segment starts page-aligned.
func choosePrimary(freeMap, loopMap *remap.ExtentMap, budget, alignBlocks remap.AddrDelta) []remap.Extent {
	if budget < alignBlocks {
		return nil
	}

	targets := new(remap.ExtentMap)
	loopMap.Range(func(ext remap.Extent) bool {
		targets.Insert(identity(remap.PhysicalAddr(ext.Logical), ext.Size))
		return true
	})

	var candidates []remap.Extent
	freeMap.Range(func(ext remap.Extent) bool {
		for _, cand := range subtract(ext, targets) {
			beg := (cand.Physical + remap.PhysicalAddr(alignBlocks) - 1) / remap.PhysicalAddr(alignBlocks) * remap.PhysicalAddr(alignBlocks)
			end := cand.EndPhysical() / remap.PhysicalAddr(alignBlocks) * remap.PhysicalAddr(alignBlocks)
			if beg < end {
				candidates = append(candidates, remap.Extent{Physical: beg, Size: end.Sub(beg)})
			}
		}
		return true
	})
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Size != candidates[j].Size {
			return candidates[i].Size > candidates[j].Size
		}
		return candidates[i].Physical < candidates[j].Physical
	})

	var ret []remap.Extent
	for _, cand := range candidates {
		take := slices.Min(cand.Size, budget/alignBlocks*alignBlocks)
		if take < alignBlocks {
			break
		}
		ret = append(ret, remap.Extent{
			Physical: cand.Physical,
			Size:     take,
		})
		budget -= take
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Physical < ret[j].Physical })
	return ret
}

// subtract returns ext minus every range in m.
func subtract(ext remap.Extent, m *remap.ExtentMap) []remap.Extent {
	keep := remap.NewExtentMap(ext)
	m.Range(func(cut remap.Extent) bool {
		keep.RemoveRange(cut.Physical, cut.Size)
		return true
	})
	return keep.Extents()
}
