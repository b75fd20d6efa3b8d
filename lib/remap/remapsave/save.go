// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package remapsave implements the on-disk state of a remap job: the
// text extent save-files that make an interrupted run resumable, the
// progress marker, and the JSON plan/job documents.
package remapsave

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"git.lukeshu.com/fsremap-ng/lib/remap"
)

// File names within a job directory.
const (
	LoopFileExtents         = "loop-file.extents"
	FreeSpaceExtents        = "free-space.extents"
	PrimaryStorageExtents   = "primary-storage.extents"
	SecondaryStorageExtents = "secondary-storage.extents"
	PlanFile                = "plan.json"
	JobFile                 = "job.json"
	ProgressFile            = "progress"
	StorageFile             = ".storage"
	LockFile                = "lock"
)

// SaveExtents writes extents in the save-file format: one extent per
// line, `<physical> <logical> <length>`, unsigned decimal.
func SaveExtents(w io.Writer, exts []remap.Extent) error {
	buf := bufio.NewWriter(w)
	for _, ext := range exts {
		fmt.Fprintf(buf, "%d %d %d\n",
			uint64(ext.Physical), uint64(ext.Logical), uint64(ext.Size))
	}
	return buf.Flush()
}

func SaveExtentsFile(path string, exts []remap.Extent) (err error) {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if _err := fh.Close(); err == nil && _err != nil {
			err = _err
		}
	}()
	if err := SaveExtents(fh, exts); err != nil {
		return fmt.Errorf("save extents %q: %w", path, err)
	}
	return fh.Sync()
}

// LoadExtents reads a save-file, verifying that physical addresses
// are monotonically non-decreasing, and ORs every endpoint into
// bitmask (if non-nil).  Trailing whitespace and blank lines are
// tolerated.
func LoadExtents(r io.Reader, bitmask *remap.BlockBitmask) ([]remap.Extent, error) {
	var ret []remap.Extent
	var prev remap.PhysicalAddr
	scanner := bufio.NewScanner(r)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: expected 3 fields, got %d", lineno, len(fields))
		}
		var nums [3]uint64
		for i, field := range fields {
			num, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineno, err)
			}
			nums[i] = num
		}
		ext := remap.Extent{
			Physical: remap.PhysicalAddr(nums[0]),
			Logical:  remap.LogicalAddr(nums[1]),
			Size:     remap.AddrDelta(nums[2]),
		}
		if ext.Physical < prev {
			return nil, fmt.Errorf("line %d: physical addresses are not monotonic: %v < %v",
				lineno, ext.Physical, prev)
		}
		prev = ext.Physical
		if bitmask != nil {
			bitmask.AccumulateExtent(ext)
		}
		ret = append(ret, ext)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func LoadExtentsFile(path string, bitmask *remap.BlockBitmask) ([]remap.Extent, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = fh.Close()
	}()
	ret, err := LoadExtents(fh, bitmask)
	if err != nil {
		return nil, fmt.Errorf("load extents %q: %w", path, err)
	}
	return ret, nil
}

// Progress is the executor's persisted position within the plan.
type Progress struct {
	Completed int
	Total     int
}

func SaveProgressFile(path string, p Progress) (err error) {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if _err := fh.Close(); err == nil && _err != nil {
			err = _err
		}
	}()
	if _, err := fmt.Fprintf(fh, "%d %d\n", p.Completed, p.Total); err != nil {
		return fmt.Errorf("save progress %q: %w", path, err)
	}
	return fh.Sync()
}

func LoadProgressFile(path string) (Progress, error) {
	dat, err := os.ReadFile(path)
	if err != nil {
		return Progress{}, err
	}
	var p Progress
	if _, err := fmt.Sscanf(strings.TrimSpace(string(dat)), "%d %d", &p.Completed, &p.Total); err != nil {
		return Progress{}, fmt.Errorf("load progress %q: %w", path, err)
	}
	if p.Completed < 0 || p.Total < 0 || p.Completed > p.Total {
		return Progress{}, fmt.Errorf("load progress %q: nonsense step counts %d/%d",
			path, p.Completed, p.Total)
	}
	return p, nil
}
