// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package remapexec replays a move plan against the device, one step
// at a time, persisting the progress marker after each step so that a
// crash at any point leaves a resumable job.
package remapexec

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/fsremap-ng/lib/containers"
	"git.lukeshu.com/fsremap-ng/lib/devio"
	"git.lukeshu.com/fsremap-ng/lib/remap"
	"git.lukeshu.com/fsremap-ng/lib/remap/remapplan"
	"git.lukeshu.com/fsremap-ng/lib/remap/remapsave"
	"git.lukeshu.com/fsremap-ng/lib/remap/remapstore"
	"git.lukeshu.com/fsremap-ng/lib/textui"
)

var chunkPool containers.SlicePool[byte]

// Executor owns one run of a plan.  There is no intra-job
// concurrency: step N+1 may read what step N wrote.
type Executor struct {
	Dev          devio.File[remap.PhysicalAddr]
	Window       *remapstore.Window
	Plan         remapplan.Plan
	ProgressPath string
}

// Run executes every step the progress marker says is still pending.
// Device writes become durable at the final Sync; storage-window
// writes become durable at each step's Msync.  On I/O error it halts
// without rollback: the persisted plan plus the progress marker are
// what resume needs.
func (x *Executor) Run(ctx context.Context) error {
	prog := remapsave.Progress{Completed: 0, Total: len(x.Plan.Steps)}
	if _, err := os.Stat(x.ProgressPath); err == nil {
		prog, err = remapsave.LoadProgressFile(x.ProgressPath)
		if err != nil {
			return err
		}
		if prog.Total != len(x.Plan.Steps) {
			return fmt.Errorf("progress marker says %d total steps, plan has %d",
				prog.Total, len(x.Plan.Steps))
		}
		if prog.Completed > 0 {
			dlog.Infof(ctx, "resuming: %d of %d steps already done", prog.Completed, prog.Total)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	progressWriter := textui.NewProgress[textui.Portion[int]](
		ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	defer progressWriter.Done()
	progressWriter.Set(textui.Portion[int]{N: prog.Completed, D: prog.Total})

	for i := prog.Completed; i < len(x.Plan.Steps); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := x.Plan.Steps[i]
		dlog.Debugf(ctx, "step %d: %v", i, step)
		if err := x.doStep(step); err != nil {
			return fmt.Errorf("step %d: %v: %w", i, step, err)
		}
		prog.Completed = i + 1
		if err := remapsave.SaveProgressFile(x.ProgressPath, prog); err != nil {
			return err
		}
		progressWriter.Set(textui.Portion[int]{N: prog.Completed, D: prog.Total})
	}

	if syncer, ok := x.Dev.(devio.Syncer); ok {
		if err := syncer.Sync(); err != nil {
			return fmt.Errorf("device sync: %w", err)
		}
	}
	return nil
}

func (x *Executor) doStep(step remapplan.Step) error {
	switch {
	case step.Src.Area == remapplan.AreaDevice && step.Dst.Area == remapplan.AreaDevice:
		return x.copyWithinDevice(step)
	case step.Src.Area == remapplan.AreaDevice && step.Dst.Area == remapplan.AreaStorage:
		win := x.Window.Bytes()
		if _, err := x.Dev.ReadAt(win[step.Dst.Addr:step.Dst.Addr+step.Size],
			remap.PhysicalAddr(step.Src.Addr)); err != nil {
			return err
		}
		return x.Window.Msync(remap.StorageAddr(step.Dst.Addr), step.Size)
	case step.Src.Area == remapplan.AreaStorage && step.Dst.Area == remapplan.AreaDevice:
		win := x.Window.Bytes()
		_, err := x.Dev.WriteAt(win[step.Src.Addr:step.Src.Addr+step.Size],
			remap.PhysicalAddr(step.Dst.Addr))
		return err
	default:
		return fmt.Errorf("storage-to-storage step is not a thing the planner emits")
	}
}

// copyWithinDevice does a positional read-then-write in chunks.  The
// planner guarantees the ranges do not overlap (the destination of a
// simple move is free space).
func (x *Executor) copyWithinDevice(step remapplan.Step) error {
	chunkSize := int64(textui.Tunable(1 << 20))
	if bs := int64(x.Plan.BlockSizeLog2.ByteSize()); chunkSize%bs != 0 {
		chunkSize = bs
	}
	buf := chunkPool.Get(int(chunkSize))
	defer chunkPool.Put(buf)
	for done := int64(0); done < step.Size; {
		chunk := chunkSize
		if step.Size-done < chunk {
			chunk = step.Size - done
		}
		if _, err := x.Dev.ReadAt(buf[:chunk], remap.PhysicalAddr(step.Src.Addr+done)); err != nil {
			return err
		}
		if _, err := x.Dev.WriteAt(buf[:chunk], remap.PhysicalAddr(step.Dst.Addr+done)); err != nil {
			return err
		}
		done += chunk
	}
	return nil
}
