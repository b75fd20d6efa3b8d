// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package remapjob

import (
	"context"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/fsremap-ng/lib/devio"
	"git.lukeshu.com/fsremap-ng/lib/remap"
	"git.lukeshu.com/fsremap-ng/lib/remap/remapexec"
	"git.lukeshu.com/fsremap-ng/lib/remap/remapplan"
	"git.lukeshu.com/fsremap-ng/lib/remap/remapsave"
	"git.lukeshu.com/fsremap-ng/lib/remap/remapstore"
	"git.lukeshu.com/fsremap-ng/lib/textui"
)

// ExtentSource produces the two extent lists for a job.  The core
// does not care how; the usual implementation queries
// filesystem-specific ioctls against the loop-file and the
// zero-file, and tests substitute synthetic lists.
type ExtentSource interface {
	// ReadExtents returns loop-file extents, free-space extents,
	// and the OR of every endpoint value, all in byte units.
	ReadExtents(ctx context.Context) (loop, free []remap.Extent, bitmask remap.BlockBitmask, err error)
}

// Run drives a job from whatever state its persisted artifacts are
// in through to completion:
//
//	acquire-extents -> plan -> build-storage -> execute -> finalize
//
// Extent acquisition and planning are skipped if their artifacts
// already exist, storage is rebuilt on every run, and execution picks
// up from the progress marker; that is all there is to resume.
func Run(ctx context.Context, job *Job, dev *devio.Device[remap.PhysicalAddr], src ExtentSource) (err error) {
	ctx = dlog.WithField(ctx, "fsremap.job", job.Dir)

	// acquire-extents
	stepCtx := dlog.WithField(ctx, "fsremap.step", "acquire-extents")
	var bitmask remap.BlockBitmask
	bitmask.Accumulate(int64(dev.Size()))
	var loop, free []remap.Extent
	if job.HasArtifact(remapsave.LoopFileExtents) && job.HasArtifact(remapsave.FreeSpaceExtents) {
		dlog.Infof(stepCtx, "using persisted extent lists")
		loop, err = remapsave.LoadExtentsFile(job.Path(remapsave.LoopFileExtents), &bitmask)
		if err != nil {
			return err
		}
		free, err = remapsave.LoadExtentsFile(job.Path(remapsave.FreeSpaceExtents), &bitmask)
		if err != nil {
			return err
		}
	} else {
		var srcMask remap.BlockBitmask
		loop, free, srcMask, err = src.ReadExtents(stepCtx)
		if err != nil {
			return err
		}
		bitmask |= srcMask
		if err := remapsave.SaveExtentsFile(job.Path(remapsave.LoopFileExtents), loop); err != nil {
			return err
		}
		if err := remapsave.SaveExtentsFile(job.Path(remapsave.FreeSpaceExtents), free); err != nil {
			return err
		}
	}
	blockSizeLog2, ok := bitmask.Log2()
	if !ok {
		dlog.Infof(stepCtx, "device is empty; nothing to do")
		return nil
	}
	dlog.Infof(stepCtx, "device length %v, %d loop-file extents, %d free-space extents, effective block size %v",
		textui.IEC(int64(dev.Size()), "B"), len(loop), len(free),
		textui.IEC(int64(blockSizeLog2.ByteSize()), "B"))

	// plan
	stepCtx = dlog.WithField(ctx, "fsremap.step", "plan")
	var plan remapplan.Plan
	if job.HasArtifact(remapsave.PlanFile) {
		plan, err = remapsave.ReadJSONFile[remapplan.Plan](job.Path(remapsave.PlanFile))
		if err != nil {
			return err
		}
		if plan.DeviceLength != int64(dev.Size()) || plan.BlockSizeLog2 != blockSizeLog2 {
			return fmt.Errorf("persisted plan is for device length %d / block size 2^%d, have %d / 2^%d",
				plan.DeviceLength, plan.BlockSizeLog2, int64(dev.Size()), blockSizeLog2)
		}
		dlog.Infof(stepCtx, "using persisted plan: %d steps", len(plan.Steps))
	} else {
		plan, err = remapplan.New(stepCtx, remapplan.Request{
			LoopExtents:      loop,
			FreeExtents:      free,
			DeviceLength:     int64(dev.Size()),
			BlockSizeLog2:    blockSizeLog2,
			RequestedStorage: job.Meta.RequestedStorage,
		})
		if err != nil {
			return err
		}
		if err := remapsave.SaveExtentsFile(job.Path(remapsave.PrimaryStorageExtents), plan.PrimaryStorage); err != nil {
			return err
		}
		var secondary []remap.Extent
		if plan.SecondaryLength > 0 {
			secondary = []remap.Extent{{Physical: 0, Logical: 0, Size: remap.AddrDelta(plan.SecondaryLength)}}
		}
		if err := remapsave.SaveExtentsFile(job.Path(remapsave.SecondaryStorageExtents), secondary); err != nil {
			return err
		}
		if err := remapsave.WriteJSONFile(job.Path(remapsave.PlanFile), plan); err != nil {
			return err
		}
		job.Meta.StorageSizeExact = true
		if err := job.SaveMeta(); err != nil {
			return err
		}
	}

	if len(plan.Steps) == 0 {
		dlog.Infof(ctx, "loop-file is already in place; nothing to move")
		return nil
	}

	// build-storage
	stepCtx = dlog.WithField(ctx, "fsremap.step", "build-storage")
	win, err := remapstore.Create(stepCtx, dev, job.Dir, plan.PrimaryStorage, plan.SecondaryLength)
	if err != nil {
		return err
	}
	clean := false
	defer func() {
		if _err := win.Close(ctx, clean); err == nil && _err != nil {
			err = _err
		}
	}()

	// execute
	stepCtx = dlog.WithField(ctx, "fsremap.step", "execute")
	exec := &remapexec.Executor{
		Dev:          devio.NewBufferedFile[remap.PhysicalAddr](dev, textui.Tunable[remap.PhysicalAddr](64*1024), textui.Tunable(64)),
		Window:       win,
		Plan:         plan,
		ProgressPath: job.Path(remapsave.ProgressFile),
	}
	start := time.Now()
	if err := exec.Run(stepCtx); err != nil {
		return err
	}

	// finalize
	clean = true
	dlog.Infof(ctx, "remap complete: %d steps in %v", len(plan.Steps), time.Since(start).Round(time.Millisecond))
	return nil
}
