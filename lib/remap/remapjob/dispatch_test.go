// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package remapjob_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/fsremap-ng/lib/devio"
	"git.lukeshu.com/fsremap-ng/lib/remap"
	"git.lukeshu.com/fsremap-ng/lib/remap/remapjob"
	"git.lukeshu.com/fsremap-ng/lib/remap/remapsave"
	"git.lukeshu.com/fsremap-ng/lib/textui"
)

const blk = 4096

func testContext(t *testing.T) context.Context {
	t.Helper()
	return dlog.WithLogger(context.Background(),
		textui.NewLogger(io.Discard, dlog.LogLevelError))
}

type syntheticSource struct {
	loop, free []remap.Extent
	calls      int
}

func (src *syntheticSource) ReadExtents(context.Context) (loop, free []remap.Extent, bitmask remap.BlockBitmask, err error) {
	src.calls++
	for _, ext := range src.loop {
		bitmask.AccumulateExtent(ext)
	}
	for _, ext := range src.free {
		bitmask.AccumulateExtent(ext)
	}
	return src.loop, src.free, bitmask, nil
}

func mkDevice(t *testing.T, blocks int) (*devio.Device[remap.PhysicalAddr], *os.File) {
	t.Helper()
	fh, err := os.CreateTemp(t.TempDir(), "device")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fh.Close() })
	buf := make([]byte, blk)
	for b := 0; b < blocks; b++ {
		for i := range buf {
			buf[i] = byte(b)
		}
		_, err := fh.WriteAt(buf, int64(b)*blk)
		require.NoError(t, err)
	}
	dev, err := devio.NewDevice[remap.PhysicalAddr](testContext(t), fh)
	require.NoError(t, err)
	return dev, fh
}

func requireBlock(t *testing.T, fh *os.File, blockIdx int, payload byte) {
	t.Helper()
	buf := make([]byte, blk)
	_, err := fh.ReadAt(buf, int64(blockIdx)*blk)
	require.NoError(t, err)
	for i := range buf {
		require.Equalf(t, payload, buf[i], "block %d byte %d", blockIdx, i)
	}
}

func TestJobLifecycle(t *testing.T) {
	ctx := testContext(t)
	root := filepath.Join(t.TempDir(), ".fstransform")

	job1, err := remapjob.Create(ctx, root, remapjob.Meta{DevicePath: "/dev/x"})
	require.NoError(t, err)
	job2, err := remapjob.Create(ctx, root, remapjob.Meta{DevicePath: "/dev/y"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "job.1"), job1.Dir)
	assert.Equal(t, filepath.Join(root, "job.2"), job2.Dir)

	// the lock keeps a second process out
	_, err = remapjob.Open(ctx, job1.Dir)
	assert.Error(t, err)

	require.NoError(t, job1.Close())
	reopened, err := remapjob.Open(ctx, job1.Dir)
	require.NoError(t, err)
	assert.Equal(t, "/dev/x", reopened.Meta.DevicePath)
	require.NoError(t, reopened.Close())
	require.NoError(t, job2.Close())
}

func TestDispatchEndToEnd(t *testing.T) {
	ctx := testContext(t)
	dev, fh := mkDevice(t, 10)
	root := filepath.Join(t.TempDir(), ".fstransform")

	src := &syntheticSource{
		loop: []remap.Extent{
			{Physical: 0, Logical: 1 * blk, Size: blk},
			{Physical: 1 * blk, Logical: 0, Size: blk},
		},
		free: []remap.Extent{{Physical: 2 * blk, Logical: 2 * blk, Size: 8 * blk}},
	}

	job, err := remapjob.Create(ctx, root, remapjob.Meta{RequestedStorage: blk})
	require.NoError(t, err)
	require.NoError(t, remapjob.Run(ctx, job, dev, src))
	require.NoError(t, job.Close())

	requireBlock(t, fh, 0, 1)
	requireBlock(t, fh, 1, 0)
	assert.Equal(t, 1, src.calls)

	// every artifact the persistence contract names
	for _, name := range []string{
		remapsave.LoopFileExtents,
		remapsave.FreeSpaceExtents,
		remapsave.PrimaryStorageExtents,
		remapsave.SecondaryStorageExtents,
		remapsave.PlanFile,
		remapsave.ProgressFile,
	} {
		_, err := os.Stat(job.Path(name))
		assert.NoErrorf(t, err, "artifact %q", name)
	}
	prog, err := remapsave.LoadProgressFile(job.Path(remapsave.ProgressFile))
	require.NoError(t, err)
	assert.Equal(t, remapsave.Progress{Completed: 3, Total: 3}, prog)

	// Idempotent resume: a second full run consumes the persisted
	// artifacts, performs zero steps, and changes nothing.
	job, err = remapjob.Open(ctx, job.Dir)
	require.NoError(t, err)
	require.NoError(t, remapjob.Run(ctx, job, dev, src))
	require.NoError(t, job.Close())
	assert.Equal(t, 1, src.calls, "extent source must not be re-queried on resume")
	requireBlock(t, fh, 0, 1)
	requireBlock(t, fh, 1, 0)
}

func TestDispatchEmptyDevice(t *testing.T) {
	ctx := testContext(t)
	fh, err := os.CreateTemp(t.TempDir(), "device")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fh.Close() })
	dev, err := devio.NewDevice[remap.PhysicalAddr](ctx, fh)
	require.NoError(t, err)

	job, err := remapjob.Create(ctx, filepath.Join(t.TempDir(), ".fstransform"), remapjob.Meta{})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, job.Close())
	}()
	require.NoError(t, remapjob.Run(ctx, job, dev, &syntheticSource{}))
}
