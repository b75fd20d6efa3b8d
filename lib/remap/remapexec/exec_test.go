// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package remapexec_test

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
	"git.lukeshu.com/fsremap-ng/lib/remap/remapexec"
	"git.lukeshu.com/fsremap-ng/lib/remap/remapplan"
	"git.lukeshu.com/fsremap-ng/lib/remap/remapsave"
	"git.lukeshu.com/fsremap-ng/lib/remap/remapstore"
	"git.lukeshu.com/fsremap-ng/lib/textui"
)

const blk = 4096

func testContext(t *testing.T) context.Context {
	t.Helper()
	return dlog.WithLogger(context.Background(),
		textui.NewLogger(io.Discard, dlog.LogLevelError))
}

// fill gives every block a distinct repeating payload.
func fill(t *testing.T, fh *os.File, blocks int) {
	t.Helper()
	buf := make([]byte, blk)
	for b := 0; b < blocks; b++ {
		for i := range buf {
			buf[i] = byte(b)
		}
		_, err := fh.WriteAt(buf, int64(b)*blk)
		require.NoError(t, err)
	}
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

// swapFixture is the classic two-extent swap: loop blocks 0 and 1
// belong at each other's positions, staged through one block of
// storage.
func swapFixture(t *testing.T) (dev *devio.Device[remap.PhysicalAddr], fh *os.File, plan remapplan.Plan, loop []remap.Extent) {
	t.Helper()
	ctx := testContext(t)
	fh, err := os.CreateTemp(t.TempDir(), "device")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fh.Close() })
	fill(t, fh, 10)
	dev, err = devio.NewDevice[remap.PhysicalAddr](ctx, fh)
	require.NoError(t, err)

	loop = []remap.Extent{
		{Physical: 0, Logical: 1 * blk, Size: blk},
		{Physical: 1 * blk, Logical: 0, Size: blk},
	}
	plan, err = remapplan.New(ctx, remapplan.Request{
		LoopExtents:      loop,
		FreeExtents:      []remap.Extent{{Physical: 2 * blk, Logical: 2 * blk, Size: 8 * blk}},
		DeviceLength:     10 * blk,
		BlockSizeLog2:    12,
		RequestedStorage: blk,
	})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)
	return dev, fh, plan, loop
}

func TestExecutorSwap(t *testing.T) {
	ctx := testContext(t)
	dev, fh, plan, _ := swapFixture(t)
	jobDir := t.TempDir()

	win, err := remapstore.Create(ctx, dev, jobDir, plan.PrimaryStorage, plan.SecondaryLength)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, win.Close(ctx, true))
	}()

	exec := &remapexec.Executor{
		Dev:          devio.NewBufferedFile[remap.PhysicalAddr](dev, blk, 8),
		Window:       win,
		Plan:         plan,
		ProgressPath: filepath.Join(jobDir, remapsave.ProgressFile),
	}
	require.NoError(t, exec.Run(ctx))

	requireBlock(t, fh, 0, 1)
	requireBlock(t, fh, 1, 0)
	requireBlock(t, fh, 3, 3)

	prog, err := remapsave.LoadProgressFile(exec.ProgressPath)
	require.NoError(t, err)
	assert.Equal(t, remapsave.Progress{Completed: 3, Total: 3}, prog)

	// Running to completion and then running again performs zero
	// steps: the device must come out identical even though the
	// steps would be nonsense to replay.
	require.NoError(t, exec.Run(ctx))
	requireBlock(t, fh, 0, 1)
	requireBlock(t, fh, 1, 0)
}

// Kill-after-first-step: execute only step 0, persist its progress,
// then hand everything to a fresh executor the way resume would.
func TestExecutorResume(t *testing.T) {
	ctx := testContext(t)
	dev, fh, plan, _ := swapFixture(t)
	jobDir := t.TempDir()
	progressPath := filepath.Join(jobDir, remapsave.ProgressFile)

	win, err := remapstore.Create(ctx, dev, jobDir, plan.PrimaryStorage, plan.SecondaryLength)
	require.NoError(t, err)

	firstStep := plan
	firstStep.Steps = plan.Steps[:1]
	exec := &remapexec.Executor{
		Dev:          devio.NewBufferedFile[remap.PhysicalAddr](dev, blk, 8),
		Window:       win,
		Plan:         firstStep,
		ProgressPath: progressPath,
	}
	require.NoError(t, exec.Run(ctx))
	require.NoError(t, remapsave.SaveProgressFile(progressPath, remapsave.Progress{Completed: 1, Total: 3}))
	// the crash: the window goes away, the scratch file stays
	require.NoError(t, win.Close(ctx, false))

	win2, err := remapstore.Create(ctx, dev, jobDir, plan.PrimaryStorage, plan.SecondaryLength)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, win2.Close(ctx, true))
	}()
	exec2 := &remapexec.Executor{
		Dev:          devio.NewBufferedFile[remap.PhysicalAddr](dev, blk, 8),
		Window:       win2,
		Plan:         plan,
		ProgressPath: progressPath,
	}
	require.NoError(t, exec2.Run(ctx))

	requireBlock(t, fh, 0, 1)
	requireBlock(t, fh, 1, 0)
	prog, err := remapsave.LoadProgressFile(progressPath)
	require.NoError(t, err)
	assert.Equal(t, remapsave.Progress{Completed: 3, Total: 3}, prog)
}

func TestExecutorStaleProgress(t *testing.T) {
	ctx := testContext(t)
	dev, _, plan, _ := swapFixture(t)
	jobDir := t.TempDir()
	progressPath := filepath.Join(jobDir, remapsave.ProgressFile)
	require.NoError(t, remapsave.SaveProgressFile(progressPath, remapsave.Progress{Completed: 1, Total: 99}))

	exec := &remapexec.Executor{
		Dev:          dev,
		Plan:         plan,
		ProgressPath: progressPath,
	}
	assert.Error(t, exec.Run(ctx))
}
