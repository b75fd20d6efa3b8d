// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fsmove_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"git.lukeshu.com/fsremap-ng/lib/fsmove"
	"git.lukeshu.com/fsremap-ng/lib/textui"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	return dlog.WithLogger(context.Background(),
		textui.NewLogger(io.Discard, dlog.LogLevelError))
}

func TestMoveTree(t *testing.T) {
	ctx := testContext(t)
	srcRoot := filepath.Join(t.TempDir(), "src")
	dstRoot := filepath.Join(t.TempDir(), "dst")

	require.NoError(t, os.MkdirAll(filepath.Join(srcRoot, "sub"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "a.txt"), []byte("hello"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "sub", "b.txt"), []byte("world"), 0o600))
	require.NoError(t, unix.Mkfifo(filepath.Join(srcRoot, "fifo"), 0o600))

	require.NoError(t, fsmove.Move(ctx, srcRoot, dstRoot))

	_, err := os.Lstat(srcRoot)
	assert.True(t, os.IsNotExist(err), "source tree is gone")

	dat, err := os.ReadFile(filepath.Join(dstRoot, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), dat)
	dat, err = os.ReadFile(filepath.Join(dstRoot, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), dat)

	st, err := os.Lstat(filepath.Join(dstRoot, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), st.Mode().Perm())

	st, err = os.Lstat(filepath.Join(dstRoot, "fifo"))
	require.NoError(t, err)
	assert.Equal(t, os.ModeNamedPipe, st.Mode().Type())
}

// Regression test for the symlink argument order: the created link
// must point at what the original pointed at, not the other way
// around.
func TestMoveSymlink(t *testing.T) {
	ctx := testContext(t)
	srcRoot := filepath.Join(t.TempDir(), "src")
	dstRoot := filepath.Join(t.TempDir(), "dst")

	require.NoError(t, os.MkdirAll(srcRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "payload"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink("payload", filepath.Join(srcRoot, "link")))
	require.NoError(t, os.Symlink("/no/such/place", filepath.Join(srcRoot, "dangling")))

	require.NoError(t, fsmove.Move(ctx, srcRoot, dstRoot))

	target, err := os.Readlink(filepath.Join(dstRoot, "link"))
	require.NoError(t, err)
	assert.Equal(t, "payload", target)
	dat, err := os.ReadFile(filepath.Join(dstRoot, "link"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), dat)

	target, err = os.Readlink(filepath.Join(dstRoot, "dangling"))
	require.NoError(t, err)
	assert.Equal(t, "/no/such/place", target)
}

func TestMoveSparse(t *testing.T) {
	ctx := testContext(t)
	srcRoot := filepath.Join(t.TempDir(), "src")
	dstRoot := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, os.MkdirAll(srcRoot, 0o755))

	// a hole in the middle, data at both ends
	fh, err := os.Create(filepath.Join(srcRoot, "sparse"))
	require.NoError(t, err)
	_, err = fh.WriteAt([]byte("begin"), 0)
	require.NoError(t, err)
	_, err = fh.WriteAt([]byte("end"), 1<<20)
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	require.NoError(t, fsmove.Move(ctx, srcRoot, dstRoot))

	dat, err := os.ReadFile(filepath.Join(dstRoot, "sparse"))
	require.NoError(t, err)
	require.Len(t, dat, 1<<20+3)
	assert.Equal(t, []byte("begin"), dat[:5])
	assert.Equal(t, []byte("end"), dat[1<<20:])
	for _, b := range dat[5 : 1<<20] {
		if b != 0 {
			t.Fatal("hole is not zero")
		}
	}
}

// Same-filesystem moves take the rename fast path.
func TestMoveRename(t *testing.T) {
	ctx := testContext(t)
	dir := t.TempDir()
	srcRoot := filepath.Join(dir, "src")
	dstRoot := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(filepath.Join(srcRoot, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "sub", "f"), []byte("y"), 0o644))

	require.NoError(t, fsmove.Move(ctx, srcRoot, dstRoot))
	dat, err := os.ReadFile(filepath.Join(dstRoot, "sub", "f"))
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), dat)
}
