// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package devio_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/fsremap-ng/lib/devio"
)

func mkFile(t *testing.T, size int) *devio.OSFile[int64] {
	t.Helper()
	fh, err := os.CreateTemp(t.TempDir(), "blockbuf")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fh.Close() })
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	_, err = fh.WriteAt(buf, 0)
	require.NoError(t, err)
	return &devio.OSFile[int64]{File: fh}
}

func TestBufferedFileRead(t *testing.T) {
	t.Parallel()
	bf := devio.NewBufferedFile[int64](mkFile(t, 4096), 512, 4)

	got := make([]byte, 100)
	_, err := bf.ReadAt(got, 0)
	require.NoError(t, err)
	for i := range got {
		assert.Equal(t, byte(i%251), got[i])
	}

	// an unaligned read spanning several cache blocks
	got = make([]byte, 1500)
	_, err = bf.ReadAt(got, 300)
	require.NoError(t, err)
	for i := range got {
		require.Equal(t, byte((i+300)%251), got[i])
	}
}

func TestBufferedFileWriteThrough(t *testing.T) {
	t.Parallel()
	inner := mkFile(t, 4096)
	bf := devio.NewBufferedFile[int64](inner, 512, 4)

	// warm the cache, then write through it
	warm := make([]byte, 512)
	_, err := bf.ReadAt(warm, 0)
	require.NoError(t, err)

	payload := []byte("hello, cache")
	_, err = bf.WriteAt(payload, 100)
	require.NoError(t, err)

	// the inner file saw the write immediately
	got := make([]byte, len(payload))
	_, err = inner.ReadAt(got, 100)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// and the cache does not serve the stale bytes
	got = make([]byte, len(payload))
	_, err = bf.ReadAt(got, 100)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
