// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package devio_test

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/fsremap-ng/lib/devio"
	"git.lukeshu.com/fsremap-ng/lib/textui"
)

func TestDeviceBounds(t *testing.T) {
	t.Parallel()
	ctx := dlog.WithLogger(context.Background(),
		textui.NewLogger(io.Discard, dlog.LogLevelError))

	fh, err := os.CreateTemp(t.TempDir(), "device")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fh.Close() })
	require.NoError(t, fh.Truncate(1000))

	dev, err := devio.NewDevice[int64](ctx, fh)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), dev.Size())

	buf := make([]byte, 100)
	_, err = dev.ReadAt(buf, 900)
	assert.NoError(t, err)
	_, err = dev.ReadAt(buf, 901)
	assert.Error(t, err, "read past device length")
	_, err = dev.WriteAt(buf, 950)
	assert.Error(t, err, "write past device length")
	_, err = dev.WriteAt(buf, -1)
	assert.Error(t, err, "negative offset")

	_, err = dev.WriteAt(buf, 900)
	assert.NoError(t, err)
	assert.NoError(t, dev.Sync())
}
