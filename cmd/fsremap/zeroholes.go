// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/fsremap-ng/lib/devio"
	"git.lukeshu.com/fsremap-ng/lib/remap"
	"git.lukeshu.com/fsremap-ng/lib/remap/remapsave"
	"git.lukeshu.com/fsremap-ng/lib/textui"
)

func init() {
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "zero-holes DEVICE SAVE-FILE",
			Short: "Write zeros to every block the loop-file's extents (from a save-file) do not cover",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		},
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			maybeSetErr := func(_err error) {
				if _err != nil && err == nil {
					err = _err
				}
			}

			dev, err := devio.OpenDevice[remap.PhysicalAddr](ctx, args[0])
			if err != nil {
				return err
			}
			defer func() {
				maybeSetErr(dev.Close())
			}()

			var bitmask remap.BlockBitmask
			bitmask.Accumulate(int64(dev.Size()))
			loopExtents, err := remapsave.LoadExtentsFile(args[1], &bitmask)
			if err != nil {
				return err
			}
			blockSizeLog2, ok := bitmask.Log2()
			if !ok {
				dlog.Infof(ctx, "device is empty; nothing to zero")
				return nil
			}

			holes := remap.Complement0LogicalShift(loopExtents, blockSizeLog2, int64(dev.Size()))
			dlog.Infof(ctx, "%d holes, %v to zero",
				holes.Len(), textui.IEC(int64(holes.TotalSize())<<blockSizeLog2, "B"))

			zeroBuf := make([]byte, textui.Tunable(1<<20))
			var zeroed int64
			holes.Range(func(hole remap.Extent) bool {
				offset := int64(hole.Physical) << blockSizeLog2
				left := int64(hole.Size) << blockSizeLog2
				for left > 0 {
					chunk := int64(len(zeroBuf))
					if left < chunk {
						chunk = left
					}
					if _, err = dev.WriteAt(zeroBuf[:chunk], remap.PhysicalAddr(offset)); err != nil {
						return false
					}
					offset += chunk
					left -= chunk
					zeroed += chunk
				}
				return true
			})
			if err != nil {
				return err
			}
			if err := dev.Sync(); err != nil {
				return err
			}
			dlog.Infof(ctx, "zeroed %v", textui.IEC(zeroed, "B"))
			return nil
		},
	}
	subcommands = append(subcommands, cmd)
}
