// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"git.lukeshu.com/fsremap-ng/lib/devio"
	"git.lukeshu.com/fsremap-ng/lib/linux"
	"git.lukeshu.com/fsremap-ng/lib/remap"
	"git.lukeshu.com/fsremap-ng/lib/remap/remapjob"
)

func init() {
	var storageSize int64
	var jobRoot string
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "run DEVICE LOOP-FILE ZERO-FILE",
			Short: "Remap the loop-file's blocks so they occupy the device directly",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(3)),
		},
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			devPath, loopPath, zeroPath := args[0], args[1], args[2]

			maybeSetErr := func(_err error) {
				if _err != nil && err == nil {
					err = _err
				}
			}

			dev, err := devio.OpenDevice[remap.PhysicalAddr](ctx, devPath)
			if err != nil {
				return err
			}
			defer func() {
				maybeSetErr(dev.Close())
			}()
			if err := checkOnDevice(dev, loopPath, zeroPath); err != nil {
				return err
			}

			job, err := remapjob.Create(ctx, jobRoot, remapjob.Meta{
				DevicePath:       devPath,
				LoopFilePath:     loopPath,
				ZeroFilePath:     zeroPath,
				RequestedStorage: storageSize,
			})
			if err != nil {
				return err
			}
			defer func() {
				maybeSetErr(job.Close())
			}()

			return remapjob.Run(ctx, job, dev, &remapjob.PosixSource{
				LoopPath: loopPath,
				ZeroPath: zeroPath,
			})
		},
	}
	cmd.Command.Flags().Int64Var(&storageSize, "storage-size", 0,
		"maximum `bytes` of storage to stage conflicting extents through (0: no staging; moves must chain through free space)")
	cmd.Command.Flags().StringVar(&jobRoot, "job-root", remapjob.DefaultRoot,
		"`directory` to allocate job directories under")
	subcommands = append(subcommands, cmd)
}

// checkOnDevice verifies that the loop-file and the zero-file
// actually reside on the device being transformed.
func checkOnDevice(dev *devio.Device[remap.PhysicalAddr], paths ...string) error {
	var devSt unix.Stat_t
	if err := unix.Fstat(int(dev.Fd()), &devSt); err != nil {
		return fmt.Errorf("fstat %q: %w", dev.Name(), err)
	}
	if !isBlockDevice(linux.StatMode(devSt.Mode)) {
		// A regular file standing in for a device (tests);
		// nothing meaningful to compare against.
		return nil
	}
	for _, path := range paths {
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			return fmt.Errorf("stat %q: %w", path, err)
		}
		if st.Dev != devSt.Rdev {
			return fmt.Errorf("%q is on device %#x, but %q is device %#x",
				path, st.Dev, dev.Name(), devSt.Rdev)
		}
	}
	return nil
}

func isBlockDevice(mode linux.StatMode) bool {
	return mode.Fmt() == linux.ModeFmtBlockDevice
}
