// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/fsremap-ng/lib/devio"
	"git.lukeshu.com/fsremap-ng/lib/remap"
	"git.lukeshu.com/fsremap-ng/lib/remap/remapjob"
)

func init() {
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "resume JOB_DIR",
			Short: "Pick an interrupted job back up where its persisted state left off",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			maybeSetErr := func(_err error) {
				if _err != nil && err == nil {
					err = _err
				}
			}

			job, err := remapjob.Open(ctx, args[0])
			if err != nil {
				return err
			}
			defer func() {
				maybeSetErr(job.Close())
			}()

			dev, err := devio.OpenDevice[remap.PhysicalAddr](ctx, job.Meta.DevicePath)
			if err != nil {
				return err
			}
			defer func() {
				maybeSetErr(dev.Close())
			}()
			if err := checkOnDevice(dev, job.Meta.LoopFilePath, job.Meta.ZeroFilePath); err != nil {
				return err
			}

			return remapjob.Run(ctx, job, dev, &remapjob.PosixSource{
				LoopPath: job.Meta.LoopFilePath,
				ZeroPath: job.Meta.ZeroFilePath,
			})
		},
	}
	subcommands = append(subcommands, cmd)
}
