// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"
	"path/filepath"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/fsremap-ng/lib/remap/remapplan"
	"git.lukeshu.com/fsremap-ng/lib/remap/remapsave"
	"git.lukeshu.com/fsremap-ng/lib/textui"
)

func init() {
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "spew-plan JOB_DIR",
			Short: "Spew a job's persisted move plan, for debugging",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := remapsave.ReadJSONFile[remapplan.Plan](
				filepath.Join(args[0], remapsave.PlanFile))
			if err != nil {
				return err
			}

			spew := spew.NewDefaultConfig()
			spew.DisablePointerAddresses = true
			spew.Dump(plan)

			if prog, err := remapsave.LoadProgressFile(
				filepath.Join(args[0], remapsave.ProgressFile)); err == nil {
				textui.Fprintf(os.Stdout, "progress: %v\n",
					textui.Portion[int]{N: prog.Completed, D: prog.Total})
			}
			return nil
		},
	}
	subcommands = append(subcommands, cmd)
}
