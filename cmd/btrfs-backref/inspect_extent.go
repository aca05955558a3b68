// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-backref/lib/btrfsutil"
	"git.lukeshu.com/btrfs-backref/lib/textui"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "extent LOGICAL_ADDR",
			Short: "Show the extent record covering a logical address",
			Long: "" +
				"The address may point anywhere within the extent, not " +
				"just at its start.",
			Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(fs *openFS, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			addr, err := parseLogicalAddr(args[0])
			if err != nil {
				return err
			}
			item, err := btrfsutil.ExtentFromLogical(ctx, fs.TreeOperatorImpl, addr)
			if err != nil {
				return err
			}
			defer item.Body.Free()

			spew := spew.NewDefaultConfig()
			spew.DisablePointerAddresses = true

			textui.Fprintf(os.Stdout, "%v = ", item.Key)
			spew.Dump(item.Body)

			return nil
		},
	})
}
