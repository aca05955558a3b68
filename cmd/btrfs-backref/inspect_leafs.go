// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-backref/lib/btrfsutil"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "leafs EXTENT_ADDR",
			Short: "List the blocks that directly reference an extent",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(fs *openFS, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			addr, err := parseLogicalAddr(args[0])
			if err != nil {
				return err
			}
			leafs, err := btrfsutil.FindAllLeafs(ctx, fs.TreeOperatorImpl, addr)
			if err != nil {
				return err
			}

			return writeJSONFile(os.Stdout, leafs, lowmemjson.ReEncoderConfig{
				Indent:                "\t",
				ForceTrailingNewlines: true,
			})
		},
	})
}
