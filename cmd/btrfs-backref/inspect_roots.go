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
			Use:   "roots EXTENT_ADDR",
			Short: "List the IDs of the trees that own an extent",
			Long: "" +
				"This resolves an extent's back-references all the way up: " +
				"every chain of references is followed until it ends at a " +
				"tree root, and the owning tree IDs are printed as a JSON " +
				"array.  Extents shared between subvolumes or snapshots " +
				"report every owner.",
			Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(fs *openFS, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			addr, err := parseLogicalAddr(args[0])
			if err != nil {
				return err
			}
			roots, err := btrfsutil.FindAllRoots(ctx, fs.TreeOperatorImpl, addr)
			if err != nil {
				return err
			}

			return writeJSONFile(os.Stdout, roots, lowmemjson.ReEncoderConfig{
				Indent:                "\t",
				ForceTrailingNewlines: true,
			})
		},
	})
}
