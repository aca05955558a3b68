// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"
	"strconv"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-backref/lib/btrfsutil"
	"git.lukeshu.com/btrfs-backref/lib/textui"
)

func init() {
	var budgetFlag int
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "paths TREE_ID INODE",
			Short: "List every path to an inode within a tree",
			Long: "" +
				"Hard links give an inode multiple paths; this prints all " +
				"of them, relative to the tree's root directory.  Paths " +
				"that do not fit within the byte budget are counted " +
				"rather than printed, along with how many more bytes of " +
				"budget they would have needed.",
			Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		},
		RunE: func(fs *openFS, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			treeID, err := parseObjID(args[0])
			if err != nil {
				return err
			}
			inum, err := strconv.ParseUint(args[1], 0, 64)
			if err != nil {
				return err
			}

			tree, err := fs.RawTree(ctx, treeID)
			if err != nil {
				return err
			}
			ret, err := btrfsutil.PathsFromInode(ctx, tree, btrfsprim.INum(inum), budgetFlag)
			if err != nil {
				return err
			}

			return writeJSONFile(os.Stdout, ret, lowmemjson.ReEncoderConfig{
				Indent:                "\t",
				ForceTrailingNewlines: true,
			})
		},
	}
	cmd.Command.Flags().IntVar(&budgetFlag, "budget", textui.Tunable(4096),
		"how many bytes of path output to produce before truncating")
	inspectors = append(inspectors, cmd)
}
