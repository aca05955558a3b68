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
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-backref/lib/btrfsutil"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "inodes EXTENT_ADDR POSITION",
			Short: "Map a byte within a data extent back to file positions",
			Long: "" +
				"Given the address of a data extent and a byte position " +
				"within it, this prints each (root, inode, offset) triple " +
				"that the byte is visible at.  Only plain extents map " +
				"positions; compressed or encrypted extents report their " +
				"referencing inodes with no position.",
			Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		},
		RunE: func(fs *openFS, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			addr, err := parseLogicalAddr(args[0])
			if err != nil {
				return err
			}
			pos, err := strconv.ParseInt(args[1], 0, 64)
			if err != nil {
				return err
			}

			type inodeRef struct {
				Root   btrfsprim.ObjID
				Inode  btrfsprim.INum
				Offset int64
			}
			var refs []inodeRef
			if err := btrfsutil.IterateExtentInodes(ctx, fs.TreeOperatorImpl, addr, btrfsvol.AddrDelta(pos),
				func(inode btrfsprim.INum, offset int64, root btrfsprim.ObjID) error {
					refs = append(refs, inodeRef{Root: root, Inode: inode, Offset: offset})
					return nil
				},
			); err != nil {
				return err
			}

			return writeJSONFile(os.Stdout, refs, lowmemjson.ReEncoderConfig{
				Indent:                "\t",
				ForceTrailingNewlines: true,
			})
		},
	})
}
