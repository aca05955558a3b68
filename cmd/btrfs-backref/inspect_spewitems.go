// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-backref/lib/textui"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "spew-items TREE_ID",
			Short: "Spew all of a tree's items as parsed",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(fs *openFS, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			treeID, err := parseObjID(args[0])
			if err != nil {
				return err
			}

			spew := spew.NewDefaultConfig()
			spew.DisablePointerAddresses = true

			fs.TreeWalk(ctx, treeID,
				func(err *btrfstree.TreeError) {
					dlog.Error(ctx, err)
				},
				btrfstree.TreeWalkHandler{
					Item: func(path btrfstree.Path, item btrfstree.Item) {
						textui.Fprintf(os.Stdout, "%s = ", path)
						spew.Dump(item)
						_, _ = os.Stdout.WriteString("\n")
					},
					BadItem: func(path btrfstree.Path, item btrfstree.Item) {
						textui.Fprintf(os.Stdout, "%s = ", path)
						spew.Dump(item)
						_, _ = os.Stdout.WriteString("\n")
					},
				})
			return nil
		},
	})
}
