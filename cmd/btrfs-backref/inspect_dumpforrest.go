// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-backref/lib/btrfsutil"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "dump-forrest",
			Short: "Re-emit the forrest dump, normalized",
			Long: "" +
				"Nodes are emitted in address order with their headers " +
				"filled in, which makes dumps from different tools " +
				"diffable against each other.",
			Args: cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(fs *openFS, cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			dump, err := btrfsutil.DumpForrest(fs.Raw)
			if err != nil {
				return err
			}

			dlog.Infof(ctx, "Writing %d nodes to stdout...", len(dump.Nodes))
			if err := writeJSONFile(os.Stdout, dump, lowmemjson.ReEncoderConfig{
				Indent:                "\t",
				ForceTrailingNewlines: true,
			}); err != nil {
				return err
			}
			dlog.Info(ctx, "... done writing")

			return nil
		},
	})
}
