// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-backref/lib/btrfsutil"
	"git.lukeshu.com/btrfs-backref/lib/textui"
)

// An openFS is a forrest dump opened for querying; tree operations go
// through a node cache over the in-memory forrest.
type openFS struct {
	Raw *btrfsutil.MemForrest
	btrfstree.TreeOperatorImpl
}

type subcommand struct {
	cobra.Command
	RunE func(*openFS, *cobra.Command, []string) error
}

var inspectors []subcommand

func main() {
	logLevelFlag := textui.LogLevelFlag{
		Level: dlog.LogLevelInfo,
	}
	var forrestFlag string
	var nodeCacheSizeFlag int

	argparser := &cobra.Command{
		Use:   "btrfs-backref {[flags]|SUBCOMMAND}",
		Short: "Resolve back-references to btrfs extents",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc will handle it

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.PersistentFlags().StringVar(&forrestFlag, "forrest", "", "load the filesystem's nodes from external JSON file `forrest.json`")
	if err := argparser.MarkPersistentFlagFilename("forrest"); err != nil {
		panic(err)
	}
	if err := argparser.MarkPersistentFlagRequired("forrest"); err != nil {
		panic(err)
	}
	argparser.PersistentFlags().IntVar(&nodeCacheSizeFlag, "node-cache-size", 0, "how many nodes to keep in the read cache (0 = default)")

	argparserInspect := &cobra.Command{
		Use:   "inspect {[flags]|SUBCOMMAND}",
		Short: "Inspect (but don't modify) a btrfs filesystem",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,
	}
	argparser.AddCommand(argparserInspect)

	for _, child := range inspectors {
		cmd := child.Command
		runE := child.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
			ctx = dlog.WithLogger(ctx, logger)
			ctx = dlog.WithField(ctx, "mem", new(textui.LiveMemUse))
			dlog.SetFallbackLogger(logger.WithField("btrfs-backref.THIS_IS_A_BUG", true))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) error {
				dump, err := readJSONFile[btrfsutil.ForrestDump](ctx, forrestFlag)
				if err != nil {
					return err
				}
				forrest, err := dump.Forrest()
				if err != nil {
					return err
				}
				fs := &openFS{
					Raw: forrest,
					TreeOperatorImpl: btrfstree.TreeOperatorImpl{
						NodeSource: btrfsutil.NewCachingNodeSource(forrest, nodeCacheSizeFlag),
					},
				}

				cmd.SetContext(ctx)
				return runE(fs, cmd, args)
			})
			return grp.Wait()
		}
		argparserInspect.AddCommand(&cmd)
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
